package retention

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// fileLease is a lock file under the retention state directory so two
// processes sharing a data path never purge at the same time.
type fileLease struct {
	path string
	now  func() time.Time
}

type leaseFile struct {
	Owner   string    `json:"owner"`
	Expires time.Time `json:"expires"`
}

func newFileLease(dir string, now func() time.Time) *fileLease {
	return &fileLease{path: filepath.Join(dir, "retention.lock"), now: now}
}

// Acquire takes the lease for ttl. It returns false when another live owner
// holds it.
func (l *fileLease) Acquire(owner string, ttl time.Duration) (bool, error) {
	now := l.now()
	b, _ := json.Marshal(leaseFile{Owner: owner, Expires: now.Add(ttl)})
	tmp := l.path + "." + owner + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return false, err
	}
	defer os.Remove(tmp)
	if err := os.Link(tmp, l.path); err == nil {
		return true, nil
	}
	existing, err := l.read()
	if err != nil {
		return false, err
	}
	if existing.Expires.After(now) {
		return false, nil
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return false, err
	}
	return true, nil
}

func (l *fileLease) Release(owner string) error {
	existing, err := l.read()
	if err != nil {
		return err
	}
	if existing.Owner != owner {
		return fmt.Errorf("lease held by %s, not %s", existing.Owner, owner)
	}
	return os.Remove(l.path)
}

func (l *fileLease) read() (leaseFile, error) {
	var lf leaseFile
	data, err := os.ReadFile(l.path)
	if err != nil {
		return lf, err
	}
	if err := json.Unmarshal(data, &lf); err != nil {
		return lf, errors.Join(fmt.Errorf("corrupt lease %s", l.path), err)
	}
	return lf, nil
}
