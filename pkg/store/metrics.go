package store

import (
	"github.com/cockroachdb/pebble"
)

// Stats is a compact view of pebble internals for /v1/stats and the sensor.
type Stats struct {
	DiskBytes         uint64 `json:"disk_bytes"`
	WALBytes          uint64 `json:"wal_bytes"`
	L0Files           int64  `json:"l0_files"`
	L0Bytes           int64  `json:"l0_bytes"`
	CompactionBacklog uint64 `json:"compaction_backlog"`
	Results           int    `json:"results"`
	DeadLetters       int    `json:"dead_letters"`
}

// Stats reads pebble metrics and key counts. Counting walks the keyspace, so
// callers should not poll it in a hot loop.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.with(func(db *pebble.DB) error {
		m := db.Metrics()
		st.DiskBytes = m.DiskSpaceUsage()
		st.WALBytes = m.WAL.Size
		st.L0Files = m.Levels[0].NumFiles
		st.L0Bytes = m.Levels[0].Size
		st.CompactionBacklog = m.Compact.EstimatedDebt
		return nil
	})
	if err != nil {
		return st, err
	}
	if st.Results, err = s.CountResults(); err != nil {
		return st, err
	}
	st.DeadLetters, err = s.CountDeadLetters()
	return st, err
}
