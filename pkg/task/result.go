package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Result is the outcome of processing one WorkItem: either Success carrying
// a value or Failure carrying an error.
type Result[R any] struct {
	id        uuid.UUID
	itemID    uuid.UUID
	createdAt time.Time
	duration  time.Duration
	attempts  int
	value     R
	err       error
	success   bool
}

func Success[R any](itemID uuid.UUID, value R, attempts int, d time.Duration) Result[R] {
	return Result[R]{
		id:        uuid.New(),
		itemID:    itemID,
		createdAt: time.Now().UTC(),
		duration:  d,
		attempts:  attempts,
		value:     value,
		success:   true,
	}
}

func Failure[R any](itemID uuid.UUID, err error, attempts int, d time.Duration) Result[R] {
	return Result[R]{
		id:        uuid.New(),
		itemID:    itemID,
		createdAt: time.Now().UTC(),
		duration:  d,
		attempts:  attempts,
		err:       err,
	}
}

func (r Result[R]) ID() uuid.UUID           { return r.id }
func (r Result[R]) ItemID() uuid.UUID       { return r.itemID }
func (r Result[R]) IsSuccess() bool         { return r.success }
func (r Result[R]) Value() R                { return r.value }
func (r Result[R]) Err() error              { return r.err }
func (r Result[R]) Attempts() int           { return r.attempts }
func (r Result[R]) CreatedAt() time.Time    { return r.createdAt }
func (r Result[R]) Duration() time.Duration { return r.duration }

// Record is the serialisable view of a Result used by the store and the API.
type Record struct {
	ID         string          `json:"id"`
	ItemID     string          `json:"item_id"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Attempts   int             `json:"attempts"`
	DurationMs int64           `json:"duration_ms"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ToRecord converts r into a Record, marshalling the value as JSON. A value
// that cannot be marshalled is dropped and noted in Error.
func ToRecord[R any](r Result[R]) Record {
	rec := Record{
		ID:         r.id.String(),
		ItemID:     r.itemID.String(),
		Success:    r.success,
		Attempts:   r.attempts,
		DurationMs: r.duration.Milliseconds(),
		CreatedAt:  r.createdAt,
	}
	if r.err != nil {
		rec.Error = r.err.Error()
	}
	if r.success {
		b, err := json.Marshal(r.value)
		if err != nil {
			rec.Error = "value not serialisable: " + err.Error()
		} else {
			rec.Value = b
		}
	}
	return rec
}
