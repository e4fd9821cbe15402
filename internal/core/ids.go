package core

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var fallbackSeq atomic.Uint64

// NewExpenseID returns a random UUID. If the random source fails it falls
// back to a timestamp id made unique within the process by a counter.
func NewExpenseID() string {
	id, err := uuid.NewRandom()
	if err == nil {
		return id.String()
	}
	return fmt.Sprintf("ts-%d-%d", time.Now().UnixNano(), fallbackSeq.Add(1))
}

// IsUUID reports whether id parses as a UUID.
func IsUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
