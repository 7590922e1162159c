package sse

import (
	"fmt"
	"sync/atomic"
	"time"
)

var eventCounter uint64

// Event is one SSE record. Type becomes the "event:" field so browsers can
// attach listeners per envelope type.
type Event struct {
	ID      string
	Type    string
	Data    []byte
	RetryMS int
}

func nextEventID(now time.Time) string {
	seq := atomic.AddUint64(&eventCounter, 1)
	return fmt.Sprintf("%013d-%010d", now.UTC().UnixMilli(), seq)
}
