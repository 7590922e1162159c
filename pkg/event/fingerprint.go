package event

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint hashes the identity of an event for deduplication. The
// timestamp is truncated to bucket so rebroadcasts of the same detection
// collide. The value is never persisted.
func Fingerprint(kind Kind, symbol, discriminator string, ts time.Time, bucket time.Duration) uint64 {
	if bucket > 0 {
		ts = ts.Truncate(bucket)
	}
	d := xxhash.New()
	_, _ = d.WriteString(strconv.Itoa(int(kind)))
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(symbol)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(discriminator)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(strconv.FormatInt(ts.UnixNano(), 10))
	return d.Sum64()
}
