package domain

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint identifies logically duplicate records.
// Collisions between unrelated records are possible but rare.
type Fingerprint uint64

// String returns the fingerprint as 16 hex digits
func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// FingerprintOf hashes the identifying fields of an entry:
// client address, timestamp truncated to the second, path and status
func FingerprintOf(entry *LogEntry) Fingerprint {
	d := xxhash.New()

	buf := make([]byte, 0, 64+len(entry.Path))
	buf = append(buf, entry.ClientIP...)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, entry.Timestamp.Unix(), 10)
	buf = append(buf, '|')
	buf = append(buf, entry.Path...)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, int64(entry.Status), 10)

	_, _ = d.Write(buf)
	return Fingerprint(d.Sum64())
}
