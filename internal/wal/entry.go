// Package wal implements the crash-safe write-ahead log that underlies
// every durable write in the substrate: segment rotation driven by a
// three-phase checkpoint, checksummed newline-delimited JSON entries,
// ordered replay with pagination, and disk-pressure backoff with
// hysteresis. The log is single-writer: all appends funnel through one
// goroutine that owns the active segment.
package wal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Op tags what an entry records. The set is closed but forward-compatible:
// replay warns on unknown tags and keeps going.
type Op string

const (
	OpWrite      Op = "write"
	OpDelete     Op = "delete"
	OpAudit      Op = "audit"
	OpCostCommit Op = "cost_commit"
	OpSettlement Op = "settlement"
	OpDLQ        Op = "dlq"
)

// KnownOp reports whether the tag belongs to the documented set.
func KnownOp(op Op) bool {
	switch op {
	case OpWrite, OpDelete, OpAudit, OpCostCommit, OpSettlement, OpDLQ:
		return true
	}
	return false
}

// Entry is one WAL record. Data is opaque to the log and base64-encoded
// on the wire by encoding/json.
type Entry struct {
	ID            string    `json:"id"`
	Seq           uint64    `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
	Op            Op        `json:"operation"`
	Path          string    `json:"path"`
	Data          []byte    `json:"data,omitempty"`
	EntryChecksum string    `json:"entryChecksum"`
}

// ComputeChecksum returns the checksum of the entry's canonical
// serialization, i.e. the JSON encoding with EntryChecksum blanked.
func (e *Entry) ComputeChecksum() string {
	c := *e
	c.EntryChecksum = ""
	raw, err := json.Marshal(&c)
	if err != nil {
		// Entry fields are all marshalable types; this cannot happen
		// outside of memory corruption.
		panic(fmt.Sprintf("wal: marshal entry: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// VerifyChecksum recomputes and compares the stored checksum.
func (e *Entry) VerifyChecksum() bool {
	return e.EntryChecksum != "" && e.EntryChecksum == e.ComputeChecksum()
}

// newEntryID embeds the wall-clock timestamp so operators can correlate
// entries with external logs without parsing the body.
func newEntryID(ts time.Time, seq uint64) string {
	return fmt.Sprintf("%d-%d-%s", ts.UnixMilli(), seq, uuid.New().String()[:8])
}
