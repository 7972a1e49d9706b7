// Package idgen generates entity IDs.
//
// Production IDs are a type prefix followed by a UUIDv7 ("job_0190…",
// "ver_0190…"): a bare ID in a log line says what it names, and IDs of one
// type sort by creation time. Store constructors take a Generator so tests
// can inject Sequence and assert on exact IDs.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator returns a new unique ID on each call.
type Generator func() string

const (
	PrefixProject    = "prj_"
	PrefixBook       = "book_"
	PrefixChapter    = "ch_"
	PrefixEdit       = "edit_"
	PrefixJob        = "job_"
	PrefixVersion    = "ver_"
	PrefixRevision   = "rev_"
	PrefixProposal   = "prop_"
	PrefixCompletion = "cmp_"
	PrefixEvent      = "evt_"
	PrefixSession    = "quic_"
)

// New returns an unprefixed UUIDv7, used for request IDs.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// For returns the production generator for prefix.
func For(prefix string) Generator {
	return func() string { return prefix + New() }
}

// Sequence yields prefix1, prefix2, … and is safe for concurrent use.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string { return prefix + strconv.FormatInt(n.Add(1), 10) }
}
