// Package sync implements the offline-first synchronization engine:
// last-write-wins conflict resolution and the batch coordinator that
// applies client-generated operation batches exactly once.
package sync

import "time"

// Outcome is the decision for a single competing update.
type Outcome int

const (
	// Apply means the client version wins and is persisted.
	Apply Outcome = iota
	// Conflict means the server version is kept and surfaced to the client
	// for local reconciliation. Not an error: a normal, reportable result.
	Conflict
)

// Resolve decides between a client-submitted version and the server's
// current version of the same entity.
//
// Append-only kinds always apply: only creation can occur for this class,
// and creation collisions are impossible because identifiers are globally
// unique, so update conflicts are structurally ruled out.
//
// Mutable kinds use last-write-wins on timestamps. A tie goes to the
// server: never silently assume the client's write is newer on equal
// timestamps. The losing concurrent edit is overwritten — a deliberate
// tradeoff favoring availability and determinism over semantic merging.
func Resolve(appendOnly bool, clientTS, serverTS time.Time) Outcome {
	if appendOnly {
		return Apply
	}
	if clientTS.After(serverTS) {
		return Apply
	}
	return Conflict
}
