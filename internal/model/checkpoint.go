package model

import (
	"fmt"
	"time"
)

// Checkpoint marks the point up to which a device has received server-side
// changes. It is opaque to clients: over the wire it is an RFC3339Nano
// string, compared only by the server. The zero Checkpoint precedes every
// mutation.
type Checkpoint struct {
	ts time.Time
}

// CheckpointAt returns a checkpoint at the given instant.
func CheckpointAt(t time.Time) Checkpoint {
	return Checkpoint{ts: t.UTC()}
}

// Time returns the instant the checkpoint represents.
func (c Checkpoint) Time() time.Time {
	return c.ts
}

// IsZero reports whether the checkpoint is the initial (epoch) checkpoint.
func (c Checkpoint) IsZero() bool {
	return c.ts.IsZero()
}

// Covers reports whether a mutation at t is already reflected in the
// checkpoint, i.e. a feed resumed from c must not deliver it again.
func (c Checkpoint) Covers(t time.Time) bool {
	return !t.After(c.ts)
}

// Advance returns the later of the checkpoint and t. Checkpoints only move
// forward; advancing with an earlier instant is a no-op.
func (c Checkpoint) Advance(t time.Time) Checkpoint {
	if t.After(c.ts) {
		return Checkpoint{ts: t.UTC()}
	}
	return c
}

// ParseCheckpoint parses the wire form of a checkpoint. The empty string
// parses as the zero checkpoint (first sync).
func ParseCheckpoint(s string) (Checkpoint, error) {
	if s == "" {
		return Checkpoint{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("model: parse checkpoint: %w", err)
	}
	return Checkpoint{ts: t.UTC()}, nil
}

// MarshalJSON encodes the checkpoint as an RFC3339Nano string. The zero
// checkpoint encodes as the empty string.
func (c Checkpoint) MarshalJSON() ([]byte, error) {
	if c.ts.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(`"` + c.ts.UTC().Format(time.RFC3339Nano) + `"`), nil
}

// UnmarshalJSON decodes an RFC3339Nano string. The empty string decodes as
// the zero checkpoint (first sync).
func (c *Checkpoint) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("model: checkpoint must be a JSON string")
	}
	s := string(b[1 : len(b)-1])
	if s == "" {
		*c = Checkpoint{}
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("model: parse checkpoint: %w", err)
	}
	c.ts = t.UTC()
	return nil
}
