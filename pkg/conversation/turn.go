package conversation

import (
	"context"
	"time"
)

type Role string

const (
	RoleInterviewer Role = "interviewer"
	RoleCandidate   Role = "candidate"
)

// Turn is one contiguous utterance by either party.
type Turn struct {
	ID        string
	Role      Role
	Text      string
	CreatedAt time.Time
	// InProgress is set while an interviewer turn is still being generated.
	InProgress bool
	// Interrupted marks an interviewer turn cut short by the candidate.
	Interrupted bool
}

// Persister receives the finished conversation when a session ends.
type Persister interface {
	Persist(ctx context.Context, sessionID string, turns []Turn) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, sessionID string, turns []Turn) error

func (f PersisterFunc) Persist(ctx context.Context, sessionID string, turns []Turn) error {
	return f(ctx, sessionID, turns)
}
