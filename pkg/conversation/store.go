package conversation

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/interviewer/pkg/errorsx"
)

var (
	ErrClosed         = errors.New("conversation closed")
	ErrTurnInProgress = errors.New("interviewer turn already in progress")
	ErrNoActiveTurn   = errors.New("no interviewer turn in progress")
	ErrEmptyText      = errors.New("turn text is empty")
)

// Store is the ordered, append-only log of turns for one session. Only the
// latest interviewer turn may change, and only while it is in progress.
type Store struct {
	mu        sync.RWMutex
	sessionID string
	turns     []Turn
	active    int
	closed    bool
	now       func() time.Time
}

func NewStore(sessionID string) *Store {
	return &Store{sessionID: sessionID, active: -1, now: time.Now}
}

func (s *Store) SessionID() string { return s.sessionID }

// AppendCandidate records a completed candidate utterance. Blank text is
// rejected with ErrEmptyText and leaves the store untouched.
func (s *Store) AppendCandidate(text string) (Turn, error) {
	text = strings.Join(strings.Fields(text), " ")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Turn{}, ErrClosed
	}
	if text == "" {
		return Turn{}, ErrEmptyText
	}
	if s.active >= 0 {
		return Turn{}, errorsx.Wrap(ErrTurnInProgress, errorsx.ReasonTurnInProgress)
	}
	t := Turn{
		ID:        uuid.NewString(),
		Role:      RoleCandidate,
		Text:      text,
		CreatedAt: s.now(),
	}
	s.turns = append(s.turns, t)
	return t, nil
}

// BeginInterviewer opens the single in-progress interviewer turn.
func (s *Store) BeginInterviewer() (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Turn{}, ErrClosed
	}
	if s.active >= 0 {
		return Turn{}, errorsx.Wrap(ErrTurnInProgress, errorsx.ReasonTurnInProgress)
	}
	t := Turn{
		ID:         uuid.NewString(),
		Role:       RoleInterviewer,
		CreatedAt:  s.now(),
		InProgress: true,
	}
	s.turns = append(s.turns, t)
	s.active = len(s.turns) - 1
	return t, nil
}

// AppendInterviewer grows the in-progress interviewer turn identified by id.
func (s *Store) AppendInterviewer(id, chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active < 0 || s.turns[s.active].ID != id {
		return ErrNoActiveTurn
	}
	s.turns[s.active].Text += chunk
	return nil
}

// FinishInterviewer closes the in-progress turn. Text generated so far is kept
// as-is; a turn that never received text is removed.
func (s *Store) FinishInterviewer(id string, interrupted bool) (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active < 0 || s.turns[s.active].ID != id {
		return Turn{}, false
	}
	idx := s.active
	s.active = -1
	if strings.TrimSpace(s.turns[idx].Text) == "" {
		s.turns = append(s.turns[:idx], s.turns[idx+1:]...)
		return Turn{}, false
	}
	s.turns[idx].InProgress = false
	s.turns[idx].Interrupted = interrupted
	return s.turns[idx], true
}

// MarkInterrupted flags a finished interviewer turn whose playback was cut
// short. It reports whether the turn was found.
func (s *Store) MarkInterrupted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].ID == id && s.turns[i].Role == RoleInterviewer && !s.turns[i].InProgress {
			s.turns[i].Interrupted = true
			return true
		}
	}
	return false
}

// ActiveTurn returns a copy of the in-progress interviewer turn.
func (s *Store) ActiveTurn() (Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active < 0 {
		return Turn{}, false
	}
	return s.turns[s.active], true
}

// Snapshot returns a copy of all turns in conversational order, including the
// partial text of an in-progress turn.
func (s *Store) Snapshot() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Close freezes the store and returns the final turns. Only the first call
// returns true; an in-progress turn is closed as interrupted.
func (s *Store) Close() ([]Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.closed = true
	if s.active >= 0 {
		idx := s.active
		s.active = -1
		if strings.TrimSpace(s.turns[idx].Text) == "" {
			s.turns = append(s.turns[:idx], s.turns[idx+1:]...)
		} else {
			s.turns[idx].InProgress = false
			s.turns[idx].Interrupted = true
		}
	}
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out, true
}

func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
