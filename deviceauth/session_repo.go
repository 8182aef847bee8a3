package deviceauth

import (
	"sync"
	"time"

	"github.com/jrsteele09/go-credential-broker/faults"
	"github.com/pkg/errors"
)

// SessionRepo is a thread-safe in-memory arena of device authorization
// sessions keyed by session ID.
type SessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRepo returns an empty in-memory session store.
func NewSessionRepo() *SessionRepo {
	return &SessionRepo{
		sessions: make(map[string]*Session),
	}
}

// Put stores a copy of the session.
func (r *SessionRepo) Put(session *Session) error {
	if session == nil || session.SessionID == "" {
		return errors.New("[SessionRepo.Put] session id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[session.SessionID] = session.clone()
	return nil
}

// Get returns a copy of the session or ErrInvalidDeviceAuthSession.
func (r *SessionRepo) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, errors.Wrap(faults.ErrInvalidDeviceAuthSession, "[SessionRepo.Get]")
	}
	return session.clone(), nil
}

// Transition moves the session from one state to another atomically. It
// fails with ErrInvalidDeviceAuthSession when the session is unknown or not
// in the expected state.
func (r *SessionRepo) Transition(sessionID string, from, to State) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, errors.Wrap(faults.ErrInvalidDeviceAuthSession, "[SessionRepo.Transition] unknown session")
	}
	if session.State != from {
		return nil, errors.Wrapf(faults.ErrInvalidDeviceAuthSession, "[SessionRepo.Transition] session is %s", session.State)
	}
	session.State = to
	return session.clone(), nil
}

// FindLive returns a copy of a CREATED or POLLING session for the action and
// instance whose deadline has not passed, or nil.
func (r *SessionRepo) FindLive(action Action, instanceID string, now time.Time) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, session := range r.sessions {
		if session.Action != action || session.InstanceID != instanceID {
			continue
		}
		if session.State.Terminal() || !now.Before(session.Deadline) {
			continue
		}
		return session.clone()
	}
	return nil
}

func (r *SessionRepo) Delete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, sessionID)
}

// Sweep drops sessions that are past their deadline and not being polled.
// It returns how many were removed.
func (r *SessionRepo) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, session := range r.sessions {
		if session.State == StatePolling {
			continue
		}
		if session.State.Terminal() || !now.Before(session.Deadline) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

func (r *SessionRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
