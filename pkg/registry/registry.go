package registry

import (
	"sync"

	"github.com/sirupsen/logrus"

	"callbridge-server/pkg/errors"
)

// Session is the view of a live voice session the registry needs. The
// registry never drives a session; it only tracks which ones exist.
type Session interface {
	CallSID() string
}

// CallRegistry maps call SIDs to live voice sessions. It is mutated only
// by the stream gateway: insert on start, remove on teardown. The webhook
// path never consults it; webhooks must reconcile correctly whether or
// not a live session exists for the call.
type CallRegistry struct {
	logger   *logrus.Logger
	mutex    sync.RWMutex
	sessions map[string]Session
}

// NewCallRegistry creates an empty registry.
func NewCallRegistry(logger *logrus.Logger) *CallRegistry {
	return &CallRegistry{
		logger:   logger,
		sessions: make(map[string]Session),
	}
}

// Add registers a live session for the given call SID. Registering the
// same SID twice returns errors.ErrSessionAlreadyExists.
func (r *CallRegistry) Add(session Session) error {
	callSID := session.CallSID()

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.sessions[callSID]; exists {
		return errors.Wrap(errors.ErrSessionAlreadyExists, "registry add").
			WithField("call_sid", callSID)
	}
	r.sessions[callSID] = session

	r.logger.WithFields(logrus.Fields{
		"call_sid":        callSID,
		"active_sessions": len(r.sessions),
	}).Info("Voice session registered")

	return nil
}

// Get returns the live session for a call SID, if any.
func (r *CallRegistry) Get(callSID string) (Session, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	session, ok := r.sessions[callSID]
	return session, ok
}

// Remove drops the session for the given call SID. Removing an unknown
// SID is a no-op; teardown paths may race with each other.
func (r *CallRegistry) Remove(callSID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.sessions[callSID]; !exists {
		return
	}
	delete(r.sessions, callSID)

	r.logger.WithFields(logrus.Fields{
		"call_sid":        callSID,
		"active_sessions": len(r.sessions),
	}).Info("Voice session removed")
}

// Count returns the number of live sessions.
func (r *CallRegistry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.sessions)
}
