package epidra

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// sessionInfo describes an in-flight handshake.
type sessionInfo struct {
	ID      string    `json:"id"`
	Role    string    `json:"role"`
	Remote  string    `json:"remote"`
	Started time.Time `json:"started"`
}

// sessions represents the set of handshakes that are currently in progress.
// Sessions that outlive the timeout are considered defunct; their
// goroutines give up on their own once the handshake deadline passes.
type sessions struct {
	sync.RWMutex
	timeout time.Duration
	set     map[string]sessionInfo
	metrics *metrics
}

func newSessions(timeout time.Duration, m *metrics) *sessions {
	return &sessions{
		set:     make(map[string]sessionInfo),
		timeout: timeout,
		metrics: m,
	}
}

func (s *sessions) length() int {
	s.RLock()
	defer s.RUnlock()

	return len(s.set)
}

func (s *sessions) register(info sessionInfo) {
	s.Lock()
	defer s.Unlock()

	if _, exists := s.set[info.ID]; !exists {
		s.metrics.sessionStarted()
	}
	s.set[info.ID] = info
	elog.Debug("Registered session.",
		zap.String("session", info.ID),
		zap.Int("active", len(s.set)))
}

func (s *sessions) unregister(id string) {
	s.Lock()
	defer s.Unlock()

	s.unregisterLocked(id)
}

func (s *sessions) unregisterLocked(id string) {
	if _, exists := s.set[id]; !exists {
		return
	}
	delete(s.set, id)
	s.metrics.sessionEnded()
	elog.Debug("Unregistered session.",
		zap.String("session", id),
		zap.Int("active", len(s.set)))
}

func (s *sessions) pruneDefunct() {
	s.Lock()
	defer s.Unlock()

	now := time.Now()
	for id, info := range s.set {
		if now.Sub(info.Started) > s.timeout {
			s.unregisterLocked(id)
		}
	}
}

// snapshot returns a copy of the in-flight sessions.
func (s *sessions) snapshot() []sessionInfo {
	s.RLock()
	defer s.RUnlock()

	out := make([]sessionInfo, 0, len(s.set))
	for _, info := range s.set {
		out = append(out, info)
	}
	return out
}
