package httpapi

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// hub tracks the live sessions of each owner on this instance.
type hub struct {
	logger logrus.FieldLogger

	mu       sync.RWMutex
	sessions map[string]map[*session]struct{}
}

func newHub(logger logrus.FieldLogger) *hub {
	return &hub{logger: logger, sessions: map[string]map[*session]struct{}{}}
}

func (h *hub) register(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[s.owner]
	if !ok {
		set = map[*session]struct{}{}
		h.sessions[s.owner] = set
	}
	set[s] = struct{}{}
	h.logger.WithFields(logrus.Fields{"owner": s.owner, "session": s.id, "sessions": len(set)}).Info("ws client connected")
}

func (h *hub) unregister(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[s.owner]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.sessions, s.owner)
	}
	h.logger.WithFields(logrus.Fields{"owner": s.owner, "session": s.id, "sessions": len(set)}).Info("ws client disconnected")
}

// deliver queues frame on every session of ownerID. A session whose buffer
// is full is closed so it reconnects and refetches.
func (h *hub) deliver(ownerID string, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions[ownerID] {
		s.enqueue(frame)
	}
}

func (h *hub) count(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[ownerID])
}

func (h *hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.sessions {
		for s := range set {
			s.cancel()
		}
	}
}
