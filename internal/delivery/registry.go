package delivery

import (
	"context"
	"sync"
	"time"
)

// Registry tracks the one active session each chat may have. Terminal
// sessions are removed by the scheduler; the janitor is a backstop that
// cancels sessions running past maxAge.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*Session
	maxAge time.Duration
}

func NewRegistry(maxAge time.Duration) *Registry {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &Registry{
		active: make(map[string]*Session),
		maxAge: maxAge,
	}
}

// Begin claims the chat for the session. It fails with ErrChatBusy when
// another session is still active for the same chat.
func (r *Registry) Begin(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[s.Plan.ChatID]; ok {
		return ErrChatBusy
	}
	r.active[s.Plan.ChatID] = s
	return nil
}

// Active returns the session currently holding the chat, if any.
func (r *Registry) Active(chatID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.active[chatID]
	return s, ok
}

// Finish releases the chat if it is still held by the given session.
func (r *Registry) Finish(chatID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.active[chatID]; ok && s.ID == sessionID {
		delete(r.active, chatID)
	}
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// Snapshots lists the active sessions, for status endpoints.
func (r *Registry) Snapshots() []SessionSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionSnapshot, 0, len(r.active))
	for _, s := range r.active {
		out = append(out, s.Snapshot())
	}
	return out
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireOverdue()
			}
		}
	}()
}

func (r *Registry) expireOverdue() {
	now := time.Now().UTC()
	var overdue []*Session

	r.mu.RLock()
	for _, s := range r.active {
		if now.Sub(s.StartedAt) >= r.maxAge {
			overdue = append(overdue, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range overdue {
		s.Cancel(ErrSessionExpired.Error())
	}
}
