package delivery

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the runtime state of one delivery in flight. The scheduler is
// the only writer of status and cursor; everyone else reads snapshots or
// waits on Done.
type Session struct {
	ID        string
	Plan      Plan
	StartedAt time.Time

	mu           sync.Mutex
	status       Status
	cursor       int
	delivered    int
	result       Result
	cancelAt     time.Time
	cancelReason string

	cancelOnce sync.Once
	cancelled  chan struct{}
	done       chan struct{}
}

// SessionSnapshot is a point-in-time read of a session for status queries.
type SessionSnapshot struct {
	SessionID      string     `json:"session_id"`
	ChatID         string     `json:"chat_id"`
	RequestID      string     `json:"request_id"`
	Policy         ModePolicy `json:"policy"`
	Status         Status     `json:"status"`
	Cursor         int        `json:"cursor"`
	DeliveredCount int        `json:"delivered_count"`
	TotalChunks    int        `json:"total_chunks"`
	SplitFellBack  bool       `json:"split_fell_back"`
	StartedAt      time.Time  `json:"started_at"`
	CancelReason   string     `json:"cancel_reason,omitempty"`
}

func newSession(plan Plan) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Plan:      plan,
		StartedAt: time.Now().UTC(),
		status:    StatusPending,
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Cancel requests cancellation. It never aborts a chunk mid-dispatch; the
// scheduler honors the request at the next chunk boundary. Returns true on
// the first call only.
func (s *Session) Cancel(reason string) bool {
	first := false
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		s.cancelAt = time.Now().UTC()
		s.cancelReason = reason
		s.mu.Unlock()
		close(s.cancelled)
		first = true
	})
	return first
}

// Cancelled is closed once cancellation has been requested.
func (s *Session) Cancelled() <-chan struct{} { return s.cancelled }

// Done is closed once the session reaches a terminal status.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result is valid only after Done is closed.
func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) DeliveredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		SessionID:      s.ID,
		ChatID:         s.Plan.ChatID,
		RequestID:      s.Plan.RequestID,
		Policy:         s.Plan.Policy,
		Status:         s.status,
		Cursor:         s.cursor,
		DeliveredCount: s.delivered,
		TotalChunks:    len(s.Plan.Chunks),
		SplitFellBack:  s.Plan.SplitFellBack,
		StartedAt:      s.StartedAt,
		CancelReason:   s.cancelReason,
	}
}

func (s *Session) cancelRequested() bool {
	select {
	case <-s.cancelled:
		return true
	default:
		return false
	}
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// advance records chunk i as delivered and moves the cursor past it.
func (s *Session) advance(i int) {
	s.mu.Lock()
	s.delivered = i + 1
	s.cursor = i + 1
	s.mu.Unlock()
}

// finish moves the session to a terminal status and releases Done waiters.
// It is a no-op if the session already terminated.
func (s *Session) finish(st Status, err error) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.status = st
	s.result = Result{Status: st, DeliveredCount: s.delivered, Err: err}
	s.mu.Unlock()
	close(s.done)
}

// CancelReason reports why cancellation was requested, empty when it was
// not.
func (s *Session) CancelReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelReason
}

// cancelLatency is how long the session took to terminate after the cancel
// request, zero when no cancel was requested.
func (s *Session) cancelLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelAt.IsZero() {
		return 0
	}
	return time.Now().UTC().Sub(s.cancelAt)
}
