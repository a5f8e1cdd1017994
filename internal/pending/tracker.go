package pending

import (
	"sync"
	"time"

	"github.com/flitsinc/toolbridge/internal/idgen"
	"github.com/flitsinc/toolbridge/internal/schema"
)

const (
	ErrTimeout       = "timeout"
	ErrSessionClosed = "session closed"
)

// call is one in-flight remote invocation. It lives in the tracker map from
// Create until the first resolution claims it; the map removal under the
// mutex is what makes resolution exactly-once.
type call struct {
	correlationID string
	sessionID     string
	invocation    schema.Invocation
	done          chan schema.Outcome
	timer         *time.Timer
}

// Tracker matches remote invocation requests with their eventual result or
// error messages. First writer wins: a result, an error, a deadline expiry,
// and a session teardown all race for the same claim, and whichever arrives
// first settles the call. Late arrivals are reported as stale, never as
// errors.
type Tracker struct {
	mu    sync.Mutex
	calls map[string]*call
}

func NewTracker() *Tracker {
	return &Tracker{calls: map[string]*call{}}
}

// Create registers a pending call under the invocation's correlation id
// (allocating a fresh one when unset), arms the deadline timer, and returns
// the completion channel. The channel receives exactly one Outcome.
func (t *Tracker) Create(sessionID string, inv schema.Invocation, timeout time.Duration) (string, <-chan schema.Outcome) {
	id := inv.CorrelationID
	if id == "" {
		id = idgen.New()
		inv.CorrelationID = id
	}
	c := &call{
		correlationID: id,
		sessionID:     sessionID,
		invocation:    inv,
		done:          make(chan schema.Outcome, 1),
	}

	t.mu.Lock()
	t.calls[id] = c
	t.mu.Unlock()

	if timeout > 0 {
		c.timer = time.AfterFunc(timeout, func() {
			t.expire(id)
		})
	}
	return id, c.done
}

// Resolve settles the call with the given outcome, provided the call
// belongs to sessionID. Returns true ("stale") when the correlation id is
// unknown, already settled, or owned by a different session; the outcome is
// then discarded without complaint. The ownership check is what keeps one
// peer from forging outcomes for another session's calls, since correlation
// ids are visible on the observer streams.
func (t *Tracker) Resolve(sessionID, correlationID string, out schema.Outcome) bool {
	c := t.claim(correlationID, sessionID)
	if c == nil {
		return true
	}
	if out.Name == "" {
		out.Name = c.invocation.Name
	}
	if out.Arguments == nil {
		out.Arguments = c.invocation.Arguments
	}
	if out.CompletedAt.IsZero() {
		out.CompletedAt = time.Now().UTC()
	}
	c.done <- out
	return false
}

// CancelAll force-settles every open call for the session with a
// "session closed" error. Called exactly once at session teardown so no
// completion channel is awaited forever.
func (t *Tracker) CancelAll(sessionID string) int {
	t.mu.Lock()
	var claimed []*call
	for id, c := range t.calls {
		if c.sessionID == sessionID {
			delete(t.calls, id)
			claimed = append(claimed, c)
		}
	}
	t.mu.Unlock()

	for _, c := range claimed {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.done <- schema.ErrorOutcome(c.invocation, ErrSessionClosed)
	}
	return len(claimed)
}

// OpenCount reports the number of in-flight calls for a session.
func (t *Tracker) OpenCount(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.calls {
		if c.sessionID == sessionID {
			n++
		}
	}
	return n
}

func (t *Tracker) expire(correlationID string) {
	// The timer is armed by Create for this exact call, so no ownership
	// check applies.
	c := t.claim(correlationID, "")
	if c == nil {
		return
	}
	c.done <- schema.ErrorOutcome(c.invocation, ErrTimeout)
}

// claim removes the call from the map, stopping its timer. Returns nil when
// another resolver won the race or when sessionID is non-empty and does not
// own the call; an unowned call stays in the map untouched.
func (t *Tracker) claim(correlationID, sessionID string) *call {
	t.mu.Lock()
	c, ok := t.calls[correlationID]
	if ok && sessionID != "" && c.sessionID != sessionID {
		t.mu.Unlock()
		return nil
	}
	if ok {
		delete(t.calls, correlationID)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	return c
}
