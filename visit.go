package ejdb

import (
	"sync"

	"github.com/softmotions/ejdb/query"
)

// VisitToken controls a VisitQuery callback loop in progress on another
// goroutine: Pause blocks the loop before its next document, Resume lets
// it continue, and Stop ends it early. The visit itself runs over a
// materialized match list rather than a live disk cursor, so Pause only
// delays delivery of already-computed matches; it does not hold locks
// open against concurrent writers the way a literally streaming cursor
// would.
type VisitToken struct {
	mu      sync.Mutex
	cond    *sync.Cond
	paused  bool
	stopped bool
}

func newVisitToken() *VisitToken {
	t := &VisitToken{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Pause suspends delivery of further matches until Resume is called.
func (t *VisitToken) Pause() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
}

// Resume continues delivery after a Pause.
func (t *VisitToken) Resume() {
	t.mu.Lock()
	t.paused = false
	t.mu.Unlock()
	t.cond.Broadcast()
}

// Stop ends the visit loop before its next document.
func (t *VisitToken) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.paused = false
	t.mu.Unlock()
	t.cond.Broadcast()
}

// waitIfPaused blocks while the token is paused, returning false if the
// visit has been stopped and should not proceed to the next document.
func (t *VisitToken) waitIfPaused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.paused && !t.stopped {
		t.cond.Wait()
	}
	return !t.stopped
}

// VisitFunc is called once per matched document; returning false stops
// the visit early, equivalent to calling Stop on the token.
type VisitFunc func(token *VisitToken, m query.Match) bool

// VisitQuery executes q and streams its matches to visit one at a time,
// honoring Pause/Resume/Stop on the token passed to visit. It blocks the
// calling goroutine for the duration of the visit and returns the token
// only after the visit has ended, so another goroutine controls the visit
// through the token the callback hands it.
func (c *Collection) VisitQuery(q *query.Query, visit VisitFunc) (*VisitToken, error) {
	matches, err := c.Execute(q)
	if err != nil {
		return nil, err
	}
	token := newVisitToken()
	for _, m := range matches {
		if !token.waitIfPaused() {
			break
		}
		if !visit(token, m) {
			break
		}
	}
	return token, nil
}
