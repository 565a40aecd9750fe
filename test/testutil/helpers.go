// Package testutil holds helpers shared by the package tests.
package testutil

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/cloudfab/nodeagent/pkg/events"
)

// NewTestLogger creates a logger that writes to the test log.
func NewTestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// WaitFor polls cond until it returns true or the timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// RecordingPoster captures dispatched events for assertions instead of
// delivering them.
type RecordingPoster struct {
	mu     sync.Mutex
	events []events.Event
}

// Dispatch records the event.
func (p *RecordingPoster) Dispatch(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

// Events returns a copy of everything recorded so far.
func (p *RecordingPoster) Events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Event, len(p.events))
	copy(out, p.events)
	return out
}

// Reset clears the recording.
func (p *RecordingPoster) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}
