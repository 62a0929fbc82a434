package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/chatbridge/pkg/bridge"
	"github.com/codeGROOVE-dev/chatbridge/pkg/session"
)

// fakeInstance is an in-memory Instance driven by the test.
type fakeInstance struct {
	events     chan bridge.Event
	initGate   chan struct{} // Initialize blocks until closed, if set
	initErr    error
	destroyErr error
	prior      *session.Session
	onStatus   func() // runs at the start of Status, if set

	mu        sync.Mutex
	status    string
	statusErr error
	destroyed bool
	sent      []string
}

func newFakeInstance(prior *session.Session) *fakeInstance {
	return &fakeInstance{
		events: make(chan bridge.Event, 16),
		prior:  prior,
		status: bridge.StatusConnected,
	}
}

func (f *fakeInstance) Initialize(ctx context.Context) error {
	if f.initGate != nil {
		select {
		case <-f.initGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.initErr
}

func (f *fakeInstance) Destroy(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.destroyed {
		f.destroyed = true
		close(f.events)
	}
	return f.destroyErr
}

func (f *fakeInstance) Status(context.Context) (string, error) {
	if f.onStatus != nil {
		f.onStatus()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeInstance) SendMessage(_ context.Context, to, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to+":"+text)
	return "id-" + to, nil
}

func (*fakeInstance) Quoted(_ context.Context, id string) (bridge.Quoted, error) {
	return bridge.Quoted{ID: "q-" + id, Text: "quoted"}, nil
}

func (f *fakeInstance) Events() <-chan bridge.Event {
	return f.events
}

func (f *fakeInstance) emit(types ...bridge.EventType) {
	for _, typ := range types {
		f.send(bridge.Event{Type: typ})
	}
}

func (f *fakeInstance) send(ev bridge.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return
	}
	f.events <- ev
}

func (f *fakeInstance) setStatus(status string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.statusErr = status, err
}

func (f *fakeInstance) isDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// fakeFactory records every instance it builds.
type fakeFactory struct {
	mu        sync.Mutex
	instances []*fakeInstance
	err       error
	initErr   error
	initGate  chan struct{}
	calls     atomic.Int32
}

func (ff *fakeFactory) build(_ context.Context, prior *session.Session) (Instance, error) {
	ff.calls.Add(1)
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.err != nil {
		return nil, ff.err
	}
	inst := newFakeInstance(prior)
	inst.initErr = ff.initErr
	inst.initGate = ff.initGate
	ff.instances = append(ff.instances, inst)
	return inst, nil
}

func (ff *fakeFactory) last(t *testing.T) *fakeInstance {
	t.Helper()
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.instances) == 0 {
		t.Fatal("no instance built")
	}
	return ff.instances[len(ff.instances)-1]
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.instances)
}

var errInit = errors.New("browser failed to launch")

// recorder collects routed messages.
type recorder struct {
	mu   sync.Mutex
	msgs []*bridge.Message
}

func (r *recorder) HandleMessage(_ context.Context, msg *bridge.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
