package pkgsvc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/guestops/guest-pkgd/internal/serialqueue"
)

// fakeSession is the opaque handle the fake transport hands out.
type fakeSession struct {
	id int
}

type invocation struct {
	session *fakeSession
	op      string
	args    Args
}

// fakeTransport records every call in order and, by default, confirms
// subscriptions synchronously. All calls happen on the worker queue, so no
// locking is needed; tests read state only after flushing the queue.
type fakeTransport struct {
	timeline []string // "create", "hints", "subscribe:<kind>", "confirm:<kind>", "invoke:<op>", "close"

	createErr error
	sessions  []*fakeSession
	hints     [][]string
	subs      map[*fakeSession]map[EventKind]func(Event)
	invokes   []invocation
	closed    []*fakeSession

	rejectInvoke  bool
	silent        bool // park confirms in pendingConfirms instead of firing
	failSubscribe map[EventKind]bool

	pendingConfirms []func(ok bool)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		subs:          make(map[*fakeSession]map[EventKind]func(Event)),
		failSubscribe: make(map[EventKind]bool),
	}
}

func (f *fakeTransport) CreateSession() (Session, error) {
	f.timeline = append(f.timeline, "create")
	if f.createErr != nil {
		return nil, f.createErr
	}
	s := &fakeSession{id: len(f.sessions)}
	f.sessions = append(f.sessions, s)
	f.subs[s] = make(map[EventKind]func(Event))
	return s, nil
}

func (f *fakeTransport) SetHints(s Session, hints []string) error {
	f.timeline = append(f.timeline, "hints")
	f.hints = append(f.hints, hints)
	return nil
}

func (f *fakeTransport) Subscribe(s Session, kind EventKind, deliver func(Event), confirm func(ok bool)) {
	f.timeline = append(f.timeline, "subscribe:"+kind.String())
	f.subs[s.(*fakeSession)][kind] = deliver

	if f.silent {
		f.pendingConfirms = append(f.pendingConfirms, confirm)
		return
	}
	if f.failSubscribe[kind] {
		f.timeline = append(f.timeline, "confirm-fail:"+kind.String())
		confirm(false)
		return
	}
	f.timeline = append(f.timeline, "confirm:"+kind.String())
	confirm(true)
}

func (f *fakeTransport) Invoke(s Session, op string, args Args) bool {
	f.timeline = append(f.timeline, "invoke:"+op)
	f.invokes = append(f.invokes, invocation{session: s.(*fakeSession), op: op, args: args})
	return !f.rejectInvoke
}

func (f *fakeTransport) CloseSession(s Session) {
	f.timeline = append(f.timeline, "close")
	f.closed = append(f.closed, s.(*fakeSession))
	// Subscriptions are deliberately kept so tests can prove that events
	// arriving after termination are ignored by the transaction itself.
}

// deliver invokes the recorded subscription callback for the event's kind.
// Must run on the worker queue, like a real transport would.
func (f *fakeTransport) deliver(s *fakeSession, ev Event) {
	if cb, ok := f.subs[s][ev.Kind]; ok {
		cb(ev)
	}
}

// confirmAll fires parked confirms, including ones queued by the
// subscriptions those confirms trigger. Must run on the worker queue.
func (f *fakeTransport) confirmAll() {
	for len(f.pendingConfirms) > 0 {
		cb := f.pendingConfirms[0]
		f.pendingConfirms = f.pendingConfirms[1:]
		cb(true)
	}
}

func (f *fakeTransport) createCount() int {
	n := 0
	for _, entry := range f.timeline {
		if entry == "create" {
			n++
		}
	}
	return n
}

// testObserver records install callbacks.
type testObserver struct {
	progress    []string // "<phase>:<percent>"
	completions []string // "ok:<detail>" or "failed:<detail>"
}

func (o *testObserver) OnInstallProgress(phase InstallPhase, percent int) {
	o.progress = append(o.progress, fmt.Sprintf("%s:%d", phase, percent))
}

func (o *testObserver) OnInstallCompletion(ok bool, detail string) {
	verdict := "failed"
	if ok {
		verdict = "ok"
	}
	o.completions = append(o.completions, verdict+":"+detail)
}

// newTestOrchestrator wires an orchestrator to a fresh worker queue that is
// drained on test cleanup.
func newTestOrchestrator(t *testing.T, tr Transport, opts Options) (*Orchestrator, *serialqueue.Queue) {
	t.Helper()
	q := serialqueue.New(64)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q.Shutdown(ctx)
	})
	return New(tr, q, opts), q
}

// post submits a task to the worker or fails the test.
func post(t *testing.T, q *serialqueue.Queue, task func()) {
	t.Helper()
	if !q.Post(task) {
		t.Fatal("worker queue rejected task")
	}
}

// flush waits until every task posted so far has run.
func flush(t *testing.T, q *serialqueue.Queue) {
	t.Helper()
	done := make(chan struct{})
	post(t, q, func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker queue did not drain")
	}
}

// waitForSession blocks until the fake transport has allocated at least n
// sessions and returns the n-th one. Needed when the caller-side wrapper
// posts its transaction from another goroutine.
func waitForSession(t *testing.T, q *serialqueue.Queue, ft *fakeTransport, n int) *fakeSession {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var s *fakeSession
		done := make(chan struct{})
		post(t, q, func() {
			if len(ft.sessions) >= n {
				s = ft.sessions[n-1]
			}
			close(done)
		})
		<-done
		if s != nil {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("transport never saw session %d", n)
		}
		time.Sleep(time.Millisecond)
	}
}

var errNoService = errors.New("service unreachable")
