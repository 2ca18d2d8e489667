package pkgsvc

import (
	"log/slog"

	"github.com/guestops/guest-pkgd/internal/logging"
)

var log = logging.L("pkgsvc")

// transactionHooks is implemented by each concrete transaction. The base
// transaction drives the lifecycle and calls back through this interface, so
// a concrete type only overrides the hooks it cares about; the rest fall
// through to the base defaults below.
type transactionHooks interface {
	mask() EventMask
	executeRequest(s Session) bool

	errorReceived(code, detail string)
	finishedReceived(exit string)
	packageReceived(p PackageEvent)
	detailsReceived(d PackageDetails)
	propertyChanged(p PropertyChange)
	generalError(detail string)
}

// transaction is one stateful exchange with the remote service: create a
// session, set hints, subscribe to the hook mask in fixed order, issue the
// request, dispatch events, terminate exactly once.
//
// Every method runs on the worker queue. Once start returns true the
// transaction owns itself: it terminates on a Finished event or a general
// error, and no external reference may outlive it.
type transaction struct {
	hooks     transactionHooks
	transport Transport
	reg       *registry
	hints     []string
	log       *slog.Logger

	session    Session
	pending    []EventKind
	failed     bool
	terminated bool

	// onTerminate runs exactly once when the transaction ends, whichever
	// path ends it. The orchestrator uses it to release the install guard
	// and to reschedule refresh cycles.
	onTerminate func()
}

func (t *transaction) init(h transactionHooks, o *Orchestrator, name string) {
	t.hooks = h
	t.transport = o.transport
	t.reg = &o.reg
	t.hints = o.opts.Hints
	t.log = log.With("transaction", name)
}

// start creates the session and begins the subscription chain. It returns
// false only when the session could not be created; any later failure is
// reported through the generalError hook and self-termination.
func (t *transaction) start() bool {
	s, err := t.transport.CreateSession()
	if err != nil {
		t.log.Error("create session failed", logging.KeyError, err)
		t.fail("create session: " + err.Error())
		return false
	}
	t.session = s

	// Hints are best-effort: a failure is logged, never fatal.
	if err := t.transport.SetHints(s, t.hints); err != nil {
		t.log.Warn("set hints failed", logging.KeyError, err)
	}

	t.reg.add(t)

	t.pending = t.hooks.mask().kinds()
	t.subscribeNext()
	return true
}

// subscribeNext establishes the next pending subscription, or issues the
// request once every subscription has confirmed.
func (t *transaction) subscribeNext() {
	if t.terminated {
		return
	}

	if len(t.pending) == 0 {
		if !t.hooks.executeRequest(t.session) {
			t.fail("request rejected by transport")
		}
		return
	}

	kind := t.pending[0]
	t.pending = t.pending[1:]

	t.transport.Subscribe(t.session, kind, t.dispatch, func(ok bool) {
		if t.terminated {
			return
		}
		if !ok {
			t.fail("subscribe " + kind.String() + " failed")
			return
		}
		t.subscribeNext()
	})
}

// dispatch routes one decoded event to the hooks. Finished is always the
// last event observed and unconditionally ends the transaction afterwards.
func (t *transaction) dispatch(ev Event) {
	if t.terminated {
		return
	}

	switch ev.Kind {
	case EventError:
		t.hooks.errorReceived(ev.Code, ev.Detail)
	case EventFinished:
		t.hooks.finishedReceived(ev.Exit)
		t.terminate()
	case EventPackage:
		t.hooks.packageReceived(ev.Package)
	case EventDetails:
		t.hooks.detailsReceived(ev.Details)
	case EventProperty:
		t.hooks.propertyChanged(ev.Property)
	}
}

// fail handles a transport-level failure (session, subscription, request, or
// service liveness). The generalError hook fires at most once and the
// transaction terminates immediately.
func (t *transaction) fail(detail string) {
	if t.terminated || t.failed {
		return
	}
	t.failed = true
	t.hooks.generalError(detail)
	t.terminate()
}

// terminate ends the transaction exactly once: deregisters it, releases the
// session, and runs the onTerminate callback. After this no hook runs again.
func (t *transaction) terminate() {
	if t.terminated {
		return
	}
	t.terminated = true

	t.reg.remove(t)

	if t.session != nil {
		t.transport.CloseSession(t.session)
		t.session = nil
	}

	if t.onTerminate != nil {
		cb := t.onTerminate
		t.onTerminate = nil
		cb()
	}
}

// Default hooks. Concrete transactions override the ones they need.

func (t *transaction) errorReceived(code, detail string) {
	t.log.Warn("service reported error", "code", code, "detail", detail)
}

func (t *transaction) finishedReceived(exit string) {
	t.log.Info("transaction finished", "exit", exit)
}

func (t *transaction) packageReceived(PackageEvent) {}

func (t *transaction) detailsReceived(PackageDetails) {}

func (t *transaction) propertyChanged(PropertyChange) {}

func (t *transaction) generalError(detail string) {
	t.log.Error("transaction failed", "detail", detail)
}

// registry tracks live transactions so service-liveness failures can reach
// them. Mutated only on the worker queue.
type registry struct {
	members map[*transaction]struct{}
}

func (r *registry) add(t *transaction) {
	if r.members == nil {
		r.members = make(map[*transaction]struct{})
	}
	r.members[t] = struct{}{}
}

func (r *registry) remove(t *transaction) {
	delete(r.members, t)
}

// failAll delivers a general error to every live transaction. Iterates over
// a snapshot because fail removes members as it goes.
func (r *registry) failAll(detail string) {
	snapshot := make([]*transaction, 0, len(r.members))
	for t := range r.members {
		snapshot = append(snapshot, t)
	}
	for _, t := range snapshot {
		t.fail(detail)
	}
}
