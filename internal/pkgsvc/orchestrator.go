package pkgsvc

import (
	"errors"
	"time"

	"github.com/guestops/guest-pkgd/internal/config"
	"github.com/guestops/guest-pkgd/internal/serialqueue"
)

// Options tunes the orchestrator. Zero values fall back to the defaults
// below; Hints defaults to the host-derived hint set.
type Options struct {
	Hints         []string
	QueryTimeout  time.Duration
	RefreshPeriod time.Duration
	StartupDelay  time.Duration
	PolicyPath    string
}

const (
	defaultQueryTimeout  = 5 * time.Second
	defaultRefreshPeriod = 24 * time.Hour
	defaultStartupDelay  = 60 * time.Second
)

// Orchestrator is the public face of the package-service client. It owns the
// worker queue all transactions run on, the process-wide install guard, and
// the periodic refresh/auto-update scheduler.
type Orchestrator struct {
	transport Transport
	queue     *serialqueue.Queue
	opts      Options

	// Worker-confined state. Touched only from tasks on the queue.
	reg           registry
	installActive bool

	// schedule posts a task to the worker after a delay. Overridable so
	// tests can observe reschedules without real timers.
	schedule func(delay time.Duration, task func())
}

// New creates an orchestrator bound to the given transport and worker queue.
func New(t Transport, q *serialqueue.Queue, opts Options) *Orchestrator {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	if opts.RefreshPeriod <= 0 {
		opts.RefreshPeriod = defaultRefreshPeriod
	}
	if opts.StartupDelay <= 0 {
		opts.StartupDelay = defaultStartupDelay
	}
	if opts.Hints == nil {
		opts.Hints = defaultHints()
	}

	o := &Orchestrator{
		transport: t,
		queue:     q,
		opts:      opts,
	}
	o.schedule = func(delay time.Duration, task func()) {
		q.PostDelayed(delay, task)
	}
	return o
}

// Start schedules the first refresh cycle after the startup delay.
func (o *Orchestrator) Start() {
	log.Info("scheduling first refresh", "delay", o.opts.StartupDelay)
	o.schedule(o.opts.StartupDelay, o.runRefreshCycle)
}

// GetLinuxPackageInfo queries metadata for a locally staged package file. It
// blocks the caller until the query resolves or the bounded timeout expires.
// On timeout the transaction is abandoned, not cancelled: it runs to
// completion on the worker while the caller gets ErrTimeout. The output
// struct is freshly allocated per call and shared only with that
// transaction, which is what makes abandonment safe.
func (o *Orchestrator) GetLinuxPackageInfo(path string) (LinuxPackageInfo, error) {
	info := &LinuxPackageInfo{}
	done := make(chan queryResult, 1)

	posted := o.queue.Post(func() {
		q := newDetailsQuery(o, path, info, done)
		q.start()
	})
	if !posted {
		return LinuxPackageInfo{}, errors.New("worker queue unavailable")
	}

	select {
	case r := <-done:
		if !r.ok {
			return LinuxPackageInfo{}, errors.New(r.detail)
		}
		return *info, nil
	case <-time.After(o.opts.QueryTimeout):
		return LinuxPackageInfo{}, ErrTimeout
	}
}

// InstallLinuxPackage starts installing a locally staged package file.
// It blocks only until the worker accepts or rejects the request; progress
// and completion are reported asynchronously through obs. At most one
// install transaction is alive process-wide.
func (o *Orchestrator) InstallLinuxPackage(path string, obs Observer) (InstallStatus, error) {
	type verdict struct {
		status InstallStatus
		err    error
	}
	accepted := make(chan verdict, 1)

	posted := o.queue.Post(func() {
		if o.installActive {
			accepted <- verdict{InstallAlreadyActive, ErrInstallActive}
			return
		}

		t := newInstallFiles(o, path, obs)
		o.installActive = true
		t.onTerminate = func() { o.installActive = false }

		if !t.start() {
			// The failed start already terminated the transaction and
			// released the guard.
			accepted <- verdict{InstallFailed, errors.New("could not create session")}
			return
		}
		accepted <- verdict{InstallStarted, nil}
	})
	if !posted {
		return InstallFailed, errors.New("worker queue unavailable")
	}

	v := <-accepted
	return v.status, v.err
}

// runRefreshCycle is one fire of the periodic auto-update pipeline. It
// always schedules the next cycle after the fixed period, whether this one
// was skipped, succeeded, or failed.
func (o *Orchestrator) runRefreshCycle() {
	policy := config.ReadUpdatePolicy(o.opts.PolicyPath)
	if policy.AllDisabled() {
		log.Info("automatic updates disabled, skipping refresh")
		o.scheduleNextRefresh()
		return
	}

	t := newRefreshCache(o)
	t.onTerminate = o.scheduleNextRefresh
	t.start()
}

func (o *Orchestrator) scheduleNextRefresh() {
	o.schedule(o.opts.RefreshPeriod, o.runRefreshCycle)
}

// spawnGetUpdates runs after a successful refresh. Policy is re-read so flag
// changes take effect without waiting a full period.
func (o *Orchestrator) spawnGetUpdates() {
	policy := config.ReadUpdatePolicy(o.opts.PolicyPath)
	t := newGetUpdates(o, policy)
	t.start()
}

func (o *Orchestrator) spawnUpdatePackages(ids []string) {
	t := newUpdatePackages(o, ids)
	t.start()
}

// ServiceAvailable implements LivenessHandler. Losing the service is fatal
// to every live transaction.
func (o *Orchestrator) ServiceAvailable(ok bool) {
	if ok {
		return
	}
	o.queue.Post(func() {
		o.reg.failAll("service became unavailable")
	})
}

// ServiceOwnerChanged implements LivenessHandler. Any owner change
// invalidates existing sessions; an empty new owner means the service died.
func (o *Orchestrator) ServiceOwnerChanged(oldOwner, newOwner string) {
	detail := "service owner changed"
	if newOwner == "" {
		detail = "service died"
	}
	o.queue.Post(func() {
		o.reg.failAll(detail)
	})
}
