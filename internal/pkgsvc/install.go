package pkgsvc

// installFiles installs a locally staged package file, streaming progress to
// the caller's Observer. At most one installFiles transaction is alive
// process-wide; the orchestrator's guard enforces that and is released via
// onTerminate when this transaction ends.
type installFiles struct {
	transaction

	path string
	obs  Observer

	// status tracks the most recent status property so percentage updates
	// can be mapped to an install phase.
	status string
}

func newInstallFiles(o *Orchestrator, path string, obs Observer) *installFiles {
	t := &installFiles{path: path, obs: obs}
	t.init(t, o, "install-files")
	return t
}

func (t *installFiles) mask() EventMask {
	return MaskError | MaskFinished | MaskProperty
}

func (t *installFiles) executeRequest(s Session) bool {
	// Locally staged files carry no repository signature; trust checks are
	// overridden for them.
	return t.transport.Invoke(s, opInstallFile, Args{
		"path":            t.path,
		"allow-untrusted": true,
	})
}

// propertyChanged forwards progress. Only the percentage property is
// reported, gated by the concurrently observed status property: phases other
// than downloading/installing are dropped, and the unknown-progress sentinel
// normalizes to zero.
func (t *installFiles) propertyChanged(p PropertyChange) {
	switch p.Name {
	case PropStatus:
		if s, ok := p.Value.(string); ok {
			t.status = s
		}
	case PropPercentage:
		pct, ok := asPercent(p.Value)
		if !ok {
			return
		}

		var phase InstallPhase
		switch t.status {
		case StatusDownloading:
			phase = PhaseDownloading
		case StatusInstalling:
			phase = PhaseInstalling
		default:
			return
		}

		if pct == PercentUnknown {
			pct = 0
		}
		if t.obs != nil {
			t.obs.OnInstallProgress(phase, pct)
		}
	}
}

// errorReceived is fatal for installs as far as the observer is concerned:
// it reports failure immediately and drops the observer so the trailing
// Finished event cannot notify a second time.
func (t *installFiles) errorReceived(code, detail string) {
	t.log.Warn("install error", "code", code, "detail", detail)
	t.notify(false, detail)
}

func (t *installFiles) finishedReceived(exit string) {
	t.log.Info("install finished", "exit", exit)
	t.notify(exit == ExitSuccess, "exit: "+exit)
}

func (t *installFiles) generalError(detail string) {
	t.log.Error("install failed", "detail", detail)
	t.notify(false, detail)
}

// notify reports completion at most once.
func (t *installFiles) notify(ok bool, detail string) {
	if t.obs == nil {
		return
	}
	obs := t.obs
	t.obs = nil
	obs.OnInstallCompletion(ok, detail)
}

// asPercent extracts a percentage value. Fakes hand in Go ints; transports
// decoding JSON deliver float64.
func asPercent(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint32:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
