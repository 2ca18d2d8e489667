package pkgsvc

// refreshCache refreshes the remote repository metadata. On success it
// spawns a getUpdates transaction; on failure or general error it does
// nothing further. Rescheduling of the next cycle is owned by the
// orchestrator through onTerminate, so every outcome reschedules.
type refreshCache struct {
	transaction

	o *Orchestrator
}

func newRefreshCache(o *Orchestrator) *refreshCache {
	t := &refreshCache{o: o}
	t.init(t, o, "refresh-cache")
	return t
}

func (t *refreshCache) mask() EventMask {
	return MaskError | MaskFinished
}

func (t *refreshCache) executeRequest(s Session) bool {
	// Non-destructive refresh: cached metadata stays valid if the fetch
	// fails partway.
	return t.transport.Invoke(s, opRefreshCache, Args{"force": false})
}

func (t *refreshCache) finishedReceived(exit string) {
	if exit != ExitSuccess {
		t.log.Warn("cache refresh failed", "exit", exit)
		return
	}
	t.log.Info("cache refresh complete, checking for updates")
	t.o.spawnGetUpdates()
}
