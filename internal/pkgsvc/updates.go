package pkgsvc

import (
	"strings"

	"github.com/guestops/guest-pkgd/internal/config"
)

// ManagedRepoID is the repository tag marking first-party packages that are
// eligible for fully automatic update.
const ManagedRepoID = "managed"

// ClassificationSecurity is the package-event classification for security
// updates.
const ClassificationSecurity = "security"

// packageIDRepo extracts the repository component of a package id of the
// form "name;version;arch;repo".
func packageIDRepo(id string) string {
	fields := strings.Split(id, ";")
	if len(fields) < 4 {
		return ""
	}
	return fields[3]
}

// isManagedPackage reports whether the id carries the first-party repository
// marker, including sub-repositories such as "managed:stable".
func isManagedPackage(id string) bool {
	repo := packageIDRepo(id)
	return repo == ManagedRepoID || strings.HasPrefix(repo, ManagedRepoID+":")
}

// getUpdates lists installed packages with pending updates and accumulates
// the ids that policy allows updating automatically. On success with a
// non-empty queue it spawns one updatePackages transaction carrying the full
// list; it never reschedules anything itself.
type getUpdates struct {
	transaction

	o      *Orchestrator
	policy config.UpdatePolicy
	ids    []string
}

func newGetUpdates(o *Orchestrator, policy config.UpdatePolicy) *getUpdates {
	t := &getUpdates{o: o, policy: policy}
	t.init(t, o, "get-updates")
	return t
}

func (t *getUpdates) mask() EventMask {
	return MaskError | MaskFinished | MaskPackage
}

func (t *getUpdates) executeRequest(s Session) bool {
	return t.transport.Invoke(s, opGetUpdates, Args{"filter": "installed"})
}

func (t *getUpdates) packageReceived(p PackageEvent) {
	if !t.policy.DisableManagedUpdates && isManagedPackage(p.ID) {
		t.ids = append(t.ids, p.ID)
		return
	}
	if !t.policy.DisableSecurityUpdates && p.Info == ClassificationSecurity {
		t.ids = append(t.ids, p.ID)
	}
}

func (t *getUpdates) finishedReceived(exit string) {
	if exit != ExitSuccess {
		t.log.Warn("update check failed", "exit", exit)
		return
	}
	if len(t.ids) == 0 {
		t.log.Info("no automatic updates pending")
		return
	}
	t.log.Info("applying automatic updates", "count", len(t.ids))
	t.o.spawnUpdatePackages(t.ids)
}

// updatePackages applies an update restricted to exactly the supplied ids.
// It logs the outcome and does not chain further.
type updatePackages struct {
	transaction

	ids []string
}

func newUpdatePackages(o *Orchestrator, ids []string) *updatePackages {
	t := &updatePackages{ids: ids}
	t.init(t, o, "update-packages")
	return t
}

func (t *updatePackages) mask() EventMask {
	return MaskError | MaskFinished
}

func (t *updatePackages) executeRequest(s Session) bool {
	return t.transport.Invoke(s, opUpdatePackages, Args{"ids": t.ids})
}

func (t *updatePackages) finishedReceived(exit string) {
	if exit == ExitSuccess {
		t.log.Info("automatic updates applied", "count", len(t.ids))
	} else {
		t.log.Warn("automatic update run failed", "exit", exit)
	}
}
