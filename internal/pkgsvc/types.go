package pkgsvc

import "errors"

// LinuxPackageInfo is the metadata returned for a locally staged package
// file. A fresh instance is allocated per query and shared between the
// caller and the query transaction until the result fires; it must never be
// pooled or reused across calls.
type LinuxPackageInfo struct {
	PackageID   string `yaml:"package_id"`
	License     string `yaml:"license"`
	Description string `yaml:"description"`
	ProjectURL  string `yaml:"project_url"`
	Size        uint64 `yaml:"size"`
	Summary     string `yaml:"summary"`
}

// InstallPhase is the stage an install is currently in.
type InstallPhase int

const (
	PhaseDownloading InstallPhase = iota
	PhaseInstalling
)

func (p InstallPhase) String() string {
	switch p {
	case PhaseDownloading:
		return "downloading"
	case PhaseInstalling:
		return "installing"
	default:
		return "unknown"
	}
}

// Observer receives install progress and the final completion exactly once.
// Callbacks run on the worker queue; implementations must not block.
type Observer interface {
	OnInstallProgress(phase InstallPhase, percent int)
	OnInstallCompletion(ok bool, detail string)
}

// InstallStatus is the immediate acceptance verdict of InstallLinuxPackage.
type InstallStatus int

const (
	InstallStarted InstallStatus = iota
	InstallAlreadyActive
	InstallFailed
)

func (s InstallStatus) String() string {
	switch s {
	case InstallStarted:
		return "started"
	case InstallAlreadyActive:
		return "already-active"
	case InstallFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrTimeout is returned by GetLinuxPackageInfo when the bounded wait
// expires. The underlying transaction is abandoned, not cancelled; it runs
// to completion on the worker.
var ErrTimeout = errors.New("Timeout")

// ErrInstallActive is returned when an install is requested while another
// install transaction is still alive.
var ErrInstallActive = errors.New("another install is already active")
