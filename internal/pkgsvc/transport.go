// Package pkgsvc drives a remote package-management service over an
// asynchronous, session-oriented RPC/event transport. Every transaction with
// the service — metadata queries, installs, cache refreshes, update runs —
// goes through the same lifecycle: create a session, negotiate hints,
// subscribe to the events the transaction cares about, issue the request,
// dispatch events, terminate exactly once.
//
// All transaction logic runs on a single serialqueue.Queue, so transaction
// state never needs locking. Public entry points on the Orchestrator bridge
// caller goroutines onto that queue.
package pkgsvc

// Session is an opaque handle to a server-side transaction. The transport
// allocates it and receives it back on every call scoped to the session.
type Session any

// EventKind identifies one kind of event a session can deliver.
type EventKind uint8

const (
	EventError EventKind = iota
	EventFinished
	EventPackage
	EventDetails
	EventProperty
)

func (k EventKind) String() string {
	switch k {
	case EventError:
		return "error"
	case EventFinished:
		return "finished"
	case EventPackage:
		return "package"
	case EventDetails:
		return "details"
	case EventProperty:
		return "property-changed"
	default:
		return "unknown"
	}
}

// EventMask is the set of event kinds a transaction subscribes to.
type EventMask uint8

const (
	MaskError EventMask = 1 << iota
	MaskFinished
	MaskPackage
	MaskDetails
	MaskProperty
)

// subscribeOrder fixes the order subscriptions are established in. The
// request is only issued once the last subscription in this order confirms.
var subscribeOrder = [...]EventKind{EventError, EventFinished, EventPackage, EventDetails, EventProperty}

func (m EventMask) has(k EventKind) bool {
	return m&(1<<EventMask(k)) != 0
}

// kinds returns the kinds present in the mask, in subscription order.
func (m EventMask) kinds() []EventKind {
	out := make([]EventKind, 0, len(subscribeOrder))
	for _, k := range subscribeOrder {
		if m.has(k) {
			out = append(out, k)
		}
	}
	return out
}

// Exit codes carried by Finished events.
const (
	ExitSuccess   = "success"
	ExitFailed    = "failed"
	ExitCancelled = "cancelled"
)

// Property names carried by PropertyChanged events.
const (
	PropStatus     = "status"
	PropPercentage = "percentage"
)

// Status property values relevant to install progress.
const (
	StatusDownloading = "downloading"
	StatusInstalling  = "installing"
)

// PercentUnknown is the sentinel percentage the service reports when it
// cannot estimate progress.
const PercentUnknown = 101

// PackageEvent announces one package matched by a query. Info carries the
// service's classification of the package ("installed", "security", ...).
type PackageEvent struct {
	Info    string
	ID      string
	Summary string
}

// PackageDetails carries the metadata block for one package.
type PackageDetails struct {
	ID          string
	License     string
	Description string
	URL         string
	Size        uint64
	Summary     string
}

// PropertyChange reports a changed session property. Value is either a
// string (status) or a number (percentage); transports decoding JSON will
// deliver numbers as float64.
type PropertyChange struct {
	Name  string
	Value any
}

// Event is the tagged union delivered to a transaction's dispatch hooks.
// Only the fields for the given Kind are populated.
type Event struct {
	Kind EventKind

	// EventError
	Code   string
	Detail string

	// EventFinished
	Exit string

	Package  PackageEvent
	Details  PackageDetails
	Property PropertyChange
}

// Args carries request arguments to Transport.Invoke.
type Args map[string]any

// Transport is the session-oriented RPC/event channel to the remote
// package-management service. Implementations must run every deliver and
// confirm callback on the same serialized queue the transactions run on.
type Transport interface {
	// CreateSession allocates a server-side transaction handle.
	CreateSession() (Session, error)

	// SetHints passes negotiation hints for the session. Failures are
	// non-fatal to callers; they log and continue.
	SetHints(s Session, hints []string) error

	// Subscribe requests delivery of one event kind. confirm is invoked
	// asynchronously with the outcome; deliver is invoked for each event of
	// the kind observed after a successful confirm.
	Subscribe(s Session, kind EventKind, deliver func(Event), confirm func(ok bool))

	// Invoke issues the session's operation. The return value reports
	// whether the request was accepted; results arrive as events.
	Invoke(s Session, op string, args Args) bool

	// CloseSession releases the session and its subscriptions.
	CloseSession(s Session)
}

// LivenessHandler receives service availability notifications. The
// Orchestrator implements it; transports call it from any goroutine.
type LivenessHandler interface {
	ServiceAvailable(ok bool)
	ServiceOwnerChanged(oldOwner, newOwner string)
}

// Operations understood by the remote service.
const (
	opQueryDetails   = "query-details"
	opInstallFile    = "install-file"
	opRefreshCache   = "refresh-cache"
	opGetUpdates     = "get-updates"
	opUpdatePackages = "update-packages"
)
