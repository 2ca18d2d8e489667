package wstransport

import "github.com/guestops/guest-pkgd/internal/pkgsvc"

// envelope is the JSON frame exchanged with the server. Requests carry a
// ReqID; the matching response echoes it. Unsolicited frames are events and
// liveness notifications.
type envelope struct {
	Type    string      `json:"type"`
	ReqID   string      `json:"reqId,omitempty"`
	Session string      `json:"session,omitempty"`
	Kind    string      `json:"kind,omitempty"`
	Op      string      `json:"op,omitempty"`
	Args    pkgsvc.Args `json:"args,omitempty"`
	Hints   []string    `json:"hints,omitempty"`

	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`

	Event *wireEvent `json:"event,omitempty"`

	OldOwner string `json:"oldOwner,omitempty"`
	NewOwner string `json:"newOwner,omitempty"`
}

// wireEvent is the transport encoding of pkgsvc.Event.
type wireEvent struct {
	Kind string `json:"kind"`

	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`

	Exit string `json:"exit,omitempty"`

	Package *wirePackage  `json:"package,omitempty"`
	Details *wireDetails  `json:"details,omitempty"`
	Prop    *wireProperty `json:"property,omitempty"`
}

type wirePackage struct {
	Info    string `json:"info,omitempty"`
	ID      string `json:"id"`
	Summary string `json:"summary,omitempty"`
}

type wireDetails struct {
	ID          string `json:"id"`
	License     string `json:"license,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Size        uint64 `json:"size,omitempty"`
	Summary     string `json:"summary,omitempty"`
}

type wireProperty struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

var kindByName = map[string]pkgsvc.EventKind{
	pkgsvc.EventError.String():    pkgsvc.EventError,
	pkgsvc.EventFinished.String(): pkgsvc.EventFinished,
	pkgsvc.EventPackage.String():  pkgsvc.EventPackage,
	pkgsvc.EventDetails.String():  pkgsvc.EventDetails,
	pkgsvc.EventProperty.String(): pkgsvc.EventProperty,
}

// decode translates the wire form into the core event type.
func (w *wireEvent) decode() (pkgsvc.Event, bool) {
	kind, ok := kindByName[w.Kind]
	if !ok {
		return pkgsvc.Event{}, false
	}

	ev := pkgsvc.Event{Kind: kind}
	switch kind {
	case pkgsvc.EventError:
		ev.Code = w.Code
		ev.Detail = w.Detail
	case pkgsvc.EventFinished:
		ev.Exit = w.Exit
	case pkgsvc.EventPackage:
		if w.Package != nil {
			ev.Package = pkgsvc.PackageEvent{Info: w.Package.Info, ID: w.Package.ID, Summary: w.Package.Summary}
		}
	case pkgsvc.EventDetails:
		if w.Details != nil {
			ev.Details = pkgsvc.PackageDetails{
				ID:          w.Details.ID,
				License:     w.Details.License,
				Description: w.Details.Description,
				URL:         w.Details.URL,
				Size:        w.Details.Size,
				Summary:     w.Details.Summary,
			}
		}
	case pkgsvc.EventProperty:
		if w.Prop != nil {
			ev.Property = pkgsvc.PropertyChange{Name: w.Prop.Name, Value: w.Prop.Value}
		}
	}
	return ev, true
}
