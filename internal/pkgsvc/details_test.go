package pkgsvc

import (
	"errors"
	"testing"
	"time"
)

func TestQueryDetailsThenFinishedReturnsInfo(t *testing.T) {
	ft := newFakeTransport()
	o, q := newTestOrchestrator(t, ft, Options{})

	type result struct {
		info LinuxPackageInfo
		err  error
	}
	got := make(chan result, 1)
	go func() {
		info, err := o.GetLinuxPackageInfo("/tmp/pkg.deb")
		got <- result{info, err}
	}()

	// Wait for the transaction to reach the dispatch phase, then feed it.
	s := waitForSession(t, q, ft, 1)
	post(t, q, func() {
		ft.deliver(s, Event{Kind: EventDetails, Details: PackageDetails{
			ID:          "vim;9.0;amd64;repo",
			License:     "Vim",
			Description: "a text editor",
			URL:         "https://www.vim.org",
			Size:        123456,
			Summary:     "Vi IMproved",
		}})
		ft.deliver(s, Event{Kind: EventFinished, Exit: ExitSuccess})
	})

	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("unexpected error: %v", r.err)
		}
		if r.info.PackageID != "vim;9.0;amd64;repo" || r.info.License != "Vim" ||
			r.info.Description != "a text editor" || r.info.ProjectURL != "https://www.vim.org" ||
			r.info.Size != 123456 || r.info.Summary != "Vi IMproved" {
			t.Fatalf("info = %+v", r.info)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("query did not resolve")
	}
}

func TestQueryFinishedWithoutDetailsYieldsEmptyInfo(t *testing.T) {
	ft := newFakeTransport()
	o, q := newTestOrchestrator(t, ft, Options{})

	got := make(chan LinuxPackageInfo, 1)
	errc := make(chan error, 1)
	go func() {
		info, err := o.GetLinuxPackageInfo("/tmp/pkg.deb")
		got <- info
		errc <- err
	}()

	s := waitForSession(t, q, ft, 1)
	post(t, q, func() {
		ft.deliver(s, Event{Kind: EventFinished, Exit: ExitSuccess})
	})

	info := <-got
	if err := <-errc; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info != (LinuxPackageInfo{}) {
		t.Fatalf("info = %+v, want zero value", info)
	}
}

func TestQueryTimeoutOnSilentTransport(t *testing.T) {
	ft := newFakeTransport()
	ft.silent = true
	o, _ := newTestOrchestrator(t, ft, Options{QueryTimeout: time.Nanosecond})

	_, err := o.GetLinuxPackageInfo("/tmp/pkg.deb")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if err.Error() != "Timeout" {
		t.Fatalf("error message = %q, want %q", err.Error(), "Timeout")
	}
}

func TestQueryErrorIsDeferredToFinishedVerdict(t *testing.T) {
	ft := newFakeTransport()
	o, q := newTestOrchestrator(t, ft, Options{})

	errc := make(chan error, 1)
	go func() {
		_, err := o.GetLinuxPackageInfo("/tmp/pkg.deb")
		errc <- err
	}()

	s := waitForSession(t, q, ft, 1)
	post(t, q, func() {
		ft.deliver(s, Event{Kind: EventError, Code: "not-found", Detail: "no such file"})
	})
	flush(t, q)

	// The error alone does not resolve the query; Finished decides.
	select {
	case err := <-errc:
		t.Fatalf("query resolved early with %v", err)
	default:
	}

	post(t, q, func() {
		ft.deliver(s, Event{Kind: EventFinished, Exit: ExitFailed})
	})

	err := <-errc
	if err == nil || err.Error() != "no such file" {
		t.Fatalf("err = %v, want recorded error detail", err)
	}
}

func TestQueryErrorRecoveredBySuccessfulFinish(t *testing.T) {
	ft := newFakeTransport()
	o, q := newTestOrchestrator(t, ft, Options{})

	errc := make(chan error, 1)
	go func() {
		_, err := o.GetLinuxPackageInfo("/tmp/pkg.deb")
		errc <- err
	}()

	s := waitForSession(t, q, ft, 1)
	post(t, q, func() {
		ft.deliver(s, Event{Kind: EventError, Code: "warn", Detail: "transient"})
		ft.deliver(s, Event{Kind: EventFinished, Exit: ExitSuccess})
	})

	if err := <-errc; err != nil {
		t.Fatalf("err = %v, want success when Finished reports success", err)
	}
}

func TestAbandonedQueryStillRunsToCompletion(t *testing.T) {
	ft := newFakeTransport()
	ft.silent = true
	o, q := newTestOrchestrator(t, ft, Options{QueryTimeout: time.Nanosecond})

	if _, err := o.GetLinuxPackageInfo("/tmp/pkg.deb"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	flush(t, q)

	// The caller has moved on, but the transaction is still live: confirming
	// its subscriptions now must carry it through to the request.
	s := ft.sessions[0]
	post(t, q, func() { ft.confirmAll() })
	flush(t, q)

	found := false
	for _, entry := range ft.timeline {
		if entry == "invoke:"+opQueryDetails {
			found = true
		}
	}
	if !found {
		t.Fatal("abandoned query should still issue its request")
	}

	// And finishing it must not panic or touch the abandoned caller.
	post(t, q, func() {
		ft.deliver(s, Event{Kind: EventFinished, Exit: ExitSuccess})
	})
	flush(t, q)
}
