package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPacerSpacesCalls(t *testing.T) {
	const interval = 20 * time.Millisecond
	p := NewPacer(interval)
	ctx := context.Background()

	start := time.Now()
	times := make([]time.Time, 0, 10)
	for i := 0; i < 10; i++ {
		if err := p.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
		times = append(times, time.Now())
	}

	// Slot times are exact; the measured gap only shrinks when the earlier
	// return was delayed by scheduling, hence the small tolerance.
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < interval-5*time.Millisecond {
			t.Errorf("gap %d = %v, want >= %v", i, gap, interval)
		}
	}
	if elapsed := times[len(times)-1].Sub(start); elapsed < 9*interval {
		t.Errorf("10 calls finished in %v, want >= %v", elapsed, 9*interval)
	}
}

func TestPacerZeroIntervalDoesNotBlock(t *testing.T) {
	p := NewPacer(0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("zero-interval pacer blocked")
	}
}

func TestPacerHonorsCancellation(t *testing.T) {
	p := NewPacer(time.Hour)
	ctx := context.Background()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait err = %v, want deadline exceeded", err)
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(Settings{ID: "cerner", Name: "Oracle Health"}, nil)
	r.Register(Settings{ID: "epic", Name: "Epic"}, nil)

	p, err := r.Get("epic")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Settings.Name != "Epic" {
		t.Errorf("Name = %q", p.Settings.Name)
	}
	if p.Adapter == nil || p.Pacer == nil {
		t.Error("Register left adapter or pacer nil")
	}

	if _, err := r.Get("meditech"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("Get unknown err = %v, want ErrUnknownProvider", err)
	}

	ids := []string{}
	for _, p := range r.List() {
		ids = append(ids, p.Settings.ID)
	}
	if len(ids) != 2 || ids[0] != "cerner" || ids[1] != "epic" {
		t.Errorf("List order = %v", ids)
	}
}

func TestR4AdapterPaginatesBundles(t *testing.T) {
	var gotAuth, gotSince string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/fhir+json")
		switch r.URL.Path {
		case "/Observation":
			gotSince = r.URL.Query().Get("_lastUpdated")
			fmt.Fprintf(w, `{
				"resourceType": "Bundle",
				"entry": [
					{"resource": {"resourceType": "Observation", "id": "obs-1"}},
					{"resource": {"resourceType": "Observation", "id": "obs-2"}}
				],
				"link": [{"relation": "next", "url": "%s/page2"}]
			}`, "http://"+r.Host)
		case "/page2":
			fmt.Fprint(w, `{
				"resourceType": "Bundle",
				"entry": [{"resource": {"resourceType": "Observation", "id": "obs-3"}}],
				"link": [{"relation": "self", "url": "ignored"}]
			}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := NewR4Adapter(srv.Client(), NewPacer(0))
	conn := ConnectionInfo{BaseURL: srv.URL, AccessToken: "tok-123", PatientID: "pat-9"}
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	it, err := a.ListResources(context.Background(), conn, "Observation", &since)
	if err != nil {
		t.Fatalf("ListResources: %v", err)
	}

	var count int
	for {
		rec, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if len(rec) == 0 {
			t.Fatal("empty record")
		}
		count++
	}
	if count != 3 {
		t.Errorf("iterated %d records, want 3", count)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotSince != "gt2026-03-01T00:00:00Z" {
		t.Errorf("_lastUpdated = %q", gotSince)
	}
}

func TestR4AdapterUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := NewR4Adapter(srv.Client(), NewPacer(0))
	it, err := a.ListResources(context.Background(), ConnectionInfo{BaseURL: srv.URL}, "Condition", nil)
	if err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	if _, err := it.Next(); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Next err = %v, want ErrUnauthorized", err)
	}
}

func TestR4AdapterFetchDocumentRelativeRef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Binary/doc-1" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("%PDF-1.4 fake"))
	}))
	defer srv.Close()

	a := NewR4Adapter(srv.Client(), NewPacer(0))
	body, err := a.FetchDocument(context.Background(), ConnectionInfo{BaseURL: srv.URL + "/"}, "Binary/doc-1")
	if err != nil {
		t.Fatalf("FetchDocument: %v", err)
	}
	if string(body) != "%PDF-1.4 fake" {
		t.Errorf("body = %q", body)
	}
}

func TestIteratorCloseStopsFetching(t *testing.T) {
	var pages int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages++
		fmt.Fprintf(w, `{"entry": [{"resource": {"id": "r%d"}}], "link": [{"relation": "next", "url": "%s/more"}]}`, pages, "http://"+r.Host)
	}))
	defer srv.Close()

	a := NewR4Adapter(srv.Client(), NewPacer(0))
	it, _ := a.ListResources(context.Background(), ConnectionInfo{BaseURL: srv.URL}, "Procedure", nil)

	if _, err := it.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	it.Close()
	if _, err := it.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next after Close err = %v, want io.EOF", err)
	}
	if pages != 1 {
		t.Errorf("fetched %d pages after Close, want 1", pages)
	}
}
