package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Srikantmodi/rescuenet/internal/adapters"
)

func TestCheckConfirmsOnlineOn204(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	clock := adapters.NewFakeClock(time.Unix(0, 0))
	p := New([]string{srv.URL}, clock)
	if !p.Check(context.Background(), true) {
		t.Fatalf("expected online")
	}
}

func TestCheckReturnsFalseWhenNoEndpointConfirms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	clock := adapters.NewFakeClock(time.Unix(0, 0))
	p := New([]string{srv.URL}, clock)
	if p.Check(context.Background(), false) {
		t.Fatalf("expected offline when no endpoint returns 204")
	}
}

func TestCheckUsesCacheWithinWindow(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	clock := adapters.NewFakeClock(time.Unix(0, 0))
	p := New([]string{srv.URL}, clock)

	p.Check(context.Background(), true)
	p.Check(context.Background(), false) // within cache window, no new request
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("want 1 request due to caching, got %d", hits)
	}

	clock.Advance(DefaultCacheWindow + time.Second)
	p.Check(context.Background(), false)
	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("want 2 requests after cache expiry, got %d", hits)
	}
}

func TestMarkOfflineForcesCacheFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	clock := adapters.NewFakeClock(time.Unix(0, 0))
	p := New([]string{srv.URL}, clock)
	p.Check(context.Background(), true)
	p.MarkOffline()
	p.mu.Lock()
	cached := p.cachedOnline
	p.mu.Unlock()
	if cached {
		t.Fatalf("expected cached value to be forced false")
	}
}

func TestChangesEmitsOnlyOnTransition(t *testing.T) {
	online := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if online {
			w.WriteHeader(http.StatusNoContent)
		} else {
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	clock := adapters.NewFakeClock(time.Unix(0, 0))
	p := New([]string{srv.URL}, clock)
	changes := p.Changes()

	p.Check(context.Background(), true) // true, first observation -> emits
	select {
	case v := <-changes:
		if !v {
			t.Fatalf("want true on first observation")
		}
	default:
		t.Fatalf("expected a change event on first observation")
	}

	clock.Advance(DefaultCacheWindow + time.Second)
	p.Check(context.Background(), true) // still true -> no emission
	select {
	case v := <-changes:
		t.Fatalf("unexpected change event %v on repeated same state", v)
	default:
	}

	online = false
	clock.Advance(DefaultCacheWindow + time.Second)
	p.Check(context.Background(), true) // transitions to false -> emits
	select {
	case v := <-changes:
		if v {
			t.Fatalf("want false on transition")
		}
	default:
		t.Fatalf("expected a change event on transition")
	}
}
