package netmon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestMonitor_NotifiesOncePerChange(t *testing.T) {
	m := New(true, nil)
	var events []bool
	cancel := m.Subscribe(func(online bool) { events = append(events, online) })

	m.Set(true) // 无变化
	m.Set(false)
	m.Set(false)
	m.Set(true)
	cancel()
	m.Set(false)

	if len(events) != 2 || events[0] != false || events[1] != true {
		t.Fatalf("events = %v, want [false true]", events)
	}
}

func TestMonitor_WaitOnline(t *testing.T) {
	m := New(false, nil)
	done := make(chan error, 1)
	go func() { done <- m.WaitOnline(context.Background()) }()

	select {
	case <-done:
		t.Fatalf("WaitOnline() returned while offline")
	case <-time.After(30 * time.Millisecond):
	}
	m.Set(true)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitOnline() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("WaitOnline() did not return after Set(true)")
	}

	m.Set(false)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.WaitOnline(ctx); err == nil {
		t.Fatalf("WaitOnline() = nil, want ctx error")
	}
}

func TestMonitor_Probe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	m := New(false, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Probe(ctx, srv.Client(), srv.URL, 10*time.Millisecond)

	waitFor(t, func() bool { return m.Online() })
	healthy.Store(false)
	waitFor(t, func() bool { return !m.Online() })
}

func TestMonitor_CancelledHealthCheckStaysOnline(t *testing.T) {
	entered := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	m := New(true, nil)
	var offline atomic.Int32
	m.Subscribe(func(online bool) {
		if !online {
			offline.Add(1)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Probe(ctx, srv.Client(), srv.URL, time.Minute)
	}()

	<-entered
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("health check loop did not return after cancel")
	}
	if n := offline.Load(); n != 0 || !m.Online() {
		t.Fatalf("offline events = %d, Online() = %v after shutdown", n, m.Online())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
