package ice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const configBody = `{
	"iceServers": [
		{"urls": "stun:stun.example.com:3478"},
		{"urls": ["turn:turn.example.com:3478"], "username": "u", "credential": "p"}
	]
}`

func TestServersFromEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(configBody))
	}))
	defer srv.Close()

	p := New(srv.URL, time.Second)
	servers := p.Servers(context.Background())

	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("first server = %+v", servers[0])
	}
	if servers[1].Username != "u" || servers[1].Credential != "p" {
		t.Fatalf("turn credentials missing: %+v", servers[1])
	}
}

func TestFallbackOnSlowEndpoint(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.Write([]byte(configBody))
	}))
	defer srv.Close()
	defer close(release)

	p := New(srv.URL, 50*time.Millisecond)
	start := time.Now()
	servers := p.Servers(context.Background())
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Servers blocked %s despite the wait bound", elapsed)
	}
	if len(servers) == 0 || servers[0].URLs[0] != Fallback()[0].URLs[0] {
		t.Fatalf("expected fallback servers, got %+v", servers)
	}
}

func TestLateFetchResultIgnored(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.Write([]byte(configBody))
	}))
	defer srv.Close()

	p := New(srv.URL, 20*time.Millisecond)
	first := p.Servers(context.Background())

	close(release)
	time.Sleep(200 * time.Millisecond)

	second := p.Servers(context.Background())
	if len(second) != len(first) || second[0].URLs[0] != first[0].URLs[0] {
		t.Fatalf("resolution changed after the fact: %+v vs %+v", first, second)
	}
}

func TestBadResponsesFallBack(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"invalid json", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"iceServers": [`))
		}},
		{"empty list", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"iceServers": []}`))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			p := New(srv.URL, 50*time.Millisecond)
			servers := p.Servers(context.Background())
			if len(servers) != len(Fallback()) {
				t.Fatalf("expected fallback, got %+v", servers)
			}
		})
	}
}

func TestEmptyURLResolvesImmediately(t *testing.T) {
	p := New("", 10*time.Second)
	start := time.Now()
	servers := p.Servers(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Servers blocked %s with nothing to fetch", elapsed)
	}
	if len(servers) != len(Fallback()) {
		t.Fatalf("expected fallback servers, got %+v", servers)
	}
}

func TestCancelledContextDoesNotPinFallback(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.Write([]byte(configBody))
	}))
	defer srv.Close()

	p := New(srv.URL, 5*time.Second)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	servers := p.Servers(cancelled)
	if len(servers) != len(Fallback()) {
		t.Fatalf("cancelled call should get the fallback, got %+v", servers)
	}

	// The fetch was still in flight; once it lands it wins the resolution.
	close(release)
	servers = p.Servers(context.Background())
	if len(servers) != 2 || servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("fetch result lost after cancelled call: %+v", servers)
	}
}

func TestEndpointFetchedOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write([]byte(configBody))
	}))
	defer srv.Close()

	p := New(srv.URL, time.Second)
	for i := 0; i < 5; i++ {
		p.Servers(context.Background())
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("endpoint hit %d times, want 1", got)
	}
}
