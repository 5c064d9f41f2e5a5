// Package ice resolves the ICE server configuration for call setup. The
// relay exposes a small authenticated endpoint returning TURN credentials;
// fetching it must never delay a call for long, so the provider resolves to
// whichever comes first: a usable fetch result or a fixed public fallback
// after a bounded wait. The resolution is one-shot — a fetch that completes
// after the fallback already won is ignored.
package ice

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// DefaultWait is how long Servers blocks for the fetch before falling back.
const DefaultWait = 3 * time.Second

// Provider fetches ICE servers once and caches the winning result.
type Provider struct {
	url    string
	wait   time.Duration
	client *http.Client

	once    sync.Once
	ready   chan struct{}
	servers []webrtc.ICEServer
}

// New starts fetching the configuration from url in the background. An empty
// url resolves to the fallback servers immediately. wait <= 0 selects
// DefaultWait.
func New(url string, wait time.Duration) *Provider {
	if wait <= 0 {
		wait = DefaultWait
	}
	jar, _ := cookiejar.New(nil)
	p := &Provider{
		url:   url,
		wait:  wait,
		ready: make(chan struct{}),
		// The endpoint is cookie-authenticated; keep a jar so a session
		// cookie set by the relay is replayed.
		client: &http.Client{Timeout: 10 * time.Second, Jar: jar},
	}
	if url != "" {
		go p.fetch()
	} else {
		// Nothing to fetch, nothing to wait for.
		p.resolve(Fallback())
	}
	return p
}

// Servers returns the resolved ICE servers, blocking for at most the
// configured wait (or until ctx is done). Whichever resolves first wins and
// stays for the provider's lifetime.
func (p *Provider) Servers(ctx context.Context) []webrtc.ICEServer {
	timer := time.NewTimer(p.wait)
	defer timer.Stop()

	select {
	case <-p.ready:
	case <-timer.C:
		log.Printf("ICE: config fetch still pending after %s, using fallback servers", p.wait)
		p.resolve(Fallback())
	case <-ctx.Done():
		// The caller gave up, not the fetch. Serve the fallback for this
		// call only and leave the one-shot resolution to the fetch or a
		// later timeout.
		return Fallback()
	}
	<-p.ready
	return p.servers
}

func (p *Provider) resolve(servers []webrtc.ICEServer) {
	p.once.Do(func() {
		p.servers = servers
		close(p.ready)
	})
}

// iceServerJSON tolerates both `"urls": "stun:..."` and `"urls": [...]`.
type iceServerJSON struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username,omitempty"`
	Credential string          `json:"credential,omitempty"`
}

func (s iceServerJSON) toServer() (webrtc.ICEServer, error) {
	out := webrtc.ICEServer{Username: s.Username}
	if s.Credential != "" {
		out.Credential = s.Credential
	}
	var one string
	if err := json.Unmarshal(s.URLs, &one); err == nil {
		out.URLs = []string{one}
		return out, nil
	}
	var many []string
	if err := json.Unmarshal(s.URLs, &many); err != nil {
		return out, fmt.Errorf("ice: bad urls field: %w", err)
	}
	out.URLs = many
	return out, nil
}

func (p *Provider) fetch() {
	resp, err := p.client.Get(p.url)
	if err != nil {
		log.Printf("ICE: config fetch failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("ICE: config endpoint returned %s", resp.Status)
		return
	}

	var body struct {
		ICEServers []iceServerJSON `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Printf("ICE: config decode failed: %v", err)
		return
	}

	servers := make([]webrtc.ICEServer, 0, len(body.ICEServers))
	for _, s := range body.ICEServers {
		srv, err := s.toServer()
		if err != nil {
			log.Printf("ICE: skipping server entry: %v", err)
			continue
		}
		if len(srv.URLs) > 0 {
			servers = append(servers, srv)
		}
	}
	if len(servers) == 0 {
		log.Printf("ICE: config endpoint returned no usable servers")
		return
	}
	p.resolve(servers)
}

// Fallback returns the fixed public STUN/TURN pair used when the endpoint is
// unreachable or slow. The TURN relay is a public best-effort service; calls
// on open networks work off the STUN entry alone.
func Fallback() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{
			URLs:       []string{"turn:openrelay.metered.ca:80", "turn:openrelay.metered.ca:443"},
			Username:   "openrelayproject",
			Credential: "openrelayproject",
		},
	}
}
