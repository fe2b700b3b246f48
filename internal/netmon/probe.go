package netmon

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

// Prober answers a single question: is the internet reachable right now?
// Probes must be cheap; the monitor runs one per health-check tick.
type Prober interface {
	Probe(ctx context.Context) bool
}

const (
	// DefaultProbeURL is a generate-204 endpoint commonly used for
	// captive-portal and connectivity checks.
	DefaultProbeURL = "http://connectivitycheck.gstatic.com/generate_204"

	defaultProbeTimeout = 5 * time.Second
)

// DefaultSTUNServers are public STUN servers used when none are configured.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// HTTPProber checks reachability with a single GET against a generate-204
// style endpoint.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber returns an HTTPProber for the given URL, falling back to
// DefaultProbeURL when url is empty.
func NewHTTPProber(url string) *HTTPProber {
	if url == "" {
		url = DefaultProbeURL
	}
	return &HTTPProber{
		URL: url,
		Client: &http.Client{
			Timeout: defaultProbeTimeout,
			// A redirect (captive portal) still proves L3 reachability, so
			// there is no need to follow it.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Probe reports whether the endpoint answered at all. Any HTTP response
// counts as reachable; only transport-level failures do not.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

// STUNProber checks reachability with a STUN binding request. UDP-based, so
// it also exercises the path the tunnel itself depends on.
type STUNProber struct {
	Servers []string
	Timeout time.Duration
}

// NewSTUNProber returns a STUNProber for the given servers, falling back to
// DefaultSTUNServers when the list is empty.
func NewSTUNProber(servers []string) *STUNProber {
	if len(servers) == 0 {
		servers = DefaultSTUNServers
	}
	return &STUNProber{Servers: servers, Timeout: defaultProbeTimeout}
}

// Probe reports whether any configured server answered a binding request.
func (p *STUNProber) Probe(ctx context.Context) bool {
	for _, server := range p.Servers {
		if err := p.bind(ctx, server); err == nil {
			return true
		}
	}
	return false
}

func (p *STUNProber) bind(ctx context.Context, server string) error {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	done := make(chan error, 1)

	go func() {
		err := client.Do(msg, func(res stun.Event) {
			done <- res.Error
		})
		if err != nil {
			done <- err
		}
	}()

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
