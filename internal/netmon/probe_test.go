package netmon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPProber_Probe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	prober := NewHTTPProber(server.URL)
	assert.True(t, prober.Probe(context.Background()))
}

func TestHTTPProber_CaptivePortalStillReachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://portal.example/login", http.StatusFound)
	}))
	defer server.Close()

	// A redirect means something answered; transport-level reachability holds.
	prober := NewHTTPProber(server.URL)
	assert.True(t, prober.Probe(context.Background()))
}

func TestHTTPProber_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	url := server.URL
	server.Close()

	prober := NewHTTPProber(url)
	assert.False(t, prober.Probe(context.Background()))
}

func TestHTTPProber_DefaultURL(t *testing.T) {
	prober := NewHTTPProber("")
	assert.Equal(t, DefaultProbeURL, prober.URL)
}

func TestSTUNProber_Defaults(t *testing.T) {
	prober := NewSTUNProber(nil)
	assert.Equal(t, DefaultSTUNServers, prober.Servers)

	empty := &STUNProber{}
	assert.False(t, empty.Probe(context.Background()))
}
