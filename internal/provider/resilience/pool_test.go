package resilience_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarotjournal/tarotjournal/internal/provider/resilience"
)

func TestHostPool_ClientPerHost(t *testing.T) {
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer a.Close()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer b.Close()

	registry := resilience.NewRegistry()
	cfg := resilience.DefaultClientConfig("web-push")
	cfg.Registry = registry
	pool := resilience.NewHostPool("web-push", cfg)

	for _, target := range []string{a.URL, b.URL, a.URL} {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, target+"/push", http.NoBody)
		require.NoError(t, err)

		resp, err := pool.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
	}

	assert.Equal(t, 2, pool.Hosts())
	assert.Equal(t, 2, registry.ProviderCount())

	hostA, err := url.Parse(a.URL)
	require.NoError(t, err)

	client := pool.ClientFor(hostA.Host)
	assert.Equal(t, "web-push:"+hostA.Host, client.Name())
	assert.Same(t, client, pool.ClientFor(hostA.Host))

	health := registry.GetHealth("web-push:" + hostA.Host)
	require.NotNil(t, health)
	assert.Equal(t, uint64(2), health.Successes)
	assert.True(t, health.IsHealthy())
}

func TestHostPool_BreakersAreIndependent(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer healthy.Close()

	cbConfig := resilience.DefaultCircuitBreakerConfig("web-push")
	cbConfig.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 2
	}

	cfg := resilience.DefaultClientConfig("web-push")
	cfg.MaxRetries = 0
	cfg.CircuitBreaker = &cbConfig
	pool := resilience.NewHostPool("web-push", cfg)

	send := func(target string) (*http.Response, error) {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, target, http.NoBody)
		require.NoError(t, err)
		return pool.Do(req)
	}

	for range 3 {
		resp, err := send(failing.URL)
		if resp != nil {
			resp.Body.Close()
		}
		_ = err
	}

	_, err := send(failing.URL)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)

	resp, err := send(healthy.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}
