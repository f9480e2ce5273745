package resilience

import (
	"net/http"
	"sync"
)

// HostPool routes each request to a Client dedicated to the request's host, so an
// outage at one push service does not open the circuit for the others.
// It satisfies webpush.HTTPClient.
type HostPool struct {
	prefix string
	base   ClientConfig

	mu      sync.Mutex
	clients map[string]*Client
}

// NewHostPool creates a pool whose clients are built from base and named
// prefix + ":" + host.
func NewHostPool(prefix string, base ClientConfig) *HostPool {
	return &HostPool{
		prefix:  prefix,
		base:    base,
		clients: make(map[string]*Client),
	}
}

// Do sends req through the client for req.URL.Host.
func (p *HostPool) Do(req *http.Request) (*http.Response, error) {
	return p.ClientFor(req.URL.Host).Do(req)
}

// ClientFor returns the client for host, creating it on first use.
func (p *HostPool) ClientFor(host string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[host]; ok {
		return c
	}

	cfg := p.base
	cfg.Name = p.prefix + ":" + host
	if p.base.CircuitBreaker != nil {
		cb := *p.base.CircuitBreaker
		cb.Name = cfg.Name
		cfg.CircuitBreaker = &cb
	}

	c := NewClient(cfg)
	p.clients[host] = c
	return c
}

// Hosts returns the number of hosts with a client.
func (p *HostPool) Hosts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}
