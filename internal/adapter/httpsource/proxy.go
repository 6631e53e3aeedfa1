package httpsource

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// proxyRotator hands out proxies round-robin, one per outgoing request.
type proxyRotator struct {
	mu      sync.Mutex
	proxies []*url.URL
	next    int
}

func newProxyRotator(raw []string) (*proxyRotator, error) {
	r := &proxyRotator{}
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		u, err := url.Parse(p)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy %q", p)
		}
		r.proxies = append(r.proxies, u)
	}
	if len(r.proxies) == 0 {
		return nil, nil
	}
	return r, nil
}

// Proxy has the signature of http.Transport.Proxy.
func (r *proxyRotator) Proxy(*http.Request) (*url.URL, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.proxies[r.next]
	r.next = (r.next + 1) % len(r.proxies)
	return p, nil
}
