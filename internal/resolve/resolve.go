// Package resolve turns host/service strings into address lists for the
// connect retry machinery. Concurrent lookups for the same target are
// coalesced, and results are cached briefly so retry storms do not
// hammer the resolver.
package resolve

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultTTL = 30 * time.Second

// Resolver caches and coalesces address-list lookups.
type Resolver struct {
	ttl time.Duration
	sf  singleflight.Group

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	addrs   []netip.AddrPort
	expires time.Time
}

// New returns a resolver with the given cache TTL. A zero ttl disables
// caching.
func New(ttl time.Duration) *Resolver {
	return &Resolver{ttl: ttl, cache: make(map[string]cacheEntry)}
}

var defaultResolver = New(defaultTTL)

// AddrList resolves hostport with the shared resolver.
func AddrList(ctx context.Context, hostport string) ([]netip.AddrPort, error) {
	return defaultResolver.Lookup(ctx, hostport)
}

// Lookup resolves hostport into the ordered address list a connect
// attempt should walk.
func (r *Resolver) Lookup(ctx context.Context, hostport string) ([]netip.AddrPort, error) {
	r.mu.Lock()
	if e, ok := r.cache[hostport]; ok && time.Now().Before(e.expires) {
		addrs := e.addrs
		r.mu.Unlock()
		return addrs, nil
	}
	r.mu.Unlock()

	v, err, _ := r.sf.Do(hostport, func() (any, error) {
		addrs, err := lookup(ctx, hostport)
		if err != nil {
			return nil, err
		}
		if r.ttl > 0 {
			r.mu.Lock()
			r.cache[hostport] = cacheEntry{addrs: addrs, expires: time.Now().Add(r.ttl)}
			r.mu.Unlock()
		}
		return addrs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]netip.AddrPort), nil
}

func lookup(ctx context.Context, hostport string) ([]netip.AddrPort, error) {
	host, service, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	port, err := net.DefaultResolver.LookupPort(ctx, "tcp", service)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %q", host)
	}
	addrs := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, netip.AddrPortFrom(ip.Unmap(), uint16(port)))
	}
	return addrs, nil
}
