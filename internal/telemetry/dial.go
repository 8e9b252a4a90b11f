package telemetry

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const dnsRefreshInterval = 5 * time.Minute

var (
	resolver     *dnscache.Resolver
	resolverOnce sync.Once
)

// dnsResolver returns the shared caching resolver, refreshed periodically so
// stale records age out.
func dnsResolver() *dnscache.Resolver {
	resolverOnce.Do(func() {
		resolver = &dnscache.Resolver{}
		go func() {
			ticker := time.NewTicker(dnsRefreshInterval)
			defer ticker.Stop()
			for range ticker.C {
				resolver.Refresh(true)
				log.Debug().Msg("Telemetry DNS cache refreshed")
			}
		}()
	})
	return resolver
}

// dialContextWithCache resolves through the DNS cache and dials the first address.
func dialContextWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	ips, err := dnsResolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
}

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialContextWithCache
	transport.MaxIdleConnsPerHost = 2
	return &http.Client{Transport: transport, Timeout: httpTimeout}
}
