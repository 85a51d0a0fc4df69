package dashboard

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// resolver keeps the remote write target's address set fresh. With DNS
// options enabled it races the configured UDP, DoT and DoH resolvers plus
// the system resolver and takes the first successful answer; otherwise it
// falls back to the system resolver alone. Results are cached and resolves
// throttled so failure-triggered refreshes stay cheap.
type resolver struct {
	host   string
	cfg    resolverConfig
	logger *zap.Logger

	mu          sync.Mutex
	current     []string
	cachedIPs   []string
	cachedUntil time.Time
	lastResolve time.Time
}

type resolverConfig struct {
	enabled         bool
	cacheTTL        time.Duration
	refreshInterval time.Duration
	timeout         time.Duration
	udpServers      []string
	tlsServers      []string
	dohEndpoints    []string
}

func newResolver(host string, cfg resolverConfig, logger *zap.Logger) *resolver {
	return &resolver{
		host:   host,
		cfg:    cfg,
		logger: logger,
	}
}

// backgroundRefreshNeeded reports whether a periodic refresh loop makes
// sense: only for enabled resolution of a non-literal hostname.
func (r *resolver) backgroundRefreshNeeded() bool {
	return r.cfg.enabled && r.host != "" && net.ParseIP(r.host) == nil
}

// refresh re-resolves the host and reports whether the address set
// changed. Unforced refreshes are throttled to once per minute.
func (r *resolver) refresh(ctx context.Context, force bool) bool {
	if r.host == "" || net.ParseIP(r.host) != nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !force && time.Since(r.lastResolve) < time.Minute {
		return false
	}

	if !force && len(r.cachedIPs) > 0 && time.Now().Before(r.cachedUntil) {
		r.lastResolve = time.Now()
		if stringSlicesEqual(r.cachedIPs, r.current) {
			return false
		}
		r.current = r.cachedIPs
		return true
	}

	ips, err := r.lookup(ctx)
	r.lastResolve = time.Now()
	if err != nil || len(ips) == 0 {
		if r.logger != nil {
			r.logger.Warn("dns lookup failed", zap.String("host", r.host), zap.Error(err))
		}
		return false
	}

	if r.cfg.enabled {
		r.cachedIPs = ips
		r.cachedUntil = time.Now().Add(r.cfg.cacheTTL)
	}

	changed := !stringSlicesEqual(ips, r.current)
	r.current = ips
	if changed && r.logger != nil {
		r.logger.Info("remote write target resolved",
			zap.String("host", r.host), zap.Strings("ips", ips))
	}
	return changed || force
}

func (r *resolver) lookup(ctx context.Context) ([]string, error) {
	if !r.cfg.enabled {
		return systemLookup(ctx, r.host)
	}
	return r.lookupFastest(ctx)
}

// lookupFastest queries all configured resolvers concurrently and returns
// the first successful answer.
func (r *resolver) lookupFastest(parent context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(parent, r.cfg.timeout)
	defer cancel()

	type result struct {
		ips []string
		err error
	}
	ch := make(chan result, 1)

	report := func(ips []string, err error) {
		select {
		case ch <- result{ips, err}:
		default:
		}
	}

	for _, srv := range r.cfg.udpServers {
		go func(server string) {
			report(queryA(ctx, r.host, server, "udp"))
		}(srv)
	}
	for _, srv := range r.cfg.tlsServers {
		go func(server string) {
			report(queryA(ctx, r.host, server, "tcp-tls"))
		}(srv)
	}
	for _, ep := range r.cfg.dohEndpoints {
		go func(endpoint string) {
			report(queryDoH(ctx, r.host, endpoint))
		}(ep)
	}
	go func() {
		report(systemLookup(ctx, r.host))
	}()

	attempts := 1 + len(r.cfg.udpServers) + len(r.cfg.tlsServers) + len(r.cfg.dohEndpoints)
	var firstErr error
	for i := 0; i < attempts; i++ {
		select {
		case res := <-ch:
			if res.err == nil && len(res.ips) > 0 {
				return res.ips, nil
			}
			if firstErr == nil {
				firstErr = res.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("no dns result for %q", r.host)
	}
	return nil, firstErr
}

func systemLookup(ctx context.Context, host string) ([]string, error) {
	netIPs, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	ips := make([]string, 0, len(netIPs))
	for _, ip := range netIPs {
		ips = append(ips, ip.String())
	}
	return ips, nil
}

// queryA performs an A lookup over plain UDP or DNS-over-TLS depending on
// the transport.
func queryA(ctx context.Context, host, server, transport string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)

	client := &dns.Client{Net: transport, Timeout: 800 * time.Millisecond}
	reply, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, fmt.Errorf("%s dns query against %s: %w", transport, server, err)
	}
	if reply == nil || reply.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s dns query against %s: rcode %d", transport, server, rcodeOf(reply))
	}
	return answersA(reply), nil
}

// queryDoH performs an A lookup via the DNS-over-HTTPS wire format.
func queryDoH(ctx context.Context, host, endpoint string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	payload, err := msg.Pack()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh endpoint %s: status %d", endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var reply dns.Msg
	if err := reply.Unpack(body); err != nil {
		return nil, err
	}
	if reply.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("doh endpoint %s: rcode %d", endpoint, reply.Rcode)
	}
	return answersA(&reply), nil
}

func answersA(reply *dns.Msg) []string {
	ips := make([]string, 0, len(reply.Answer))
	for _, ans := range reply.Answer {
		if a, ok := ans.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips
}

func rcodeOf(reply *dns.Msg) int {
	if reply == nil {
		return -1
	}
	return reply.Rcode
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
