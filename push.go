package dashboard

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/eryajf/promwrite"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// pusher periodically ships a snapshot of every stored series to a
// Prometheus remote write endpoint. It is created and started by
// Dashboard.EnsureConfigured when a remote write URL is configured.
type pusher struct {
	cfg        Config
	logger     *zap.Logger
	snapshot   func() []Metric
	resolver   *resolver
	instanceID string

	mu     sync.Mutex
	client *promwrite.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newPusher(cfg Config, logger *zap.Logger, snapshot func() []Metric) (*pusher, error) {
	if cfg.InstanceIP == "" {
		ip, err := outboundIPv4()
		if err != nil {
			return nil, fmt.Errorf("detecting outbound IPv4: %w", err)
		}
		cfg.InstanceIP = ip
	}

	var host string
	if u, err := url.Parse(cfg.RemoteWriteURL); err == nil {
		host = u.Hostname()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &pusher{
		cfg:        cfg,
		logger:     logger,
		snapshot:   snapshot,
		instanceID: uuid.NewString(),
		client:     promwrite.NewClient(cfg.RemoteWriteURL),
		resolver: newResolver(host, resolverConfig{
			enabled:         cfg.DNSEnable,
			cacheTTL:        pickDuration(cfg.DNSCacheTTL, 10*time.Minute),
			refreshInterval: pickDuration(cfg.DNSRefreshInterval, 5*time.Minute),
			timeout:         pickDuration(cfg.DNSTimeout, 800*time.Millisecond),
			udpServers:      append([]string(nil), cfg.DNSUDPServers...),
			tlsServers:      append([]string(nil), cfg.DNSTLSServers...),
			dohEndpoints:    append([]string(nil), cfg.DNSDoHEndpoints...),
		}, logger),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// start launches the push loop and, when DNS resolution is enabled for a
// non-literal host, a background refresh loop.
func (p *pusher) start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.RemoteWriteInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := p.push(); err != nil && p.logger != nil {
					p.logger.Error("remote write failed", zap.Error(err))
				}
			case <-p.ctx.Done():
				return
			}
		}
	}()

	if p.resolver.backgroundRefreshNeeded() {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ticker := time.NewTicker(p.resolver.cfg.refreshInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					if p.resolver.refresh(p.ctx, false) {
						p.resetClient()
					}
				case <-p.ctx.Done():
					return
				}
			}
		}()
	}
}

func (p *pusher) stop() {
	p.cancel()
	p.wg.Wait()
}

// push writes one snapshot. On failure it forces a DNS refresh and, if the
// target's address set changed, retries once against a fresh client.
func (p *pusher) push() error {
	metrics := p.snapshot()
	if len(metrics) == 0 {
		return nil
	}

	req := &promwrite.WriteRequest{
		TimeSeries: p.toTimeSeries(metrics),
	}

	ctx, cancel := context.WithTimeout(p.ctx, 15*time.Second)
	defer cancel()

	if _, err := p.currentClient().Write(ctx, req); err != nil {
		if p.resolver.refresh(ctx, true) {
			p.resetClient()
			if _, retryErr := p.currentClient().Write(ctx, req); retryErr != nil {
				return fmt.Errorf("writing time series after dns refresh: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("writing time series: %w", err)
	}
	return nil
}

func (p *pusher) currentClient() *promwrite.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

// resetClient replaces the write client so new connections pick up the
// refreshed addresses.
func (p *pusher) resetClient() {
	p.mu.Lock()
	p.client = promwrite.NewClient(p.cfg.RemoteWriteURL)
	p.mu.Unlock()

	if p.logger != nil {
		p.logger.Info("recreated remote write client after dns refresh",
			zap.String("host", p.resolver.host))
	}
}

// toTimeSeries converts snapshot points to the remote write wire shape,
// attaching service identity and configured custom labels.
func (p *pusher) toTimeSeries(metrics []Metric) []promwrite.TimeSeries {
	result := make([]promwrite.TimeSeries, 0, len(metrics))

	for _, metric := range metrics {
		name := metric.Name
		if p.cfg.Namespace != "" {
			name = p.cfg.Namespace + "_" + name
		}

		labels := make([]promwrite.Label, 0, 4+len(p.cfg.CustomLabels)+len(metric.Labels))
		labels = append(labels,
			promwrite.Label{Name: "__name__", Value: name},
			promwrite.Label{Name: "job", Value: p.cfg.ServiceName},
			promwrite.Label{Name: "instance", Value: p.cfg.InstanceIP},
			promwrite.Label{Name: "instance_id", Value: p.instanceID},
		)
		for k, v := range p.cfg.CustomLabels {
			labels = append(labels, promwrite.Label{Name: k, Value: v})
		}
		for k, v := range metric.Labels {
			labels = append(labels, promwrite.Label{Name: k, Value: v})
		}

		result = append(result, promwrite.TimeSeries{
			Labels: labels,
			Sample: promwrite.Sample{
				Time:  metric.Timestamp,
				Value: metric.Value,
			},
		})
	}
	return result
}

// outboundIPv4 returns the local address used for outbound traffic.
func outboundIPv4() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}
