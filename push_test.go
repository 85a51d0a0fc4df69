package dashboard

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.ServiceName = "push-test"
	cfg.InstanceIP = "127.0.0.1"
	cfg.RemoteWriteURL = url
	cfg.RemoteWriteInterval = time.Hour
	return cfg
}

func staticSnapshot() []Metric {
	return []Metric{{
		Name:      "pushed_total",
		Value:     7,
		Labels:    map[string]string{"source": "test"},
		Kind:      Counter,
		Timestamp: time.Now(),
	}}
}

func TestPusherPushWritesSnapshot(t *testing.T) {
	var requests atomic.Int64
	var contentType, encoding atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		contentType.Store(r.Header.Get("Content-Type"))
		encoding.Store(r.Header.Get("Content-Encoding"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p, err := newPusher(pushConfig(srv.URL+"/api/v1/write"), nil, staticSnapshot)
	require.NoError(t, err)
	defer p.stop()

	require.NoError(t, p.push())
	assert.Equal(t, int64(1), requests.Load())
	assert.Equal(t, "application/x-protobuf", contentType.Load())
	assert.Equal(t, "snappy", encoding.Load())
}

func TestPusherSkipsEmptySnapshot(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p, err := newPusher(pushConfig(srv.URL+"/api/v1/write"), nil, func() []Metric { return nil })
	require.NoError(t, err)
	defer p.stop()

	require.NoError(t, p.push())
	assert.Equal(t, int64(0), requests.Load())
}

func TestPusherLoopPushesOnInterval(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := pushConfig(srv.URL + "/api/v1/write")
	cfg.RemoteWriteInterval = 10 * time.Millisecond

	p, err := newPusher(cfg, nil, staticSnapshot)
	require.NoError(t, err)

	p.start()
	time.Sleep(100 * time.Millisecond)
	p.stop()

	assert.Greater(t, requests.Load(), int64(0))
}

func TestPusherReportsEndpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	p, err := newPusher(pushConfig(srv.URL+"/api/v1/write"), nil, staticSnapshot)
	require.NoError(t, err)
	defer p.stop()

	// The target is a literal IP, so no DNS refresh can rescue the write.
	assert.Error(t, p.push())
}

func TestToTimeSeriesAttachesIdentity(t *testing.T) {
	cfg := pushConfig("http://127.0.0.1:9/api/v1/write")
	cfg.Namespace = "app"
	cfg.CustomLabels = map[string]string{"env": "staging"}

	p, err := newPusher(cfg, nil, staticSnapshot)
	require.NoError(t, err)
	defer p.stop()

	series := p.toTimeSeries(staticSnapshot())
	require.Len(t, series, 1)

	labels := map[string]string{}
	for _, l := range series[0].Labels {
		labels[l.Name] = l.Value
	}
	assert.Equal(t, "app_pushed_total", labels["__name__"])
	assert.Equal(t, "push-test", labels["job"])
	assert.Equal(t, "127.0.0.1", labels["instance"])
	assert.NotEmpty(t, labels["instance_id"])
	assert.Equal(t, "staging", labels["env"])
	assert.Equal(t, "test", labels["source"])
	assert.Equal(t, 7.0, series[0].Sample.Value)
}

func TestToTimeSeriesWithoutNamespace(t *testing.T) {
	p, err := newPusher(pushConfig("http://127.0.0.1:9/api/v1/write"), nil, staticSnapshot)
	require.NoError(t, err)
	defer p.stop()

	series := p.toTimeSeries(staticSnapshot())
	require.Len(t, series, 1)

	for _, l := range series[0].Labels {
		if l.Name == "__name__" {
			assert.Equal(t, "pushed_total", l.Value)
		}
	}
}
