package spark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"allspark/pkg/telemetry"
	"allspark/services/agents/spark/internal/config"
)

type callbackRecorder struct {
	mu      sync.Mutex
	reports []map[string]any
	code    int
}

func (c *callbackRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	c.reports = append(c.reports, body)
	code := c.code
	c.mu.Unlock()

	if code == 0 {
		code = http.StatusOK
	}
	w.WriteHeader(code)
}

func (c *callbackRecorder) received() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.reports...)
}

func testConfig(t *testing.T, callback string, workers int) config.Config {
	t.Helper()
	return config.Config{
		ClusterID:       "cluster-7",
		CallbackURL:     callback,
		ExpectedWorkers: workers,
		ExitStatusPath:  filepath.Join(t.TempDir(), "app_exit_status"),
		MasterStatusURL: config.DefaultMasterStatusURL,
		AppStatusURL:    config.DefaultAppStatusURL,
		Interval:        20 * time.Millisecond,
		HTTPTimeout:     time.Second,
	}
}

func newTestService(t *testing.T, cfg config.Config, opts Options) (*Service, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	if opts.Logger == nil {
		opts.Logger = telemetry.NewLogger("allspark-agent", &logs)
	}
	svc, err := NewService(cfg, opts)
	require.NoError(t, err)
	return svc, &logs
}

func TestReportOnceClusterMode(t *testing.T) {
	master := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"url":"spark://master:7077","aliveworkers":2,"activeapps":[{"id":"app-1"}],"status":"ALIVE"}`))
	}))
	defer master.Close()
	recorder := &callbackRecorder{}
	callback := httptest.NewServer(recorder)
	defer callback.Close()

	cfg := testConfig(t, callback.URL, 2)
	cfg.MasterStatusURL = master.URL + "/json/"
	require.NoError(t, os.WriteFile(cfg.ExitStatusPath, []byte("  ERROR\n"), 0o644))

	svc, logs := newTestService(t, cfg, Options{})

	report, err := svc.ReportOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ERROR", report.AppExitStatus)

	got := recorder.received()
	require.Len(t, got, 1)
	assert.Equal(t, "cluster-7", got[0]["ClusterID"])
	assert.Equal(t, "ERROR", got[0]["AppExitStatus"])
	status := got[0]["Status"].(map[string]any)
	assert.Equal(t, "spark://master:7077", status["url"])

	h := svc.Health()
	assert.Equal(t, StateError, h.State)
	assert.Equal(t, 2, h.AliveWorkers)
	assert.True(t, h.Ready)
	assert.Contains(t, logs.String(), `"level":"ERROR"`)
}

func TestReportOnceMissingMarker(t *testing.T) {
	recorder := &callbackRecorder{}
	callback := httptest.NewServer(recorder)
	defer callback.Close()

	cfg := testConfig(t, callback.URL, 0)
	svc, _ := newTestService(t, cfg, Options{Source: &LocalSource{URL: "http://127.0.0.1:1/unreachable"}})

	_, err := svc.ReportOnce(context.Background())
	require.NoError(t, err)

	got := recorder.received()
	require.Len(t, got, 1)
	assert.Equal(t, "", got[0]["AppExitStatus"])
}

func TestReportOnceSingleNodeMode(t *testing.T) {
	tests := []struct {
		name string
		code int
		want ClusterStatus
	}{
		{name: "application answers", code: http.StatusOK, want: RunningStatus()},
		{name: "application missing", code: http.StatusNotFound, want: IdleStatus()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer app.Close()
			recorder := &callbackRecorder{}
			callback := httptest.NewServer(recorder)
			defer callback.Close()

			cfg := testConfig(t, callback.URL, 0)
			cfg.AppStatusURL = app.URL + "/api/v1/applications"
			svc, _ := newTestService(t, cfg, Options{})

			_, err := svc.ReportOnce(context.Background())
			require.NoError(t, err)

			got := recorder.received()
			require.Len(t, got, 1)
			assert.Equal(t, normalize(t, tt.want), got[0]["Status"])
		})
	}
}

func TestReportOnceSingleNodeAppDown(t *testing.T) {
	app := httptest.NewServer(http.NotFoundHandler())
	appURL := app.URL
	app.Close()
	recorder := &callbackRecorder{}
	callback := httptest.NewServer(recorder)
	defer callback.Close()

	cfg := testConfig(t, callback.URL, 0)
	cfg.AppStatusURL = appURL
	svc, _ := newTestService(t, cfg, Options{})

	_, err := svc.ReportOnce(context.Background())
	require.NoError(t, err)

	got := recorder.received()
	require.Len(t, got, 1)
	assert.Equal(t, normalize(t, IdleStatus()), got[0]["Status"])
	assert.True(t, svc.Health().Ready)
}

func TestReportOnceFetchFailureSkipsDelivery(t *testing.T) {
	master := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>not json</html>`))
	}))
	defer master.Close()
	recorder := &callbackRecorder{}
	callback := httptest.NewServer(recorder)
	defer callback.Close()

	cfg := testConfig(t, callback.URL, 1)
	cfg.MasterStatusURL = master.URL
	metrics := NewMetrics(prometheus.NewRegistry())
	svc, _ := newTestService(t, cfg, Options{Metrics: metrics})

	_, err := svc.ReportOnce(context.Background())
	require.Error(t, err)
	stage, ok := StageOf(err)
	require.True(t, ok)
	assert.Equal(t, StageDecode, stage)

	assert.Empty(t, recorder.received())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.failures.WithLabelValues(string(StageDecode))))
	assert.False(t, svc.Health().Ready)
}

func TestReportOnceCallbackFailure(t *testing.T) {
	recorder := &callbackRecorder{code: http.StatusBadGateway}
	callback := httptest.NewServer(recorder)
	defer callback.Close()

	cfg := testConfig(t, callback.URL, 0)
	metrics := NewMetrics(prometheus.NewRegistry())
	pub := &recordingPublisher{}
	svc, _ := newTestService(t, cfg, Options{
		Source:     &LocalSource{URL: "http://127.0.0.1:1/"},
		Metrics:    metrics,
		ExtraSinks: []Sink{&BusSink{Bus: pub, Subject: "allspark.cluster.status"}},
	})

	_, err := svc.ReportOnce(context.Background())
	require.Error(t, err)

	var ce *CycleError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, StageDeliver, ce.Stage)
	assert.Equal(t, "callback", ce.Target)
	assert.True(t, errors.Is(err, ErrUnexpectedStatus))

	// The bus still receives the report when the callback fails.
	assert.Len(t, pub.values, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.deliveries.WithLabelValues("callback", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.deliveries.WithLabelValues("nats", "success")))
	assert.False(t, svc.Health().Ready)
}

func TestReportOnceBusFailureKeepsReady(t *testing.T) {
	recorder := &callbackRecorder{}
	callback := httptest.NewServer(recorder)
	defer callback.Close()

	cfg := testConfig(t, callback.URL, 0)
	metrics := NewMetrics(prometheus.NewRegistry())
	pub := &recordingPublisher{err: errors.New("nats: no response from stream")}
	svc, logs := newTestService(t, cfg, Options{
		Source:     &LocalSource{URL: "http://127.0.0.1:1/"},
		Metrics:    metrics,
		ExtraSinks: []Sink{&BusSink{Bus: pub, Subject: "allspark.cluster.status"}},
	})

	for i := 0; i < 2; i++ {
		_, err := svc.ReportOnce(context.Background())
		require.NoError(t, err)
	}

	assert.Len(t, recorder.received(), 2)
	assert.Len(t, pub.values, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.deliveries.WithLabelValues("callback", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.deliveries.WithLabelValues("nats", "failure")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.failures.WithLabelValues(string(StageDeliver))))
	assert.Contains(t, logs.String(), "no response from stream")

	h := svc.Health()
	assert.True(t, h.Ready)
	assert.NoError(t, h.LastError)
}

func TestReportOnceUnreadableMarker(t *testing.T) {
	recorder := &callbackRecorder{}
	callback := httptest.NewServer(recorder)
	defer callback.Close()

	cfg := testConfig(t, callback.URL, 0)
	cfg.ExitStatusPath = t.TempDir()
	svc, logs := newTestService(t, cfg, Options{Source: &LocalSource{URL: "http://127.0.0.1:1/"}})

	_, err := svc.ReportOnce(context.Background())
	require.NoError(t, err)

	got := recorder.received()
	require.Len(t, got, 1)
	assert.Equal(t, "", got[0]["AppExitStatus"])
	assert.Contains(t, logs.String(), "reading exit marker")
}

func TestRunKeepsGoingWhenUpstreamIsBroken(t *testing.T) {
	master := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer master.Close()
	recorder := &callbackRecorder{}
	callback := httptest.NewServer(recorder)
	defer callback.Close()

	cfg := testConfig(t, callback.URL, 3)
	cfg.MasterStatusURL = master.URL
	metrics := NewMetrics(prometheus.NewRegistry())
	svc, logs := newTestService(t, cfg, Options{Metrics: metrics})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err := svc.Run(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.cycles), 3.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.failures.WithLabelValues(string(StageFetch))), 3.0)
	assert.Empty(t, recorder.received())
	assert.Contains(t, logs.String(), "report cycle failed")
}

func TestRunReportsEveryInterval(t *testing.T) {
	recorder := &callbackRecorder{}
	callback := httptest.NewServer(recorder)
	defer callback.Close()

	cfg := testConfig(t, callback.URL, 0)
	svc, _ := newTestService(t, cfg, Options{Source: &LocalSource{URL: "http://127.0.0.1:1/"}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(recorder.received()) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	for _, r := range recorder.received() {
		assert.Equal(t, "cluster-7", r["ClusterID"])
	}
}

type slowSource struct {
	delay time.Duration

	mu     sync.Mutex
	starts []time.Time
}

func (s *slowSource) Fetch(ctx context.Context) (ClusterStatus, error) {
	s.mu.Lock()
	s.starts = append(s.starts, time.Now())
	s.mu.Unlock()

	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
	}
	return IdleStatus(), nil
}

func (s *slowSource) started() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.starts...)
}

func TestRunWaitsFullIntervalAfterSlowCycle(t *testing.T) {
	callback := httptest.NewServer(&callbackRecorder{})
	defer callback.Close()

	cfg := testConfig(t, callback.URL, 0)
	src := &slowSource{delay: 60 * time.Millisecond}
	svc, _ := newTestService(t, cfg, Options{Source: src})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(src.started()) >= 4
	}, 3*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	starts := src.started()
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, src.delay+cfg.Interval, "cycle %d started %s after the previous one", i, gap)
	}
}

func TestHealthWaitsForExpectedWorkers(t *testing.T) {
	workers := 1
	var mu sync.Mutex
	master := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		n := workers
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"aliveworkers": n, "activeapps": []any{}})
	}))
	defer master.Close()
	callback := httptest.NewServer(&callbackRecorder{})
	defer callback.Close()

	cfg := testConfig(t, callback.URL, 2)
	cfg.MasterStatusURL = master.URL
	svc, _ := newTestService(t, cfg, Options{})

	assert.False(t, svc.Health().Ready, "not ready before the first cycle")

	_, err := svc.ReportOnce(context.Background())
	require.NoError(t, err)
	h := svc.Health()
	assert.False(t, h.Ready)
	assert.Equal(t, 1, h.AliveWorkers)
	assert.Equal(t, StateIdle, h.State)

	mu.Lock()
	workers = 2
	mu.Unlock()

	_, err = svc.ReportOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, svc.Health().Ready)
}

func TestNewServiceValidation(t *testing.T) {
	base := testConfig(t, "http://collector.local/checkin", 0)

	cfg := base
	cfg.ClusterID = ""
	_, err := NewService(cfg, Options{})
	assert.Error(t, err)

	cfg = base
	cfg.CallbackURL = ""
	_, err = NewService(cfg, Options{})
	assert.Error(t, err)

	cfg = base
	cfg.Interval = 0
	_, err = NewService(cfg, Options{})
	assert.Error(t, err)

	svc, err := NewService(base, Options{Logger: log.New(&bytes.Buffer{}, "", 0)})
	require.NoError(t, err)
	assert.IsType(t, &LocalSource{}, svc.source)

	cfg = base
	cfg.ExpectedWorkers = 2
	svc, err = NewService(cfg, Options{})
	require.NoError(t, err)
	assert.IsType(t, &MasterSource{}, svc.source)
	require.Len(t, svc.sinks, 1)
	assert.Equal(t, "callback", svc.sinks[0].Name())
}
