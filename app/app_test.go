package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/goshmon/clock"
	"github.com/c360studio/goshmon/config"
	"github.com/c360studio/goshmon/driver/htmlpage"
	"github.com/c360studio/goshmon/handler"
	"github.com/c360studio/goshmon/metrics"
	"github.com/c360studio/goshmon/queue"
)

const (
	testRoot = "0:4b1c39a2e7d06f55e2a0c81d93fe1a7c"
	testNow  = 1700000000
)

// landing serves the root address page and counts visits.
type landing struct {
	hits atomic.Int32

	mu    sync.Mutex
	shown string
	// gate blocks requests until closed when set
	gate    chan struct{}
	entered chan struct{}
}

func (l *landing) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.hits.Add(1)
	l.mu.Lock()
	shown, gate, entered := l.shown, l.gate, l.entered
	l.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html><html><body><span id="root-address">%s</span></body></html>`, shown)
}

func (l *landing) block() (release func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gate = make(chan struct{})
	l.entered = make(chan struct{}, 1)
	gate := l.gate
	return func() { close(gate) }
}

func (l *landing) show(s string) {
	l.mu.Lock()
	l.shown = s
	l.mu.Unlock()
}

type fixture struct {
	page      *landing
	clock     *clock.Fake
	factory   *handler.Factory
	telemetry *Telemetry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		page:      &landing{shown: handler.ShortRoot(testRoot)},
		clock:     clock.NewFake(time.Unix(testNow, 0)),
		telemetry: NewTelemetry(),
	}
	srv := httptest.NewServer(fx.page)
	t.Cleanup(srv.Close)

	cfg := config.NewConfig()
	cfg.Modes["root"] = config.Params{
		"handler": "app-root",
		"url":     srv.URL,
		"root":    testRoot,
		"timeout": 5,
	}
	fx.factory = handler.NewFactory(handler.Deps{
		Config:   cfg,
		Loader:   config.NewLoader(nil).WithEnviron(func() []string { return nil }),
		Launcher: &htmlpage.Launcher{Client: srv.Client(), PollInterval: 10 * time.Millisecond},
		Clock:    fx.clock,
	})
	return fx
}

func (fx *fixture) app(opts Options) *Application {
	if opts.Mode == "" {
		opts.Mode = "root"
	}
	if opts.Interval == 0 {
		opts.Interval = time.Minute
	}
	opts.Clock = fx.clock
	opts.Telemetry = fx.telemetry
	opts.Format = metrics.FormatOptions{Prefix: "gosh_"}
	return New(fx.factory, opts)
}

type recordingProducer struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
	// gate holds publishes until closed when set
	gate chan struct{}
}

func (p *recordingProducer) Publish(_ context.Context, data []byte) error {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, data)
	return nil
}

func (p *recordingProducer) messages() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.sent...)
}

func TestFetch_CachesWithinInterval(t *testing.T) {
	fx := newFixture(t)
	a := fx.app(Options{})

	m, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, m.Succeeded())
	assert.Equal(t, int32(1), fx.page.hits.Load())

	fx.clock.Advance(30 * time.Second)
	_, err = a.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), fx.page.hits.Load())

	fx.clock.Advance(30 * time.Second)
	_, err = a.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), fx.page.hits.Load())

	assert.Equal(t, 1.0, testutil.ToFloat64(fx.telemetry.Inquiries.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(fx.telemetry.Inquiries.WithLabelValues("miss")))
	assert.Equal(t, 2.0, testutil.ToFloat64(fx.telemetry.HandlerRuns.WithLabelValues("root", "succeeded")))
}

func TestFetch_ReturnsCopies(t *testing.T) {
	fx := newFixture(t)
	a := fx.app(Options{})

	m, err := a.Fetch(context.Background())
	require.NoError(t, err)
	m.Set(metrics.KeyResult, 0)

	again, err := a.Fetch(context.Background())
	require.NoError(t, err)
	r, _ := again.Result()
	assert.Equal(t, metrics.ResultSuccess, r)
}

func TestFetch_SingleComputation(t *testing.T) {
	fx := newFixture(t)
	a := fx.app(Options{})
	release := fx.page.block()

	var wg sync.WaitGroup
	results := make([]*metrics.Map, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := a.Fetch(context.Background())
			assert.NoError(t, err)
			results[i] = m
		}(i)
	}
	<-fx.page.entered
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, int32(1), fx.page.hits.Load())
	for _, m := range results {
		require.NotNil(t, m)
		assert.True(t, m.Succeeded())
	}
}

func TestFetch_KeepsLastValue(t *testing.T) {
	fx := newFixture(t)
	a := fx.app(Options{})

	m, err := a.Fetch(context.Background())
	require.NoError(t, err)
	v, ok := m.Get(metrics.KeyValue)
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	fx.page.show("someone...else")
	fx.clock.Advance(time.Minute)
	m, err = a.Fetch(context.Background())
	require.NoError(t, err)
	assert.False(t, m.Succeeded())
	r, _ := m.Result()
	assert.Equal(t, 1, r)
	v, ok = m.Get(metrics.KeyValue)
	require.True(t, ok, "value carried from the previous result")
	assert.Equal(t, 1.0, v)
}

func TestFetch_ConfigError(t *testing.T) {
	fx := newFixture(t)
	a := fx.app(Options{Mode: "missing"})

	_, err := a.Inquiry(context.Background(), false)
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
}

func TestFetch_NoFactory(t *testing.T) {
	a := New(nil, Options{Mode: "root", Interval: time.Minute})
	_, err := a.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
}

func TestInquiry_Format(t *testing.T) {
	fx := newFixture(t)
	a := fx.app(Options{})

	out, err := a.Inquiry(context.Background(), false)
	require.NoError(t, err)
	assert.Contains(t, out, "# TYPE gosh_result gauge")
	assert.Contains(t, out, "gosh_result 100")

	debug, err := a.Inquiry(context.Background(), true)
	require.NoError(t, err)
	assert.NotContains(t, debug, "# TYPE")
	assert.Contains(t, debug, "gosh_result 100")
}

func TestRelay_PublishesOnFailure(t *testing.T) {
	fx := newFixture(t)
	prod := &recordingProducer{}
	a := fx.app(Options{Producer: prod})

	_, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, prod.messages(), "success is not relayed")

	fx.page.show("someone...else")
	fx.clock.Advance(time.Minute)
	_, err = a.Fetch(context.Background())
	require.NoError(t, err)
	a.Wait()

	sent := prod.messages()
	require.Len(t, sent, 1)
	msg, err := queue.Decode(sent[0])
	require.NoError(t, err)
	assert.Equal(t, "root", msg.Mode)
	assert.Equal(t, int64(testNow+60), msg.Enqueued)
	assert.Equal(t, testRoot, msg.Overlay.String("root"))
	assert.Equal(t, "app-root", msg.Overlay.String("handler"))
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.telemetry.QueuePublished.WithLabelValues("ok")))
}

func TestRelay_PublishErrorIsSwallowed(t *testing.T) {
	fx := newFixture(t)
	fx.page.show("someone...else")
	a := fx.app(Options{Producer: &recordingProducer{err: errors.New("broker down")}})

	m, err := a.Fetch(context.Background())
	require.NoError(t, err)
	r, _ := m.Result()
	assert.Equal(t, 1, r)
	a.Wait()
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.telemetry.QueuePublished.WithLabelValues("failed")))
}

func TestRelay_DoesNotHoldFetch(t *testing.T) {
	fx := newFixture(t)
	fx.page.show("someone...else")
	prod := &recordingProducer{gate: make(chan struct{})}
	a := fx.app(Options{Producer: prod})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := a.Fetch(context.Background())
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		close(prod.gate)
		t.Fatal("fetch waited for the publish")
	}
	assert.Empty(t, prod.messages())

	close(prod.gate)
	a.Wait()
	assert.Len(t, prod.messages(), 1)
}

func TestOnce_BypassesCache(t *testing.T) {
	fx := newFixture(t)
	a := fx.app(Options{})

	for range 2 {
		rep, err := a.Once(context.Background())
		require.NoError(t, err)
		assert.True(t, rep.Metrics.Succeeded())
	}
	assert.Equal(t, int32(2), fx.page.hits.Load())
}

func TestSwapFactory(t *testing.T) {
	fx := newFixture(t)
	a := fx.app(Options{Interval: time.Second})

	_, err := a.Fetch(context.Background())
	require.NoError(t, err)

	swapped := handler.NewFactory(fx.factory.Deps)
	cfg := config.NewConfig()
	cfg.Modes["root"] = config.Params{"handler": "app-root", "url": "http://127.0.0.1:1", "root": "other", "timeout": 1}
	swapped.Config = cfg
	a.SwapFactory(swapped)
	assert.Same(t, swapped, a.Factory())
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.telemetry.ConfigReloads))

	fx.clock.Advance(time.Second)
	m, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.False(t, m.Succeeded())
}

func TestTelemetry_Handler(t *testing.T) {
	tel := NewTelemetry()
	tel.inquiry("hit")

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `goshmon_inquiries_total{cache="hit"} 1`))
}

func TestTelemetry_NilIsSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotPanics(t, func() {
		tel.inquiry("hit")
		tel.published(true)
		tel.message("shed")
		tel.purged("age", 2)
		tel.busy(true)
		tel.reloaded()
	})
	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
