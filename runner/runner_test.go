package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/goshmon/clock"
	"github.com/c360studio/goshmon/driver"
	"github.com/c360studio/goshmon/metrics"
)

type fakePage struct {
	closed bool
}

func (p *fakePage) Goto(context.Context, string) error           { return nil }
func (p *fakePage) Click(context.Context, string) error          { return nil }
func (p *fakePage) Type(context.Context, string, string) error   { return nil }
func (p *fakePage) WaitFor(context.Context, string) error        { return nil }
func (p *fakePage) Count(context.Context, string) (int, error)   { return 0, nil }
func (p *fakePage) Text(context.Context, string) (string, error) { return "", nil }
func (p *fakePage) Clipboard(context.Context) (string, error)    { return "", nil }
func (p *fakePage) URL() string                                  { return "about:blank" }
func (p *fakePage) Close() error                                 { p.closed = true; return nil }
func (p *fakePage) Screenshot(context.Context) (driver.Snapshot, error) {
	return driver.Snapshot{Data: []byte("page"), Ext: ".png"}, nil
}

type fakeLauncher struct{ page *fakePage }

func (l *fakeLauncher) Launch(context.Context, driver.Options) (driver.Page, error) {
	return l.page, nil
}

func newRunner(t *testing.T, clk clock.Clock) (*Runner, *fakePage) {
	t.Helper()
	page := &fakePage{}
	return &Runner{
		Mode:    "read",
		Clock:   clk,
		Dumper:  &Dumper{Dir: t.TempDir(), Clock: clk},
		Session: &driver.Session{Launcher: &fakeLauncher{page: page}},
	}, page
}

func counting(calls *int, out Outcome) Step {
	return Step{Name: "count", Run: func(context.Context) (Outcome, error) {
		*calls++
		return out, nil
	}}
}

func TestRun_FirstValueTerminates(t *testing.T) {
	for i := 0; i < 4; i++ {
		calls := 0
		var steps []Step
		for j := 0; j < 5; j++ {
			out := Continue
			if j == i {
				out = Value(42)
			}
			steps = append(steps, counting(&calls, out))
		}

		r, _ := newRunner(t, clock.NewFake(time.Unix(1700000000, 0)))
		rep := r.Run(context.Background(), steps)

		assert.Equal(t, i+1, calls)
		assert.Equal(t, StatusSucceeded, rep.Status)
		assert.True(t, rep.Metrics.Succeeded())
		v, _ := rep.Metrics.Get(metrics.KeyValue)
		assert.Equal(t, 42.0, v)
	}
}

func TestRun_SuccessShape(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	r, _ := newRunner(t, clk)

	rep := r.Run(context.Background(), []Step{
		Do("wait", func(context.Context) error { clk.Advance(1500 * time.Millisecond); return nil }),
		Finish("check", func(context.Context) (float64, error) { return 7, nil }),
	})

	var keys []string
	for _, e := range rep.Metrics.Entries() {
		keys = append(keys, e.Name)
	}
	assert.Equal(t, []string{"result", "value", "timestamp", "started", "duration"}, keys)

	ts, _ := rep.Metrics.Get(metrics.KeyTimestamp)
	started, _ := rep.Metrics.Get(metrics.KeyStarted)
	duration, _ := rep.Metrics.Get(metrics.KeyDuration)
	assert.Equal(t, 1700000001.0, ts)
	assert.Equal(t, 1700000000.0, started)
	assert.Equal(t, 1.5, duration)
	assert.Equal(t, 2, rep.Steps)
}

func TestRun_IgnoreNotCounted(t *testing.T) {
	calls := 0
	r, _ := newRunner(t, nil)
	rep := r.Run(context.Background(), []Step{
		counting(&calls, Ignore),
		counting(&calls, Continue),
		counting(&calls, Ignore),
		counting(&calls, Continue),
	})

	assert.Equal(t, 4, calls)
	assert.Equal(t, StatusExhausted, rep.Status)
	res, _ := rep.Metrics.Result()
	assert.Equal(t, 2, res)
	assert.False(t, rep.Metrics.Has(metrics.KeyValue))
	assert.False(t, rep.Metrics.Has(metrics.KeyStarted))
	assert.True(t, rep.Metrics.Has(metrics.KeyTimestamp))
	assert.True(t, rep.Metrics.Has(metrics.KeyDuration))
}

func TestRun_FailureDumpAndCleanup(t *testing.T) {
	r, page := newRunner(t, nil)
	boom := errors.New("selector #file not found")
	after := 0

	rep := r.Run(context.Background(), []Step{
		Do("open", func(ctx context.Context) error {
			_, err := r.Session.Open(ctx)
			return err
		}),
		Do("navigate", func(ctx context.Context) error {
			Logf(ctx, "navigating")
			return nil
		}),
		Do("read", func(context.Context) error { return boom }),
		counting(&after, Value(1)),
	})

	assert.Equal(t, StatusFailed, rep.Status)
	assert.ErrorIs(t, rep.Err, boom)
	assert.Equal(t, 0, after)
	res, _ := rep.Metrics.Result()
	assert.Equal(t, 2, res)
	assert.False(t, rep.Metrics.Has(metrics.KeyValue))

	log, err := os.ReadFile(filepath.Join(r.Dumper.Dir, "read-2.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "navigating")
	assert.Contains(t, string(log), "selector #file not found")
	assert.FileExists(t, filepath.Join(r.Dumper.Dir, "read-2.png"))

	assert.True(t, page.closed)
	assert.Nil(t, r.Session.Page())
	assert.Empty(t, r.Journal.Lines())
}

func TestRun_PanicIsStepFailure(t *testing.T) {
	r, _ := newRunner(t, nil)
	rep := r.Run(context.Background(), []Step{
		Do("ok", func(context.Context) error { return nil }),
		Do("bad", func(context.Context) error { panic("nil page") }),
	})

	assert.Equal(t, StatusFailed, rep.Status)
	assert.Contains(t, rep.Err.Error(), "nil page")
	res, _ := rep.Metrics.Result()
	assert.Equal(t, 1, res)
}

func TestRun_SlowDump(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	r, _ := newRunner(t, clk)
	r.SlowAfter = 5 * time.Second

	rep := r.Run(context.Background(), []Step{
		Do("fast", func(context.Context) error { return nil }),
		Do("slow", func(context.Context) error { clk.Advance(6 * time.Second); return nil }),
		Do("slower", func(context.Context) error { clk.Advance(6 * time.Second); return nil }),
		Finish("check", func(context.Context) (float64, error) { return 1, nil }),
	})

	assert.True(t, rep.Slow)
	assert.Equal(t, StatusSucceeded, rep.Status)

	log, err := os.ReadFile(filepath.Join(r.Dumper.Dir, "slow-read-2.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "step 2: slow")
	assert.Contains(t, string(log), " "+EndMarker)

	_, err = os.Stat(filepath.Join(r.Dumper.Dir, "slow-read-3.log"))
	assert.True(t, os.IsNotExist(err), "only one slow dump per run")
}

func TestRun_SlowFailureLeavesPartialDump(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	r, _ := newRunner(t, clk)
	r.SlowAfter = time.Second

	rep := r.Run(context.Background(), []Step{
		Do("slow", func(context.Context) error { clk.Advance(2 * time.Second); return nil }),
		Do("fail", func(context.Context) error { return errors.New("gone") }),
	})

	assert.Equal(t, StatusFailed, rep.Status)
	log, err := os.ReadFile(filepath.Join(r.Dumper.Dir, "slow-read-1.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(log), EndMarker)
	assert.FileExists(t, filepath.Join(r.Dumper.Dir, "read-1.log"))
}

func TestRun_DefaultTagAndNoDumper(t *testing.T) {
	r := &Runner{}
	rep := r.Run(context.Background(), []Step{
		Do("fail", func(context.Context) error { return errors.New("x") }),
	})
	assert.Equal(t, StatusFailed, rep.Status)
	assert.Equal(t, "error-3", r.tag("", 3))
	assert.Equal(t, "slow-error-3", r.tag("slow-", 3))
}

func TestDoSteps_EmptyList(t *testing.T) {
	r, _ := newRunner(t, nil)
	m := r.DoSteps(context.Background(), nil)
	res, ok := m.Result()
	require.True(t, ok)
	assert.Equal(t, 0, res)
}
