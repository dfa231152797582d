package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxorio/datacore/pkg/core"
	"github.com/fluxorio/datacore/pkg/source"
	"github.com/fluxorio/datacore/pkg/store"
)

type fakeTicker struct {
	d       time.Duration
	ch      chan time.Time
	stopped atomic.Bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               { t.stopped.Store(true) }

type tickers struct {
	mu  sync.Mutex
	all []*fakeTicker
}

func (ts *tickers) New(d time.Duration) Ticker {
	t := &fakeTicker{d: d, ch: make(chan time.Time)}
	ts.mu.Lock()
	ts.all = append(ts.all, t)
	ts.mu.Unlock()
	return t
}

func (ts *tickers) active() []*fakeTicker {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	var out []*fakeTicker
	for _, t := range ts.all {
		if !t.stopped.Load() {
			out = append(out, t)
		}
	}
	return out
}

func (ts *tickers) last() *fakeTicker {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.all[len(ts.all)-1]
}

type ingestFunc func(ctx context.Context, records []store.Record) (int, error)

func (f ingestFunc) Ingest(ctx context.Context, records []store.Record) (int, error) {
	return f(ctx, records)
}

type harness struct {
	p       *Poller
	tickers *tickers
	queue   chan func()
	fetches atomic.Int64
	ingests atomic.Int64
	errs    chan error
}

func newHarness(t *testing.T, batch []store.Record, fetchErr error) *harness {
	t.Helper()
	h := &harness{
		tickers: &tickers{},
		queue:   make(chan func(), 16),
		errs:    make(chan error, 16),
	}
	src := source.Func(func(context.Context) ([]store.Record, error) {
		h.fetches.Add(1)
		return batch, fetchErr
	})
	ing := ingestFunc(func(_ context.Context, records []store.Record) (int, error) {
		return len(records), nil
	})
	p, err := New(Config{
		Source:    src,
		Ingestor:  ing,
		Interval:  time.Second,
		Dispatch:  func(f func()) { h.queue <- f },
		NewTicker: h.tickers.New,
		OnIngest:  func(int, time.Time) { h.ingests.Add(1) },
		OnError:   func(err error) { h.errs <- err },
		Logger:    core.NewDiscardLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.p = p
	t.Cleanup(func() { p.Stop() })
	return h
}

// fire delivers one tick and returns the dispatched work
func (h *harness) fire(t *testing.T, tk *fakeTicker) func() {
	t.Helper()
	tk.ch <- time.Now()
	select {
	case f := <-h.queue:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("tick was not dispatched")
		return nil
	}
}

func TestStart_RunsImmediatelyThenOnTick(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	started, err := h.p.Start(ctx, 0)
	if err != nil || !started {
		t.Fatalf("Start() = %v, %v, want true, nil", started, err)
	}
	if got := h.fetches.Load(); got != 1 {
		t.Fatalf("fetches after Start = %d, want 1", got)
	}

	h.fire(t, h.tickers.last())()
	if got := h.fetches.Load(); got != 2 {
		t.Errorf("fetches after tick = %d, want 2", got)
	}
	if st := h.p.Status(); !st.Running || st.Interval != time.Second || st.Cycles != 2 {
		t.Errorf("Status() = %+v", st)
	}
}

func TestStart_WhileRunningIsNoop(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	if _, err := h.p.Start(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	started, err := h.p.Start(ctx, 3*time.Second)
	if err != nil || started {
		t.Errorf("second Start() = %v, %v, want false, nil", started, err)
	}
	if h.p.Interval() != time.Second {
		t.Errorf("Interval() = %v, want unchanged 1s", h.p.Interval())
	}
	if got := len(h.tickers.active()); got != 1 {
		t.Errorf("active tickers = %d, want 1", got)
	}
	if got := h.fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
}

func TestStop_DiscardsPendingTick(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	if _, err := h.p.Start(ctx, 0); err != nil {
		t.Fatal(err)
	}
	work := h.fire(t, h.tickers.last())

	if !h.p.Stop() {
		t.Fatal("Stop() = false on a running poller")
	}
	if h.p.Stop() {
		t.Error("second Stop() = true, want false")
	}
	work()
	if got := h.fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1 (stale tick must be skipped)", got)
	}
	if got := len(h.tickers.active()); got != 0 {
		t.Errorf("active tickers after Stop = %d, want 0", got)
	}
}

func TestSetInterval_RestartsWithoutDuplicateTimers(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	if _, err := h.p.Start(ctx, 0); err != nil {
		t.Fatal(err)
	}
	old := h.tickers.last()
	stale := h.fire(t, old)

	for _, d := range []time.Duration{2 * time.Second, 3 * time.Second} {
		if err := h.p.SetInterval(ctx, d); err != nil {
			t.Fatalf("SetInterval(%v) error = %v", d, err)
		}
	}

	active := h.tickers.active()
	if len(active) != 1 {
		t.Fatalf("active tickers = %d, want 1", len(active))
	}
	if active[0].d != 3*time.Second {
		t.Errorf("active ticker period = %v, want 3s", active[0].d)
	}
	// one immediate cycle per restart
	if got := h.fetches.Load(); got != 3 {
		t.Errorf("fetches = %d, want 3", got)
	}

	stale()
	if got := h.fetches.Load(); got != 3 {
		t.Errorf("fetches after stale tick = %d, want 3", got)
	}

	h.fire(t, active[0])()
	if got := h.fetches.Load(); got != 4 {
		t.Errorf("fetches after current tick = %d, want 4", got)
	}
}

func TestSetInterval_WhileStopped(t *testing.T) {
	h := newHarness(t, nil, nil)

	if err := h.p.SetInterval(context.Background(), 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if h.p.Running() {
		t.Error("SetInterval() must not start a stopped poller")
	}
	if h.p.Interval() != 10*time.Second {
		t.Errorf("Interval() = %v, want 10s", h.p.Interval())
	}
	if len(h.tickers.all) != 0 || h.fetches.Load() != 0 {
		t.Error("SetInterval() on a stopped poller must not arm or fetch")
	}

	if err := h.p.SetInterval(context.Background(), 0); !errors.Is(err, &core.Error{Code: core.CodeInvalidInput}) {
		t.Errorf("SetInterval(0) error = %v, want INVALID_INPUT", err)
	}
}

func TestRunCycle_IngestHook(t *testing.T) {
	batch := []store.Record{
		{Type: store.RecordMeasurement, Source: "s", Value: 1},
		{Type: store.RecordMeasurement, Source: "s", Value: 2},
	}
	h := newHarness(t, batch, nil)

	n, err := h.p.RunCycle(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("RunCycle() = %d, %v, want 2, nil", n, err)
	}
	if h.ingests.Load() != 1 {
		t.Errorf("OnIngest calls = %d, want 1", h.ingests.Load())
	}

	empty := newHarness(t, nil, nil)
	if n, _ := empty.p.RunCycle(context.Background()); n != 0 || empty.ingests.Load() != 0 {
		t.Error("empty fetch must not call OnIngest")
	}
}

func TestRunCycle_ErrorsAreReported(t *testing.T) {
	boom := errors.New("source down")
	h := newHarness(t, nil, boom)

	if _, err := h.p.RunCycle(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("RunCycle() error = %v, want %v", err, boom)
	}
	select {
	case err := <-h.errs:
		if !errors.Is(err, boom) {
			t.Errorf("OnError(%v), want %v", err, boom)
		}
	default:
		t.Error("OnError not called")
	}
	if st := h.p.Status(); !errors.Is(st.LastError, boom) {
		t.Errorf("Status().LastError = %v", st.LastError)
	}
}

func TestNew_RejectsNegativeInterval(t *testing.T) {
	_, err := New(Config{
		Source:   source.Func(func(context.Context) ([]store.Record, error) { return nil, nil }),
		Ingestor: ingestFunc(func(context.Context, []store.Record) (int, error) { return 0, nil }),
		Interval: -time.Second,
	})
	if !errors.Is(err, &core.Error{Code: core.CodeInvalidConfig}) {
		t.Errorf("New() error = %v, want INVALID_CONFIG", err)
	}
}
