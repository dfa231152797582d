// Package poller runs the timer-driven ingestion loop: fetch from a source,
// persist the batch, announce what arrived.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fluxorio/datacore/pkg/core"
	"github.com/fluxorio/datacore/pkg/core/failfast"
	"github.com/fluxorio/datacore/pkg/observability/otel"
	"github.com/fluxorio/datacore/pkg/source"
	"github.com/fluxorio/datacore/pkg/store"
)

// DefaultInterval is the polling period when none is configured
const DefaultInterval = 5 * time.Second

// Ingestor persists a batch and returns how many records were saved
type Ingestor interface {
	Ingest(ctx context.Context, records []store.Record) (int, error)
}

// Ticker is the subset of time.Ticker the poller uses
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// Config configures a Poller
type Config struct {
	Source   source.Source
	Ingestor Ingestor
	Interval time.Duration

	// Dispatch runs a tick's work. The worker passes a function that queues
	// onto its mailbox so cycles never overlap request handling. The default
	// runs the work on the ticker goroutine.
	Dispatch func(func())
	// NewTicker creates the repeating timer (default time.NewTicker)
	NewTicker func(time.Duration) Ticker

	// OnIngest is called after a cycle saved at least one record
	OnIngest func(count int, at time.Time)
	// OnError is called when a cycle fails; polling continues
	OnError func(err error)

	Logger core.Logger
	Now    func() time.Time
}

// Status is a snapshot of the poller
type Status struct {
	Running    bool
	Interval   time.Duration
	Generation uint64
	Cycles     uint64
	LastRun    time.Time
	LastError  error
}

// Poller owns at most one armed ticker at a time. Every Start, Stop and
// SetInterval bumps the generation; ticks from an older generation are
// discarded when they reach the front of the dispatch queue.
type Poller struct {
	source    source.Source
	ingestor  Ingestor
	dispatch  func(func())
	newTicker func(time.Duration) Ticker
	onIngest  func(int, time.Time)
	onError   func(error)
	logger    core.Logger
	now       func() time.Time

	mu         sync.Mutex
	running    bool
	interval   time.Duration
	generation uint64
	ticker     Ticker
	stopTicker chan struct{}
	cycles     uint64
	lastRun    time.Time
	lastErr    error
}

// New creates a stopped poller
func New(cfg Config) (*Poller, error) {
	failfast.NotNil(cfg.Source, "source")
	failfast.NotNil(cfg.Ingestor, "ingestor")
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Interval < 0 {
		return nil, &core.Error{Code: core.CodeInvalidConfig, Message: fmt.Sprintf("poller: interval %v must be positive", cfg.Interval)}
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = func(f func()) { f() }
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = newTimeTicker
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NewDefaultLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Poller{
		source:    cfg.Source,
		ingestor:  cfg.Ingestor,
		dispatch:  cfg.Dispatch,
		newTicker: cfg.NewTicker,
		onIngest:  cfg.OnIngest,
		onError:   cfg.OnError,
		logger:    cfg.Logger,
		now:       cfg.Now,
		interval:  cfg.Interval,
	}, nil
}

func invalidInterval(d time.Duration) error {
	return &core.Error{Code: core.CodeInvalidInput, Message: fmt.Sprintf("poller: interval %v must be positive", d)}
}

// Start runs one cycle immediately and then one per interval. A zero
// interval keeps the current one. Start on a running poller does nothing
// and returns false.
func (p *Poller) Start(ctx context.Context, interval time.Duration) (bool, error) {
	if interval < 0 {
		return false, invalidInterval(interval)
	}
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return false, nil
	}
	if interval > 0 {
		p.interval = interval
	}
	p.running = true
	p.generation++
	gen, d := p.generation, p.interval
	p.mu.Unlock()

	p.logger.Infof("Start polling (Interval: %v)", d)
	p.RunCycle(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	// Stop may have run from inside the first cycle's callbacks
	if p.generation == gen {
		p.armLocked(ctx, gen, d)
	}
	return true, nil
}

// Stop disarms the ticker. It returns false if the poller was not running.
func (p *Poller) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return false
	}
	p.running = false
	p.generation++
	p.disarmLocked()
	p.logger.Info("Polling stopped")
	return true
}

// SetInterval changes the period. A running poller restarts: the old ticker
// is disarmed, a cycle runs immediately and a new ticker is armed.
func (p *Poller) SetInterval(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return invalidInterval(interval)
	}
	p.mu.Lock()
	p.interval = interval
	running := p.running
	p.mu.Unlock()

	if !running {
		return nil
	}
	p.Stop()
	_, err := p.Start(ctx, interval)
	return err
}

// Status returns a snapshot
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Running:    p.running,
		Interval:   p.interval,
		Generation: p.generation,
		Cycles:     p.cycles,
		LastRun:    p.lastRun,
		LastError:  p.lastErr,
	}
}

// Running reports whether a ticker is armed
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Interval returns the current period
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

func (p *Poller) armLocked(ctx context.Context, gen uint64, d time.Duration) {
	t := p.newTicker(d)
	stop := make(chan struct{})
	p.ticker, p.stopTicker = t, stop

	go func() {
		for {
			select {
			case <-t.C():
				p.dispatch(func() { p.tick(ctx, gen) })
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *Poller) disarmLocked() {
	if p.ticker == nil {
		return
	}
	p.ticker.Stop()
	close(p.stopTicker)
	p.ticker, p.stopTicker = nil, nil
}

// tick runs a cycle unless gen has been superseded
func (p *Poller) tick(ctx context.Context, gen uint64) {
	p.mu.Lock()
	current := p.running && p.generation == gen
	p.mu.Unlock()
	if !current {
		p.logger.Debugf("skipping stale poll tick (generation %d)", gen)
		return
	}
	p.RunCycle(ctx)
}

// RunCycle fetches once and persists what arrived. It returns the number of
// records saved. Errors are reported through OnError and returned.
func (p *Poller) RunCycle(ctx context.Context) (saved int, err error) {
	ctx, span := otel.StartSpan(ctx, "poller.cycle")
	defer func() {
		span.SetAttributes(attribute.Int("poll.saved", saved))
		otel.EndSpan(span, err)
		p.finish(err)
	}()

	records, err := p.source.Fetch(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	saved, err = p.ingestor.Ingest(ctx, records)
	if err != nil {
		return 0, err
	}
	if saved > 0 {
		p.logger.Infof("Collected %d new records", saved)
		if p.onIngest != nil {
			p.onIngest(saved, p.now())
		}
	}
	return saved, nil
}

func (p *Poller) finish(err error) {
	p.mu.Lock()
	p.cycles++
	p.lastRun = p.now()
	p.lastErr = err
	p.mu.Unlock()

	if err != nil {
		p.logger.Errorf("Error polling real time data: %v", err)
		if p.onError != nil {
			p.onError(err)
		}
	}
}
