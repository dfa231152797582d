// Package worker is the supervised worker process: it owns storage, the
// result cache and the poller, and serves host requests one at a time.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/fluxorio/datacore/pkg/cache"
	"github.com/fluxorio/datacore/pkg/core"
	"github.com/fluxorio/datacore/pkg/core/concurrency"
	"github.com/fluxorio/datacore/pkg/core/failfast"
	"github.com/fluxorio/datacore/pkg/dataservice"
	"github.com/fluxorio/datacore/pkg/db"
	"github.com/fluxorio/datacore/pkg/poller"
	"github.com/fluxorio/datacore/pkg/protocol"
	"github.com/fluxorio/datacore/pkg/source"
	"github.com/fluxorio/datacore/pkg/store"
)

const (
	DefaultShutdownGrace = 500 * time.Millisecond
	DefaultPanicGrace    = 100 * time.Millisecond
	DefaultMailboxSize   = 256
)

// Exit codes returned by Run
const (
	ExitOK    = 0
	ExitFault = 1
)

// Config configures a Runtime
type Config struct {
	Pool db.PoolConfig
	// Seed inserts the sample products into an empty store
	Seed bool

	Cache         cache.Config
	StrictFilters bool
	DefaultTake   int

	// Source feeds the poller. NewSource builds one while the worker
	// initializes instead, so a source that cannot connect is reported
	// like a storage failure. Exactly one of them is required.
	Source       source.Source
	NewSource    func() (source.Source, error)
	PollInterval time.Duration
	Autostart    bool
	// NewTicker overrides the poller's timer (tests)
	NewTicker func(time.Duration) poller.Ticker

	// ShutdownGrace is the pause between releasing resources and exiting
	ShutdownGrace time.Duration
	// PanicGrace lets the critical-error frame reach the host before exit
	PanicGrace  time.Duration
	MailboxSize int

	Logger core.Logger
	Now    func() time.Time
}

// item is one unit of work for the loop: a host frame or a poll tick
type item struct {
	msg  protocol.Message
	tick func()
}

// Runtime is the worker side of the protocol
type Runtime struct {
	cfg    Config
	logger core.Logger
	now    func() time.Time

	enc     *protocol.Encoder
	mailbox concurrency.Mailbox[item]

	pool    *db.Pool
	source  source.Source
	service *dataservice.Service
	poller  *poller.Poller
	initErr error
}

// New creates a runtime
func New(cfg Config) *Runtime {
	failfast.If((cfg.Source == nil) != (cfg.NewSource == nil), "worker: exactly one of Source and NewSource is required")
	if cfg.Logger == nil {
		cfg.Logger = core.NewDefaultLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.PanicGrace <= 0 {
		cfg.PanicGrace = DefaultPanicGrace
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultMailboxSize
	}
	return &Runtime{
		cfg:     cfg,
		logger:  cfg.Logger,
		now:     cfg.Now,
		mailbox: concurrency.NewBoundedMailbox[item](cfg.MailboxSize),
	}
}

// Run serves frames read from in and writes replies to out until a shutdown
// frame, the end of in, a fault, or ctx cancellation. It returns the process
// exit code.
func (r *Runtime) Run(ctx context.Context, in io.Reader, out io.Writer) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.enc = protocol.NewEncoder(out)
	r.initialize(ctx)

	go r.read(ctx, protocol.NewDecoder(in))

	if r.initErr == nil && r.cfg.Autostart {
		r.enqueueTick(func() { r.startPolling(ctx, "", 0) })
	}

	code := r.loop(ctx)
	cancel()
	r.mailbox.Close()
	return code
}

// initialize opens the source and storage. A failure is reported to the host and kept:
// the worker stays up to answer health checks and fails data requests.
func (r *Runtime) initialize(ctx context.Context) {
	if err := r.open(ctx); err != nil {
		r.initErr = core.Wrap(core.ErrInitialization, err)
		r.logger.Errorf("Initializing Error: %v", err)
		r.send(protocol.PollingError{Error: "Initializing Error: " + err.Error()})
		return
	}
	r.send(protocol.PollingStatus{Status: protocol.StatusInitialized, Interval: r.poller.Interval()})
}

func (r *Runtime) open(ctx context.Context) error {
	src := r.cfg.Source
	if src == nil {
		var err error
		if src, err = r.cfg.NewSource(); err != nil {
			return fmt.Errorf("source: %w", err)
		}
		r.source = src
	}

	pool, err := db.NewPool(r.cfg.Pool)
	if err != nil {
		return err
	}
	st := store.New(pool, r.logger)
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return err
	}
	if r.cfg.Seed {
		if _, err := st.SeedIfEmpty(ctx); err != nil {
			pool.Close()
			return err
		}
	}

	cacheCfg := r.cfg.Cache
	if cacheCfg.Now == nil {
		cacheCfg.Now = r.now
	}
	cacheCfg.OnSweep = func(removed int) {
		if removed > 0 {
			r.logger.Infof("Clear cache: Deleted %d items", removed)
		}
	}
	svc := dataservice.New(dataservice.Config{
		Store:         st,
		Cache:         cache.New[dataservice.Result](cacheCfg),
		Logger:        r.logger,
		StrictFilters: r.cfg.StrictFilters,
		DefaultTake:   r.cfg.DefaultTake,
		Now:           r.now,
	})

	p, err := poller.New(poller.Config{
		Source:    src,
		Ingestor:  svc,
		Interval:  r.cfg.PollInterval,
		Dispatch:  r.enqueueTick,
		NewTicker: r.cfg.NewTicker,
		OnIngest: func(count int, at time.Time) {
			r.send(protocol.NewDataAvailable{Count: count, Timestamp: at})
		},
		OnError: func(err error) {
			r.send(protocol.PollingError{Error: err.Error()})
		},
		Logger: r.logger,
		Now:    r.now,
	})
	if err != nil {
		pool.Close()
		return err
	}

	r.pool, r.service, r.poller = pool, svc, p
	return nil
}

// read feeds decoded frames into the mailbox. End of input is treated as a
// shutdown request since the host can no longer reach this process.
func (r *Runtime) read(ctx context.Context, dec *protocol.Decoder) {
	for {
		msg, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				r.logger.Info("Input closed, shutting down")
				_ = r.mailbox.Put(ctx, item{msg: protocol.Shutdown{}})
				return
			}
			if protocol.IsMalformed(err) {
				r.logger.Warnf("dropping malformed frame: %v", err)
				continue
			}
			r.logger.Errorf("read: %v", err)
			_ = r.mailbox.Put(ctx, item{msg: protocol.Shutdown{}})
			return
		}
		if err := r.mailbox.Put(ctx, item{msg: msg}); err != nil {
			return
		}
	}
}

// enqueueTick is the poller's dispatch. Ticks are dropped when the mailbox
// is full; the next tick catches up.
func (r *Runtime) enqueueTick(f func()) {
	if err := r.mailbox.Send(item{tick: f}); err != nil {
		r.logger.Warnf("dropping poll tick: %v", err)
	}
}

// loop handles one item at a time
func (r *Runtime) loop(ctx context.Context) int {
	for {
		it, err := r.mailbox.Receive(ctx)
		if err != nil {
			r.release()
			return ExitOK
		}
		done, code := r.safeHandle(ctx, it)
		if done {
			return code
		}
	}
}

func (r *Runtime) safeHandle(ctx context.Context, it item) (done bool, code int) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorf("Critical error: %v\n%s", rec, debug.Stack())
			r.send(protocol.PollingError{Error: fmt.Sprintf("Critical error: %v", rec)})
			time.Sleep(r.cfg.PanicGrace)
			done, code = true, ExitFault
		}
	}()

	if it.tick != nil {
		it.tick()
		return false, ExitOK
	}
	return r.handle(ctx, it.msg)
}

// handle dispatches one host frame
func (r *Runtime) handle(ctx context.Context, msg protocol.Message) (bool, int) {
	switch m := msg.(type) {
	case protocol.DataRequest:
		r.dataRequest(ctx, m)
	case protocol.StartPolling:
		r.startPolling(ctx, m.RequestID, m.Interval)
	case protocol.StopPolling:
		r.stopPolling(m.RequestID)
	case protocol.SetPollingInterval:
		r.setPollingInterval(ctx, m)
	case protocol.HealthCheck:
		r.send(protocol.HealthCheckResponse{RequestID: m.RequestID, Timestamp: r.now()})
	case protocol.InvalidateCache:
		r.invalidateCache(m.RequestID)
	case protocol.Shutdown:
		r.logger.Info("Shutdown requested")
		r.release()
		time.Sleep(r.cfg.ShutdownGrace)
		return true, ExitOK
	case protocol.DataResponse, protocol.PollingStatus, protocol.HealthCheckResponse,
		protocol.NewDataAvailable, protocol.PollingError:
		r.logger.Warnf("ignoring %s frame sent to the worker", m.Kind())
	default:
		r.logger.Warnf("unhandled message %T", msg)
	}
	return false, ExitOK
}

func (r *Runtime) fail(requestID string, err error) {
	r.send(protocol.ErrorResponse(requestID, err))
}

func (r *Runtime) dataRequest(ctx context.Context, m protocol.DataRequest) {
	if r.initErr != nil {
		r.fail(m.RequestID, r.initErr)
		return
	}
	v, err := r.service.Handle(ctx, m.Options)
	if err != nil {
		r.logger.Errorf("Error occurred: %v", err)
		r.fail(m.RequestID, err)
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		r.fail(m.RequestID, core.Wrap(core.ErrQueryFailure, err))
		return
	}
	r.send(protocol.DataResponse{RequestID: m.RequestID, Data: data})
}

func (r *Runtime) startPolling(ctx context.Context, requestID string, interval time.Duration) {
	if r.initErr != nil {
		r.fail(requestID, r.initErr)
		return
	}
	if _, err := r.poller.Start(ctx, interval); err != nil {
		r.fail(requestID, err)
		return
	}
	r.sendStatus(requestID)
}

func (r *Runtime) stopPolling(requestID string) {
	if r.initErr != nil {
		r.fail(requestID, r.initErr)
		return
	}
	r.poller.Stop()
	r.sendStatus(requestID)
}

func (r *Runtime) setPollingInterval(ctx context.Context, m protocol.SetPollingInterval) {
	if r.initErr != nil {
		r.fail(m.RequestID, r.initErr)
		return
	}
	if err := r.poller.SetInterval(ctx, m.Interval); err != nil {
		r.fail(m.RequestID, err)
		return
	}
	r.sendStatus(m.RequestID)
}

func (r *Runtime) sendStatus(requestID string) {
	st := r.poller.Status()
	status := protocol.StatusStopped
	if st.Running {
		status = protocol.StatusStarted
	}
	r.send(protocol.PollingStatus{RequestID: requestID, Status: status, Interval: st.Interval})
}

func (r *Runtime) invalidateCache(requestID string) {
	if r.initErr != nil {
		r.fail(requestID, r.initErr)
		return
	}
	r.service.InvalidateCache()
	r.send(protocol.DataResponse{RequestID: requestID, Status: protocol.StatusCacheInvalidated})
}

// release stops polling, closes storage and any source built by NewSource.
// It is safe to call twice.
func (r *Runtime) release() {
	if r.poller != nil {
		r.poller.Stop()
	}
	if r.pool != nil {
		if err := r.pool.Close(); err != nil {
			r.logger.Warnf("close pool: %v", err)
		}
		r.pool = nil
	}
	if c, ok := r.source.(source.Closer); ok {
		if err := c.Close(); err != nil {
			r.logger.Warnf("close source: %v", err)
		}
	}
	r.source = nil
}

func (r *Runtime) send(msg protocol.Message) {
	if err := r.enc.Encode(msg); err != nil {
		r.logger.Errorf("send %s: %v", msg.Kind(), err)
	}
}
