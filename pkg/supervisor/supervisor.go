// Package supervisor owns the worker process on the host side: it spawns it,
// watches its health, restarts it after faults, and multiplexes requests
// onto it by correlation id.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fluxorio/datacore/pkg/channel"
	"github.com/fluxorio/datacore/pkg/core"
	"github.com/fluxorio/datacore/pkg/core/failfast"
	"github.com/fluxorio/datacore/pkg/fsm"
	"github.com/fluxorio/datacore/pkg/observability/prometheus"
	"github.com/fluxorio/datacore/pkg/protocol"
)

const (
	DefaultHealthInterval = 30 * time.Second
	DefaultHealthTimeout  = 5 * time.Second
	DefaultRestartBackoff = time.Second
	DefaultCallTimeout    = 10 * time.Second
	DefaultShutdownGrace  = 2 * time.Second
)

// Lifecycle states
const (
	StateIdle         fsm.State = "idle"
	StateStarting     fsm.State = "starting"
	StateRunning      fsm.State = "running"
	StateUnresponsive fsm.State = "unresponsive"
	StateRestarting   fsm.State = "restarting"
	StateShuttingDown fsm.State = "shutting_down"
	StateDead         fsm.State = "dead"
	StateTerminated   fsm.State = "terminated"
)

var allStates = []string{
	string(StateIdle), string(StateStarting), string(StateRunning), string(StateUnresponsive),
	string(StateRestarting), string(StateShuttingDown), string(StateDead), string(StateTerminated),
}

const (
	evStart        fsm.Event = "start"
	evReady        fsm.Event = "ready"
	evUnresponsive fsm.Event = "unresponsive"
	evCrash        fsm.Event = "crash"
	evRestart      fsm.Event = "restart"
	evSpawned      fsm.Event = "spawned"
	evSpawnFailed  fsm.Event = "spawn_failed"
	evShutdown     fsm.Event = "shutdown"
	evTerminated   fsm.Event = "terminated"
)

// Restart reasons, used as metric labels
const (
	ReasonCrash          = "crash"
	ReasonUnresponsive   = "unresponsive"
	ReasonForwardFailure = "forward_failure"
)

// ErrAlreadyStarted is returned by a second Start
var ErrAlreadyStarted = errors.New("supervisor: already started")

// Config configures a Supervisor
type Config struct {
	Spawner Spawner

	HealthInterval time.Duration
	HealthTimeout  time.Duration
	RestartBackoff time.Duration
	CallTimeout    time.Duration
	ShutdownGrace  time.Duration

	Logger  core.Logger
	Metrics *prometheus.Metrics
	// NewID generates correlation ids (default core.GenerateRequestID)
	NewID func() string
}

// instance is one spawned worker. Its fields are guarded by Supervisor.mu.
type instance struct {
	gen            uint64
	proc           Process
	retiring       bool
	healthInFlight bool
}

// Supervisor keeps at most one worker alive and routes requests to it
type Supervisor struct {
	cfg     Config
	logger  core.Logger
	metrics *prometheus.Metrics
	machine *fsm.StateMachine
	table   *channel.Table[protocol.Message]

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	cur          *instance
	gen          uint64
	started      bool
	shuttingDown bool
	restartTimer *time.Timer
	watchdogDone chan struct{}

	subMu       sync.RWMutex
	subscribers map[int]func(protocol.Message)
	nextSub     int
}

// New creates an idle supervisor
func New(cfg Config) *Supervisor {
	failfast.NotNil(cfg.Spawner, "spawner")
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = DefaultRestartBackoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NewDefaultLogger()
	}

	s := &Supervisor{
		cfg:         cfg,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		subscribers: make(map[int]func(protocol.Message)),
	}
	s.table = channel.NewTable[protocol.Message](channel.Options{
		NewID: cfg.NewID,
		OnDrop: func(id string) {
			s.logger.Debugf("dropping unmatched response %s", id)
		},
	})
	s.machine = newMachine()
	s.machine.OnTransition(func(t fsm.TransitionContext) {
		s.logger.Infof("worker %s -> %s (%s)", t.From, t.To, t.Event)
		s.metrics.SetWorkerState(string(t.To), allStates...)
	})
	s.metrics.SetWorkerState(string(StateIdle), allStates...)
	return s
}

func newMachine() *fsm.StateMachine {
	m := fsm.New("worker", StateIdle)
	m.Configure(StateIdle).
		Permit(evStart, StateStarting).
		Permit(evShutdown, StateTerminated)
	m.Configure(StateStarting).
		Permit(evReady, StateRunning).
		Permit(evUnresponsive, StateUnresponsive).
		Permit(evCrash, StateDead).
		Permit(evSpawnFailed, StateDead).
		Permit(evShutdown, StateShuttingDown).
		Ignore(evSpawned)
	m.Configure(StateRunning).
		Permit(evUnresponsive, StateUnresponsive).
		Permit(evCrash, StateDead).
		Permit(evShutdown, StateShuttingDown).
		Ignore(evReady)
	m.Configure(StateUnresponsive).
		Permit(evRestart, StateRestarting).
		Permit(evShutdown, StateShuttingDown).
		Ignore(evCrash)
	m.Configure(StateDead).
		Permit(evRestart, StateRestarting).
		Permit(evShutdown, StateShuttingDown)
	m.Configure(StateRestarting).
		Permit(evSpawned, StateStarting).
		Permit(evSpawnFailed, StateDead).
		Permit(evShutdown, StateShuttingDown)
	m.Configure(StateShuttingDown).
		Permit(evTerminated, StateTerminated)
	return m
}

func (s *Supervisor) fire(event fsm.Event) {
	if _, err := s.machine.Fire(event); err != nil {
		s.logger.Debugf("worker lifecycle: %v", err)
	}
}

// State returns the lifecycle state
func (s *Supervisor) State() fsm.State {
	return s.machine.CurrentState()
}

// Start spawns the worker and begins the watchdog. If the first spawn fails
// the error is returned and a respawn is scheduled after the backoff.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.fire(evStart)

	err := s.spawnLocked(ctx)

	s.watchdogDone = make(chan struct{})
	go s.watchdog(s.ctx, s.watchdogDone)
	return err
}

// spawnLocked starts a new instance. The previous one must have exited.
func (s *Supervisor) spawnLocked(ctx context.Context) error {
	proc, err := s.cfg.Spawner.Spawn(ctx)
	if err != nil {
		s.logger.Errorf("spawn worker: %v", err)
		s.fire(evSpawnFailed)
		s.scheduleRestartLocked()
		return err
	}
	s.gen++
	inst := &instance{gen: s.gen, proc: proc}
	s.cur = inst
	s.fire(evSpawned)
	s.logger.Infof("Creating worker (generation %d)", inst.gen)

	go s.pump(inst)
	go s.awaitExit(inst)
	return nil
}

func (s *Supervisor) scheduleRestartLocked() {
	if s.restartTimer != nil {
		return
	}
	s.restartTimer = time.AfterFunc(s.cfg.RestartBackoff, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.restartTimer = nil
		if s.shuttingDown || s.cur != nil {
			return
		}
		s.fire(evRestart)
		s.logger.Info("Restarting worker...")
		_ = s.spawnLocked(s.ctx)
	})
}

// pump routes frames from inst
func (s *Supervisor) pump(inst *instance) {
	for msg := range inst.proc.Frames() {
		s.route(inst, msg)
	}
}

func (s *Supervisor) current(inst *instance) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur == inst
}

func (s *Supervisor) route(inst *instance, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.PollingStatus:
		if m.Status == protocol.StatusInitialized && s.current(inst) {
			s.fire(evReady)
		}
		if m.RequestID != "" {
			s.table.Resolve(m.RequestID, m)
		}
		s.notify(m)
	case protocol.PollingError:
		if s.State() == StateStarting && s.current(inst) {
			// storage or the source failed to open; the worker still answers, with errors
			s.logger.Errorf("worker initialization failed: %s", m.Error)
			s.fire(evReady)
		}
		s.metrics.RecordPollingError()
		s.notify(m)
	case protocol.NewDataAvailable:
		s.metrics.RecordIngested(m.Count)
		s.notify(m)
	case protocol.DataResponse, protocol.HealthCheckResponse:
		s.table.Resolve(m.Correlation(), m)
	default:
		s.logger.Warnf("Unknown message: %s", msg.Kind())
	}
}

// awaitExit handles the end of inst. A retiring instance is replaced at
// once; any other exit is a crash and is replaced after the backoff.
func (s *Supervisor) awaitExit(inst *instance) {
	<-inst.proc.Exited()
	err := inst.proc.ExitErr()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != inst {
		return
	}
	s.cur = nil
	failed := s.table.FailAll(core.Wrap(core.ErrWorkerUnavailable, fmt.Errorf("worker generation %d exited", inst.gen)))
	s.metrics.SetInFlight(s.table.Len())

	if s.shuttingDown {
		return
	}
	if inst.retiring {
		s.logger.Warnf("worker generation %d terminated, replacing it", inst.gen)
		s.fire(evRestart)
		_ = s.spawnLocked(s.ctx)
		return
	}

	s.logger.Errorf("Worker exited unexpectedly (generation %d): %v; %d requests failed", inst.gen, err, failed)
	s.metrics.RecordRestart(ReasonCrash)
	s.fire(evCrash)
	s.scheduleRestartLocked()
}

// retire kills inst once. Its replacement is spawned after it exits.
func (s *Supervisor) retire(inst *instance, reason string) {
	s.mu.Lock()
	if s.cur != inst || inst.retiring || s.shuttingDown {
		s.mu.Unlock()
		return
	}
	inst.retiring = true
	s.metrics.RecordRestart(reason)
	s.fire(evUnresponsive)
	s.mu.Unlock()

	s.logger.Errorf("retiring worker generation %d: %s", inst.gen, reason)
	if err := inst.proc.Kill(); err != nil {
		s.logger.Warnf("kill worker generation %d: %v", inst.gen, err)
	}
}

func (s *Supervisor) watchdog(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.checkHealth(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// checkHealth pings the current instance unless a ping is already in flight
func (s *Supervisor) checkHealth(ctx context.Context) {
	s.mu.Lock()
	inst := s.cur
	if inst == nil || inst.retiring || inst.healthInFlight {
		s.mu.Unlock()
		return
	}
	inst.healthInFlight = true
	s.mu.Unlock()

	go func() {
		_, err := s.call(ctx, inst, protocol.HealthCheck{}, s.cfg.HealthTimeout)

		var fwd *forwardError
		switch {
		case err == nil:
			s.logger.Debug("Worker alive")
		case errors.As(err, &fwd):
			s.retire(inst, ReasonForwardFailure)
		case errors.Is(err, core.ErrRequestTimeout):
			s.logger.Error("Worker health check timeout")
			s.metrics.RecordHealthCheckFailure()
			s.retire(inst, ReasonUnresponsive)
		}

		// cleared after retire so no tick can ping a worker being replaced
		s.mu.Lock()
		inst.healthInFlight = false
		s.mu.Unlock()
	}()
}

// forwardError marks a failure to write to the worker
type forwardError struct{ err error }

func (e *forwardError) Error() string { return "forward: " + e.err.Error() }
func (e *forwardError) Unwrap() error { return e.err }

func (s *Supervisor) call(ctx context.Context, inst *instance, msg protocol.Message, timeout time.Duration) (protocol.Message, error) {
	resp, err := s.table.Call(ctx, timeout, func(id string) error {
		if err := inst.proc.Send(protocol.WithRequestID(msg, id)); err != nil {
			return &forwardError{err: err}
		}
		s.metrics.SetInFlight(s.table.Len())
		return nil
	})
	s.metrics.SetInFlight(s.table.Len())
	return resp, err
}

// Submit forwards msg to the worker and waits for the correlated reply. It
// fails at once with core.ErrWorkerUnavailable when no worker is live. A
// reply carrying an error is returned as that error. If the write to the
// worker fails, the worker is discarded and replaced.
func (s *Supervisor) Submit(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	start := time.Now()
	resp, err := s.submit(ctx, msg)
	s.metrics.RecordWorkerRequest(string(msg.Kind()), outcome(err), time.Since(start))
	return resp, err
}

func (s *Supervisor) submit(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	s.mu.Lock()
	inst := s.cur
	unavailable := inst == nil || inst.retiring || s.shuttingDown
	s.mu.Unlock()
	if unavailable {
		return nil, core.ErrWorkerUnavailable
	}

	resp, err := s.call(ctx, inst, msg, s.cfg.CallTimeout)
	if err != nil {
		var fwd *forwardError
		if errors.As(err, &fwd) {
			s.logger.Errorf("Worker error: %v", fwd.err)
			s.retire(inst, ReasonForwardFailure)
			return nil, core.Wrap(core.ErrWorkerUnavailable, fwd.err)
		}
		return nil, err
	}
	if err := protocol.ResponseError(resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, core.ErrWorkerUnavailable):
		return "unavailable"
	case errors.Is(err, core.ErrRequestTimeout):
		return "timeout"
	default:
		return "error"
	}
}

// Shutdown stops the watchdog, asks the worker to stop, and kills it if it
// has not exited within the grace period. Pending requests fail with
// core.ErrWorkerUnavailable. No restart follows.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.shuttingDown = true
	if s.cancel != nil {
		s.cancel()
	}
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	inst := s.cur
	watchdogDone := s.watchdogDone
	s.fire(evShutdown)
	s.mu.Unlock()

	if watchdogDone != nil {
		<-watchdogDone
	}
	s.table.FailAll(core.Wrap(core.ErrWorkerUnavailable, errors.New("supervisor shutting down")))
	s.metrics.SetInFlight(0)

	var err error
	if inst != nil {
		err = s.stop(ctx, inst)
	}
	s.fire(evTerminated)
	return err
}

func (s *Supervisor) stop(ctx context.Context, inst *instance) error {
	if err := inst.proc.Send(protocol.Shutdown{}); err != nil {
		s.logger.Warnf("Worker shutdown error: %v", err)
	}

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-inst.proc.Exited():
		return nil
	case <-grace.C:
		s.logger.Warnf("worker generation %d ignored shutdown, killing it", inst.gen)
	case <-ctx.Done():
	}

	if err := inst.proc.Kill(); err != nil {
		return fmt.Errorf("kill worker: %w", err)
	}
	select {
	case <-inst.proc.Exited():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers fn for unsolicited worker frames (new-data-available,
// polling-status and polling-error). fn runs on the frame reader and must
// not block. The returned function removes the subscription.
func (s *Supervisor) Subscribe(fn func(protocol.Message)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

func (s *Supervisor) notify(msg protocol.Message) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, fn := range s.subscribers {
		fn(msg)
	}
}

// Generation returns the number of workers spawned so far
func (s *Supervisor) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Pending returns the number of requests awaiting a reply
func (s *Supervisor) Pending() int {
	return s.table.Len()
}
