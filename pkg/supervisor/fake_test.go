package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxorio/datacore/pkg/protocol"
)

var errKilled = errors.New("signal: killed")

// fakeProcess is an in-memory worker. Frames sent by the supervisor go to
// inbox; behave decides how to answer them.
type fakeProcess struct {
	inbox  chan protocol.Message
	frames chan protocol.Message
	exited chan struct{}

	mu       sync.Mutex
	exitErr  error
	done     bool
	sendErr  error
	received []protocol.Message

	killed atomic.Bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		inbox:  make(chan protocol.Message, 64),
		frames: make(chan protocol.Message, 64),
		exited: make(chan struct{}),
	}
}

func (p *fakeProcess) Send(msg protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	if p.done {
		return errors.New("process has exited")
	}
	p.received = append(p.received, msg)
	p.inbox <- msg
	return nil
}

func (p *fakeProcess) Frames() <-chan protocol.Message { return p.frames }
func (p *fakeProcess) Exited() <-chan struct{}         { return p.exited }

func (p *fakeProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit(errKilled)
	return nil
}

// emit sends an unsolicited or reply frame to the supervisor
func (p *fakeProcess) emit(msg protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.done {
		p.frames <- msg
	}
}

func (p *fakeProcess) exit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.done = true
	p.exitErr = err
	close(p.frames)
	close(p.inbox)
	close(p.exited)
}

func (p *fakeProcess) count(kind protocol.Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.received {
		if m.Kind() == kind {
			n++
		}
	}
	return n
}

// behavior answers frames for one process
type behavior struct {
	ignoreHealth   bool
	ignoreData     bool
	ignoreShutdown bool
	sendErr        error
	skipReady      bool
	// onData, when set, answers data requests instead of the default reply
	onData func(p *fakeProcess, m protocol.DataRequest)
}

func (b behavior) run(p *fakeProcess) {
	if !b.skipReady {
		p.emit(protocol.PollingStatus{Status: protocol.StatusInitialized})
	}
	for msg := range p.inbox {
		switch m := msg.(type) {
		case protocol.HealthCheck:
			if !b.ignoreHealth {
				p.emit(protocol.HealthCheckResponse{RequestID: m.RequestID, Timestamp: time.Now()})
			}
		case protocol.DataRequest:
			if b.onData != nil {
				b.onData(p, m)
			} else if !b.ignoreData {
				data, _ := json.Marshal(map[string]string{"type": m.Options.Type})
				p.emit(protocol.DataResponse{RequestID: m.RequestID, Data: data})
			}
		case protocol.InvalidateCache:
			p.emit(protocol.DataResponse{RequestID: m.RequestID, Status: protocol.StatusCacheInvalidated})
		case protocol.StartPolling:
			p.emit(protocol.PollingStatus{RequestID: m.RequestID, Status: protocol.StatusStarted, Interval: m.Interval})
		case protocol.Shutdown:
			if !b.ignoreShutdown {
				go p.exit(nil)
			}
		}
	}
}

// fakeSpawner hands out fake processes; behaviors[i] drives the i-th one
// and the last behavior repeats.
type fakeSpawner struct {
	mu        sync.Mutex
	behaviors []behavior
	procs     []*fakeProcess
	failNext  int
}

func (f *fakeSpawner) Spawn(context.Context) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("exec: binary not found")
	}
	b := behavior{}
	if len(f.behaviors) > 0 {
		i := len(f.procs)
		if i >= len(f.behaviors) {
			i = len(f.behaviors) - 1
		}
		b = f.behaviors[i]
	}
	p := newFakeProcess()
	p.sendErr = b.sendErr
	f.procs = append(f.procs, p)
	go b.run(p)
	return p, nil
}

func (f *fakeSpawner) spawned() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *fakeSpawner) proc(i int) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}
