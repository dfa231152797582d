package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/fluxorio/datacore/pkg/core"
	"github.com/fluxorio/datacore/pkg/protocol"
)

// Process is a running worker
type Process interface {
	// Send writes one frame to the worker
	Send(msg protocol.Message) error
	// Frames delivers frames from the worker and is closed when its output ends
	Frames() <-chan protocol.Message
	// Exited is closed once the process has terminated
	Exited() <-chan struct{}
	// ExitErr is the termination cause, valid after Exited is closed.
	// nil means the process exited with status 0.
	ExitErr() error
	// Kill terminates the process without waiting
	Kill() error
}

// Spawner starts worker processes
type Spawner interface {
	Spawn(ctx context.Context) (Process, error)
}

// SpawnerFunc adapts a function to Spawner
type SpawnerFunc func(ctx context.Context) (Process, error)

// Spawn calls f
func (f SpawnerFunc) Spawn(ctx context.Context) (Process, error) {
	return f(ctx)
}

// ExecSpawner runs the worker as a child process speaking the protocol on
// its stdin and stdout
type ExecSpawner struct {
	// Path of the binary; empty re-executes the current one
	Path string
	// Args default to ["worker"]
	Args []string
	// Env is appended to the parent environment
	Env []string
	// Stderr receives the worker's log output (default os.Stderr)
	Stderr io.Writer
	Logger core.Logger
}

// Spawn starts the process
func (s ExecSpawner) Spawn(ctx context.Context) (Process, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("spawn: locate executable: %w", err)
		}
		path = exe
	}
	args := s.Args
	if args == nil {
		args = []string{"worker"}
	}
	logger := s.Logger
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	// The process outlives ctx; it is ended by Kill or a shutdown frame.
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn: stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn: stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", path, err)
	}

	p := &execProcess{
		cmd:    cmd,
		stdin:  stdin,
		enc:    protocol.NewEncoder(stdin),
		frames: make(chan protocol.Message, 64),
		exited: make(chan struct{}),
		logger: logger,
	}
	go p.run(stdout)
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *protocol.Encoder
	frames chan protocol.Message
	exited chan struct{}
	logger core.Logger

	exitErr  error
	killOnce sync.Once
}

// run drains stdout before Wait, which closes the pipes
func (p *execProcess) run(stdout io.Reader) {
	dec := protocol.NewDecoder(stdout)
	for {
		msg, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if protocol.IsMalformed(err) {
				p.logger.Warnf("worker %d: dropping frame: %v", p.cmd.Process.Pid, err)
				continue
			}
			p.logger.Errorf("worker %d: read: %v", p.cmd.Process.Pid, err)
			break
		}
		p.frames <- msg
	}
	close(p.frames)
	p.exitErr = p.cmd.Wait()
	close(p.exited)
}

func (p *execProcess) Send(msg protocol.Message) error {
	select {
	case <-p.exited:
		return fmt.Errorf("worker %d has exited", p.cmd.Process.Pid)
	default:
	}
	return p.enc.Encode(msg)
}

func (p *execProcess) Frames() <-chan protocol.Message { return p.frames }
func (p *execProcess) Exited() <-chan struct{}         { return p.exited }
func (p *execProcess) ExitErr() error                  { return p.exitErr }

func (p *execProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		p.stdin.Close()
		err = p.cmd.Process.Kill()
		if errors.Is(err, os.ErrProcessDone) {
			err = nil
		}
	})
	return err
}
