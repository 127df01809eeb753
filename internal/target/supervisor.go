// Package target supervises the backend process behind a lazy proxy: it
// spawns the process on demand, waits for its readiness probes, stops it
// with the configured signal and reports its exit.
package target

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/tarasglek/lazyproxy/internal/config"
	"github.com/tarasglek/lazyproxy/internal/freeport"
	"github.com/tarasglek/lazyproxy/internal/metrics"
	"github.com/tarasglek/lazyproxy/internal/readiness"
)

// waitDelay bounds how long Wait keeps reading output after the target exits,
// in case a grandchild holds its pipes open.
const waitDelay = 2 * time.Second

// Options wires a Supervisor to its owner.
type Options struct {
	// Locker guards the supervisor. Start, Stop, State, URL, PID and Kill
	// must be called with it held, and every callback runs with it held.
	Locker sync.Locker
	Logger *zap.Logger

	// OnReady is called once all probes of a spawned process succeeded.
	OnReady func()
	// OnExit is called once per spawned process, when it exits or fails to
	// start. Calling Start from OnExit requests a restart.
	OnExit func(Exit)

	// OnStdout and OnStderr receive output lines of the process. When nil,
	// lines are logged.
	OnStdout func(line string)
	OnStderr func(line string)

	// AllocatePort picks a port when the config has no fixed target port.
	AllocatePort func(host string) (int, error)
	Client       *http.Client
	Metrics      *metrics.Proxy
}

// Supervisor owns at most one target process at a time.
type Supervisor struct {
	cfg  config.Proxy
	opts Options
	log  *zap.Logger

	state        State
	proc         *process
	port         int
	cancelProbes context.CancelFunc
}

// New returns an idle supervisor for cfg.
func New(cfg config.Proxy, opts Options) *Supervisor {
	if opts.Locker == nil {
		opts.Locker = &sync.Mutex{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.AllocatePort == nil {
		opts.AllocatePort = freeport.Allocate
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	s := &Supervisor{
		cfg:  cfg,
		opts: opts,
		log:  opts.Logger,
	}
	opts.Metrics.TargetState("", s.state.String())
	return s
}

// State returns the current state.
func (s *Supervisor) State() State {
	return s.state
}

// URL returns the base URL of the current process, or nil when there is no
// address traffic may be sent to.
func (s *Supervisor) URL() *url.URL {
	if s.proc == nil || s.port == 0 {
		return nil
	}
	return &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(s.cfg.TargetHost, strconv.Itoa(s.port)),
	}
}

// PID returns the pid of the current process, or 0.
func (s *Supervisor) PID() int {
	if s.proc == nil {
		return 0
	}
	return int(s.proc.pid.Load())
}

// Start spawns the target, or requests a restart while it is stopping.
func (s *Supervisor) Start() {
	s.handle(EventStart)
}

// Stop sends the termination signal to the target.
func (s *Supervisor) Stop() {
	s.handle(EventStop)
}

// Kill sends SIGKILL to the process group of the current process.
func (s *Supervisor) Kill() {
	pid := s.PID()
	if pid == 0 {
		return
	}
	s.log.Warn("killing target process group", zap.Int("pid", pid))
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		s.log.Error("failed to kill target process group", zap.Int("pid", pid), zap.Error(err))
	}
}

func (s *Supervisor) handle(event Event) {
	next, action, err := Transition(s.state, event)
	if err != nil {
		s.log.Fatal("target state machine out of sync", zap.Error(err))
		return
	}
	if next != s.state || action != ActionNone {
		s.log.Debug("target transition",
			zap.Stringer("from", s.state),
			zap.Stringer("event", event),
			zap.Stringer("to", next),
			zap.Stringer("action", action))
	}
	s.setState(next)

	switch action {
	case ActionSpawn:
		s.spawn()
	case ActionSignal:
		s.signal()
	case ActionNotifyReady:
		s.log.Info("target ready", zap.Int("pid", s.PID()), zap.Stringer("url", s.URL()))
		if s.opts.OnReady != nil {
			s.opts.OnReady()
		}
	}
}

func (s *Supervisor) setState(next State) {
	if next == s.state {
		return
	}
	if s.state == Starting && s.cancelProbes != nil {
		s.cancelProbes()
		s.cancelProbes = nil
	}
	s.opts.Metrics.TargetState(s.state.String(), next.String())
	s.state = next
}

func (s *Supervisor) spawn() {
	p := &process{recent: newRecentOutput(recentLines)}
	s.proc = p

	port := s.cfg.TargetPort
	if port == 0 {
		var err error
		if port, err = s.opts.AllocatePort(s.cfg.TargetHost); err != nil {
			go s.exited(p, Exit{Code: -1, Err: fmt.Errorf("allocate target port: %w", err)})
			return
		}
	}

	if len(s.cfg.Command) == 0 {
		go s.exited(p, Exit{Code: -1, Err: errors.New("no target command")})
		return
	}
	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Env = environ(s.cfg.Environment, s.cfg.TargetPortEnvironmentVariable, port)
	configureProcAttrs(cmd)
	p.stdout = newLineWriter(s.sink(p, "stdout", s.opts.OnStdout))
	p.stderr = newLineWriter(s.sink(p, "stderr", s.opts.OnStderr))
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	cmd.WaitDelay = waitDelay

	s.log.Info("starting target",
		zap.String("executable", cmd.Path),
		zap.Strings("args", cmd.Args),
		zap.Int("port", port))

	if err := cmd.Start(); err != nil {
		s.log.Error("failed to start target",
			zap.String("executable", cmd.Path),
			zap.Error(err))
		go s.exited(p, Exit{Code: -1, Err: err})
		return
	}
	p.cmd = cmd
	p.pid.Store(int64(cmd.Process.Pid))
	s.port = port
	s.opts.Metrics.TargetSpawned()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelProbes = cancel

	go s.wait(p)
	go s.probe(ctx, p, s.probeSpecs(port))
}

func (s *Supervisor) sink(p *process, stream string, hook func(string)) func(string) {
	return func(line string) {
		p.recent.add(line)
		if hook != nil {
			hook(line)
			return
		}
		s.log.Info("subprocess "+stream,
			zap.Int64("pid", p.pid.Load()),
			zap.String("msg", line))
	}
}

func (s *Supervisor) signal() {
	p := s.proc
	s.port = 0
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return
	}
	sig := s.cfg.TargetTerminationSignal
	s.log.Info("stopping target", zap.Int64("pid", p.pid.Load()), zap.Stringer("signal", sig))
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Warn("failed to signal target", zap.Int64("pid", p.pid.Load()), zap.Error(err))
	}
}

// wait reaps the process and reports its exit.
func (s *Supervisor) wait(p *process) {
	err := p.cmd.Wait()
	p.stdout.Flush()
	p.stderr.Flush()

	exit := Exit{Code: -1}
	if ps := p.cmd.ProcessState; ps != nil {
		exit.Code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			exit.Signal = ws.Signal()
		}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		exit.Err = err
	}
	s.exited(p, exit)
}

// exited handles the first exit report of p. Reports for a process that is
// no longer current, and repeated reports, are dropped.
func (s *Supervisor) exited(p *process, exit Exit) {
	s.opts.Locker.Lock()
	defer s.opts.Locker.Unlock()

	if p.reported || s.proc != p {
		return
	}
	p.reported = true

	exit.PID = int(p.pid.Load())
	if exit.Err == nil {
		exit.Err = p.readinessErr
	}
	exit.RecentOutput = p.recent.Lines()

	if s.cancelProbes != nil {
		s.cancelProbes()
		s.cancelProbes = nil
	}
	s.proc = nil
	s.port = 0

	fields := []zap.Field{
		zap.Int("pid", exit.PID),
		zap.Int("code", exit.Code),
		zap.Stringer("state", s.state),
	}
	if exit.Signal != 0 {
		fields = append(fields, zap.Stringer("signal", exit.Signal))
	}
	if exit.Err != nil {
		fields = append(fields, zap.Error(exit.Err))
	}
	s.log.Info("target exited", fields...)
	s.opts.Metrics.TargetExited(exit.reason())

	if s.opts.OnExit != nil {
		s.opts.OnExit(exit)
	}
	s.handle(EventExited)
}

func (s *Supervisor) probeSpecs(port int) []readiness.Spec {
	base := "http://" + net.JoinHostPort(s.cfg.TargetHost, strconv.Itoa(port))
	specs := make([]readiness.Spec, 0, len(s.cfg.Probes))
	for _, probe := range s.cfg.Probes {
		specs = append(specs, readiness.Spec{
			URL:        base + probe.Path,
			MaxTries:   probe.MaxTries,
			RetryDelay: probe.RetryDelay,
			Timeout:    probe.Timeout,
		})
	}
	return specs
}

// probe waits for every readiness probe of p and reports the result, unless
// the process left Starting in the meantime.
func (s *Supervisor) probe(ctx context.Context, p *process, specs []readiness.Spec) {
	err := readiness.All(ctx, s.opts.Client, specs, s.attempt)
	if ctx.Err() != nil {
		return
	}

	s.opts.Locker.Lock()
	defer s.opts.Locker.Unlock()
	if s.proc != p || s.state != Starting {
		return
	}
	if err != nil {
		var hard *readiness.HardError
		if errors.As(err, &hard) {
			s.log.Error("readiness probe failed", zap.Error(err))
		} else {
			s.log.Warn("target did not come up", zap.Error(err))
		}
		p.readinessErr = err
		s.handle(EventNotReady)
		return
	}
	s.handle(EventReady)
}

func (s *Supervisor) attempt(spec readiness.Spec, try int, err error) {
	var hard *readiness.HardError
	switch {
	case err == nil:
		s.opts.Metrics.ProbeAttempt(metrics.ProbeSuccess)
	case errors.As(err, &hard):
		s.opts.Metrics.ProbeAttempt(metrics.ProbeHard)
	default:
		s.opts.Metrics.ProbeAttempt(metrics.ProbeFailure)
		s.log.Debug("readiness probe attempt failed",
			zap.String("url", spec.URL),
			zap.Int("try", try),
			zap.Error(err))
	}
}
