// Package proxy implements the public side of a lazy proxy: an HTTP server
// that starts its target on the first request, queues requests while the
// target boots, forwards them once it is ready and stops the target again
// after a period of inactivity.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"

	"go.uber.org/zap"

	"github.com/tarasglek/lazyproxy/internal/config"
	"github.com/tarasglek/lazyproxy/internal/metrics"
	"github.com/tarasglek/lazyproxy/internal/target"
)

// ErrShuttingDown is the reason queued requests are rejected on shutdown.
var ErrShuttingDown = errors.New("proxy is shutting down")

// StartupError is delivered to requests queued while a target failed to
// become ready.
type StartupError struct {
	Proxy string
	Exit  target.Exit
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("%s: %s", e.Proxy, e.Exit)
}

func (e *StartupError) Unwrap() error { return e.Exit.Err }

// Options holds the optional collaborators of a Server.
type Options struct {
	Logger *zap.Logger
	// OnStdout and OnStderr receive target output lines. When nil, lines are
	// logged.
	OnStdout func(line string)
	OnStderr func(line string)
	Metrics  *metrics.Proxy
	// AllocatePort overrides how target ports are picked.
	AllocatePort func(host string) (int, error)
}

// Server is one lazy proxy and its target.
type Server struct {
	cfg     config.Proxy
	log     *zap.Logger
	metrics *metrics.Proxy
	forward *httputil.ReverseProxy
	idle    *IdleTimer

	// mu is shared with the supervisor; every state change of either
	// machine happens with it held.
	mu        sync.Mutex
	state     State
	target    *target.Supervisor
	pending   *readySignal
	listening chan struct{}
	done      chan struct{}
	srv       *http.Server
	embedded  bool
	// failure is what queued requests are failed with while a target exit
	// is handled.
	failure error
}

// New returns a server in state Starting. Call ListenAndServe, Serve or
// Adopt to bring it up.
func New(cfg config.Proxy, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named(cfg.Name)

	s := &Server{
		cfg:       cfg,
		log:       log,
		metrics:   opts.Metrics,
		forward:   newForwarder(cfg.ProxyOutgoingTimeout, log, opts.Metrics),
		listening: make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.idle = NewIdleTimer(cfg.IdleTimeout, s.idleOut)
	s.target = target.New(cfg, target.Options{
		Locker:       &s.mu,
		Logger:       log.Named("target"),
		OnReady:      s.targetReady,
		OnExit:       s.targetExit,
		OnStdout:     opts.OnStdout,
		OnStderr:     opts.OnStderr,
		AllocatePort: opts.AllocatePort,
		Metrics:      opts.Metrics,
	})
	s.metrics.ProxyState("", s.state.String())
	return s
}

// Name is the configured proxy name.
func (s *Server) Name() string { return s.cfg.Name }

// State returns the current state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TargetPID returns the pid of the running target, or 0.
func (s *Server) TargetPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target.PID()
}

// Done is closed once the server reached ShutDown.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// ListenAndServe listens on the configured address and serves until the
// server is stopped. It returns http.ErrServerClosed after Stop.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve serves on l until the server is stopped. A listener handed over
// after Stop is closed and http.ErrServerClosed is returned.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	srv := &http.Server{
		Handler:      s,
		ReadTimeout:  s.cfg.ProxyIncomingTimeout,
		WriteTimeout: s.cfg.ProxyIncomingTimeout,
		ErrorLog:     zap.NewStdLog(s.log),
	}
	eff := s.handle(evListening)
	if eff.has(effRefuseListener) {
		s.mu.Unlock()
		l.Close()
		return http.ErrServerClosed
	}
	s.srv = srv
	s.mu.Unlock()

	s.log.Info("proxy listening", zap.Stringer("address", l.Addr()))
	return srv.Serve(l)
}

// Adopt brings the server up without a listener of its own. The caller
// feeds requests to ServeHTTP; closing the listener on shutdown is a no-op.
func (s *Server) Adopt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embedded = true
	s.handle(evListening)
}

// Stop drives the server towards ShutDown: the target is stopped first,
// then the listener is closed. It is safe to call any number of times.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle(evStop)
}

// Kill forcibly ends the target process group and closes the listener
// along with every open connection.
func (s *Server) Kill() {
	s.mu.Lock()
	s.target.Kill()
	srv := s.srv
	s.mu.Unlock()
	if srv != nil {
		srv.Close()
	}
}

// ServeHTTP answers probe paths itself and dispatches every other request
// according to the current state.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.fakeProbe(w, r) {
		return
	}
	s.idle.Reset()

	for {
		s.mu.Lock()
		eff := s.handle(evRequest)
		pending := s.pending
		targetURL := s.target.URL()
		s.mu.Unlock()

		switch {
		case eff.has(effForward):
			if targetURL == nil {
				s.log.Error("no target address in state target-up",
					zap.String("method", r.Method),
					zap.String("uri", r.RequestURI))
				s.reject(w)
				return
			}
			s.metrics.Request(metrics.OutcomeForwarded)
			s.forward.ServeHTTP(w, forwardRequest(r, targetURL))
			return

		case eff.has(effReject):
			s.reject(w)
			return

		case eff.has(effAwaitListening):
			select {
			case <-s.listening:
			case <-r.Context().Done():
				return
			}

		case eff.has(effAwaitReady):
			if pending == nil {
				s.log.Error("no pending target start",
					zap.String("method", r.Method),
					zap.String("uri", r.RequestURI))
				s.reject(w)
				return
			}
			select {
			case <-pending.done:
			case <-r.Context().Done():
				return
			}
			if pending.err != nil {
				s.log.Debug("request failed while waiting for target",
					zap.String("method", r.Method),
					zap.String("uri", r.RequestURI),
					zap.Error(pending.err))
				s.reject(w)
				return
			}
		}
	}
}

func (s *Server) reject(w http.ResponseWriter) {
	s.metrics.Request(metrics.OutcomeRejected)
	w.WriteHeader(http.StatusServiceUnavailable)
}

func (s *Server) fakeProbe(w http.ResponseWriter, r *http.Request) bool {
	for _, probe := range s.cfg.Probes {
		if probe.PathPattern == nil || !probe.PathPattern.MatchString(r.URL.Path) {
			continue
		}
		s.metrics.Request(metrics.OutcomeProbe)
		w.WriteHeader(probe.ResponseStatusCode)
		if probe.ResponseBody != "" {
			_, _ = io.WriteString(w, probe.ResponseBody)
		}
		return true
	}
	return false
}

// idleOut runs on the timer goroutine. A request may have rearmed the
// timer while this waited for mu, in which case the firing is stale.
func (s *Server) idleOut(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.idle.Claim(gen) {
		return
	}
	s.handle(evIdle)
}

// targetReady and targetExit are supervisor callbacks; mu is already held.
func (s *Server) targetReady() {
	s.handle(evTargetReady)
	// The idle window starts when the target is ready, not when the
	// request that woke it arrived.
	s.idle.Reset()
}

func (s *Server) targetExit(exit target.Exit) {
	if exit.Err != nil {
		s.log.Error("target failed", zap.Int("pid", exit.PID), zap.Error(exit.Err),
			zap.Strings("recent_output", exit.RecentOutput))
	}
	s.failure = &StartupError{Proxy: s.cfg.Name, Exit: exit}
	s.handle(evTargetExit)
	s.failure = nil
}

// handle runs one transition and applies its effects. mu must be held. The
// request-facing effects are returned for the caller to act on.
func (s *Server) handle(ev event) effect {
	next, eff, err := transition(s.state, ev)
	if err != nil {
		s.log.Fatal("proxy state machine out of sync", zap.Error(err))
		return 0
	}
	if next != s.state || eff&^(effAwaitReady|effAwaitListening|effForward|effReject) != 0 {
		s.log.Debug("proxy transition",
			zap.Stringer("from", s.state),
			zap.Stringer("event", ev),
			zap.Stringer("to", next),
			zap.Stringer("effects", eff))
	}
	if next != s.state {
		s.metrics.ProxyState(s.state.String(), next.String())
		s.state = next
	}

	if eff.has(effListening) {
		close(s.listening)
	}
	if eff.has(effFailPending) && s.pending != nil {
		reason := s.failure
		if reason == nil {
			reason = ErrShuttingDown
		}
		s.pending.resolve(reason)
		s.pending = nil
	}
	if eff.has(effResolvePending) && s.pending != nil {
		s.pending.resolve(nil)
		s.pending = nil
	}
	if eff.has(effStopTarget) {
		s.target.Stop()
	}
	if eff.has(effStartTarget) && s.pending == nil {
		s.pending = newReadySignal()
		s.target.Start()
	}
	if eff.has(effCloseListener) {
		s.closeListener()
	}
	if eff.has(effShutDown) {
		s.idle.Stop()
		s.log.Info("proxy shut down")
		close(s.done)
	}
	return eff
}

// closeListener stops accepting connections and reports server-closed once
// in-flight requests are done. mu must be held.
func (s *Server) closeListener() {
	if s.embedded || s.srv == nil {
		// Not listening yet: wake requests waiting for the listener, a
		// later Serve is refused.
		select {
		case <-s.listening:
		default:
			close(s.listening)
		}
		s.handle(evServerClosed)
		return
	}
	srv := s.srv
	go func() {
		if err := srv.Shutdown(context.Background()); err != nil {
			s.log.Warn("proxy server shutdown", zap.Error(err))
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.handle(evServerClosed)
	}()
}
