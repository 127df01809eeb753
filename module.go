/*
 * Copyright (c) 2020 Andreas Schneider
 *
 * Permission to use, copy, modify, and distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

package lazyproxy

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/tarasglek/lazyproxy/internal/config"
	"github.com/tarasglek/lazyproxy/internal/metrics"
	"github.com/tarasglek/lazyproxy/internal/proxy"
)

func init() {
	caddy.RegisterModule(LazyProxy{})
	// RegisterHandlerDirective associates the "lazy_proxy" directive in the
	// Caddyfile with parseCaddyfile.
	httpcaddyfile.RegisterHandlerDirective("lazy_proxy", parseCaddyfile)
	// Run before "respond" so no "order" block is needed in the Caddyfile.
	httpcaddyfile.RegisterDirectiveOrder("lazy_proxy", httpcaddyfile.Before, "respond")
}

// cleanupTimeout bounds how long Cleanup waits for the target to stop
// before killing its process group.
const cleanupTimeout = 10 * time.Second

// LazyProxy is a terminal handler that starts its target command on the
// first request, holds requests until the target passes its readiness
// probes, proxies them, and stops the target after a period of inactivity.
type LazyProxy struct {
	// Name used in logs and metrics. Defaults to the base name of the
	// command.
	Name string `json:"name,omitempty"`
	// Command and arguments that start the target.
	Command []string `json:"command,omitempty"`
	// Extra environment variables for the target.
	Env map[string]string `json:"env,omitempty"`
	// Stop the target after it has received no requests for this long.
	// Zero keeps it running.
	IdleTimeout caddy.Duration `json:"idle_timeout,omitempty"`
	// Timeout for the target's response headers.
	OutgoingTimeout caddy.Duration `json:"outgoing_timeout,omitempty"`
	// Host the target listens on (default 127.0.0.1).
	TargetHost string `json:"target_host,omitempty"`
	// Fixed target port. A free port is picked on every start when unset.
	TargetPort int `json:"target_port,omitempty"`
	// Environment variable that carries the target port (default PORT).
	TargetPortEnv string `json:"target_port_env,omitempty"`
	// Signal that asks the target to stop (default SIGTERM).
	TerminationSignal string `json:"termination_signal,omitempty"`
	// Readiness probes. Requests to a probe path are answered by the
	// handler without starting the target.
	Probes []*Probe `json:"probes,omitempty"`

	server *proxy.Server
	logger *zap.Logger
}

// Probe is a readiness probe.
type Probe struct {
	Path        string         `json:"path,omitempty"`
	PathPattern string         `json:"path_pattern,omitempty"`
	MaxTries    int            `json:"max_tries,omitempty"`
	RetryDelay  caddy.Duration `json:"retry_delay,omitempty"`
	Timeout     caddy.Duration `json:"timeout,omitempty"`
	Status      int            `json:"status,omitempty"`
	Body        string         `json:"body,omitempty"`
}

// Interface guards
var (
	_ caddyhttp.MiddlewareHandler = (*LazyProxy)(nil)
	_ caddyfile.Unmarshaler       = (*LazyProxy)(nil)
	_ caddy.Provisioner           = (*LazyProxy)(nil)
	_ caddy.CleanerUpper          = (*LazyProxy)(nil)
)

func (LazyProxy) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.lazy_proxy",
		New: func() caddy.Module { return new(LazyProxy) },
	}
}

// UnmarshalCaddyfile implements caddyfile.Unmarshaler. Syntax:
//
//	lazy_proxy [<command> [<args...>]] {
//		name               <name>
//		command            <command> [<args...>]
//		env                <key=value...>
//		idle_timeout       <duration>
//		outgoing_timeout   <duration>
//		target_host        <host>
//		target_port        <port>
//		target_port_env    <variable>
//		termination_signal <signal>
//		probe [<path>] {
//			path_pattern <regexp>
//			max_tries    <n>
//			retry_delay  <duration>
//			timeout      <duration>
//			status       <code>
//			body         <text>
//		}
//	}
func (l *LazyProxy) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		if args := d.RemainingArgs(); len(args) > 0 {
			l.Command = args
		}
		for d.NextBlock(0) {
			switch d.Val() {
			case "name":
				if !d.Args(&l.Name) {
					return d.ArgErr()
				}
			case "command":
				l.Command = d.RemainingArgs()
				if len(l.Command) == 0 {
					return d.ArgErr()
				}
			case "env":
				args := d.RemainingArgs()
				if len(args) == 0 {
					return d.ArgErr()
				}
				if l.Env == nil {
					l.Env = map[string]string{}
				}
				for _, kv := range args {
					k, v, ok := strings.Cut(kv, "=")
					if !ok || k == "" {
						return d.Errf("env: expected key=value, got %q", kv)
					}
					l.Env[k] = v
				}
			case "idle_timeout":
				if err := parseDuration(d, &l.IdleTimeout); err != nil {
					return err
				}
			case "outgoing_timeout":
				if err := parseDuration(d, &l.OutgoingTimeout); err != nil {
					return err
				}
			case "target_host":
				if !d.Args(&l.TargetHost) {
					return d.ArgErr()
				}
			case "target_port":
				if err := parseInt(d, &l.TargetPort); err != nil {
					return err
				}
			case "target_port_env":
				if !d.Args(&l.TargetPortEnv) {
					return d.ArgErr()
				}
			case "termination_signal":
				if !d.Args(&l.TerminationSignal) {
					return d.ArgErr()
				}
				if _, err := config.ParseSignal(l.TerminationSignal); err != nil {
					return d.Errf("termination_signal: %v", err)
				}
			case "probe":
				p, err := unmarshalProbe(d)
				if err != nil {
					return err
				}
				l.Probes = append(l.Probes, p)
			default:
				return d.Errf("unknown subdirective: %q", d.Val())
			}
		}
	}
	return nil
}

func unmarshalProbe(d *caddyfile.Dispenser) (*Probe, error) {
	p := &Probe{}
	switch args := d.RemainingArgs(); len(args) {
	case 0:
	case 1:
		p.Path = args[0]
	default:
		return nil, d.ArgErr()
	}
	for nesting := d.Nesting(); d.NextBlock(nesting); {
		var err error
		switch d.Val() {
		case "path_pattern":
			if !d.Args(&p.PathPattern) {
				return nil, d.ArgErr()
			}
		case "max_tries":
			err = parseInt(d, &p.MaxTries)
		case "retry_delay":
			err = parseDuration(d, &p.RetryDelay)
		case "timeout":
			err = parseDuration(d, &p.Timeout)
		case "status":
			err = parseInt(d, &p.Status)
		case "body":
			if !d.Args(&p.Body) {
				return nil, d.ArgErr()
			}
		default:
			return nil, d.Errf("unknown probe subdirective: %q", d.Val())
		}
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

func parseDuration(d *caddyfile.Dispenser, dst *caddy.Duration) error {
	var s string
	if !d.Args(&s) {
		return d.ArgErr()
	}
	dur, err := caddy.ParseDuration(s)
	if err != nil {
		return d.Errf("%s: %v", d.Val(), err)
	}
	*dst = caddy.Duration(dur)
	return nil
}

func parseInt(d *caddyfile.Dispenser, dst *int) error {
	var s string
	if !d.Args(&s) {
		return d.ArgErr()
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return d.Errf("%s: %v", d.Val(), err)
	}
	*dst = n
	return nil
}

// Provision implements caddy.Provisioner; it builds the proxy state machine
// and adopts it into Caddy's server, which owns the listener.
func (l *LazyProxy) Provision(ctx caddy.Context) error {
	l.logger = ctx.Logger(l)

	cfg, err := l.proxyConfig()
	if err != nil {
		return err
	}

	var m *metrics.Collectors
	if reg := ctx.GetMetricsRegistry(); reg != nil {
		if m, err = metrics.New(reg); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	l.server = proxy.New(cfg, proxy.Options{
		Logger:  l.logger,
		Metrics: m.For(cfg.Name),
	})
	l.server.Adopt()
	return nil
}

// proxyConfig converts the module config into a normalized proxy config.
func (l *LazyProxy) proxyConfig() (config.Proxy, error) {
	name := l.Name
	if name == "" && len(l.Command) > 0 {
		name = filepath.Base(l.Command[0])
	}
	o := config.Options{
		Name:        &name,
		Port:        new(int),
		Command:     l.Command,
		Environment: l.Env,
	}
	if l.IdleTimeout > 0 {
		o.IdleTimeoutMs = millis(l.IdleTimeout)
	}
	if l.OutgoingTimeout > 0 {
		o.ProxyOutgoingTimeoutMs = millis(l.OutgoingTimeout)
	}
	if l.TargetHost != "" {
		o.TargetHost = &l.TargetHost
	}
	if l.TargetPort != 0 {
		o.TargetPort = &l.TargetPort
	}
	if l.TargetPortEnv != "" {
		o.TargetPortEnvironmentVariable = &l.TargetPortEnv
	}
	if l.TerminationSignal != "" {
		o.TargetTerminationSignal = &l.TerminationSignal
	}
	for _, p := range l.Probes {
		o.Probes = append(o.Probes, p.options())
	}

	cfgs, err := config.Normalize(config.File{Options: o}, os.LookupEnv)
	if err != nil {
		return config.Proxy{}, err
	}
	return cfgs[0], nil
}

func (p *Probe) options() config.ProbeOptions {
	var o config.ProbeOptions
	if p.Path != "" {
		o.Path = &p.Path
	}
	if p.PathPattern != "" {
		o.PathPattern = &p.PathPattern
	}
	if p.MaxTries != 0 {
		o.MaxTries = &p.MaxTries
	}
	if p.RetryDelay > 0 {
		o.RetryDelayMs = millis(p.RetryDelay)
	}
	if p.Timeout > 0 {
		o.TimeoutMs = millis(p.Timeout)
	}
	if p.Status != 0 {
		o.ResponseStatusCode = &p.Status
	}
	if p.Body != "" {
		o.ResponseBody = &p.Body
	}
	return o
}

func millis(d caddy.Duration) *int64 {
	ms := time.Duration(d).Milliseconds()
	return &ms
}

// ServeHTTP implements caddyhttp.MiddlewareHandler. The handler is
// terminal: next is never called.
func (l *LazyProxy) ServeHTTP(w http.ResponseWriter, r *http.Request, _ caddyhttp.Handler) error {
	l.server.ServeHTTP(w, r)
	return nil
}

// Cleanup implements caddy.CleanerUpper; it stops the target when the
// module is unloaded and kills it if it does not exit in time.
func (l *LazyProxy) Cleanup() error {
	if l.server == nil {
		return nil
	}
	l.server.Stop()
	select {
	case <-l.server.Done():
	case <-time.After(cleanupTimeout):
		l.logger.Warn("target did not stop in time, killing it",
			zap.Int("pid", l.server.TargetPID()))
		l.server.Kill()
	}
	return nil
}

// parseCaddyfile unmarshals tokens from h into a new handler.
func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	l := new(LazyProxy)
	err := l.UnmarshalCaddyfile(h.Dispenser)
	return l, err
}
