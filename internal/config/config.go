// Package config holds the normalized, immutable settings of a single lazy
// proxy and builds them from config files and command line flags.
package config

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"syscall"
	"time"
)

// Defaults applied during normalization when an option is not set.
const (
	DefaultHost                    = "::"
	DefaultPortEnvironmentVariable = "PORT"
	DefaultTargetHost              = "127.0.0.1"
	DefaultTerminationSignal       = "SIGTERM"

	DefaultProbePath       = "/healthz"
	DefaultProbeMaxTries   = 30
	DefaultProbeRetryDelay = time.Second
	DefaultProbeTimeout    = 2 * time.Second
	DefaultProbeStatusCode = http.StatusOK
)

// DefaultCommand starts the target when no command is configured.
var DefaultCommand = []string{"node", "server.js"}

// Probe describes one readiness probe. The proxy answers requests matching
// PathPattern itself, and the supervisor polls Path on a freshly spawned
// target until it succeeds.
type Probe struct {
	Path               string
	PathPattern        *regexp.Regexp
	ResponseStatusCode int
	ResponseBody       string
	MaxTries           int
	RetryDelay         time.Duration
	Timeout            time.Duration
}

// Proxy is the normalized configuration of one proxy and its target.
// Zero durations mean "not configured".
type Proxy struct {
	Name string
	Host string
	Port int

	Command     []string
	Environment map[string]string

	IdleTimeout          time.Duration
	ProxyIncomingTimeout time.Duration
	ProxyOutgoingTimeout time.Duration

	PortEnvironmentVariable       string
	TargetHost                    string
	TargetPort                    int
	TargetPortEnvironmentVariable string
	TargetTerminationSignal       syscall.Signal

	Probes []Probe
}

// Address is the host:port the proxy listens on.
func (p Proxy) Address() string {
	return joinHostPort(p.Host, p.Port)
}

// Normalize merges the shared options with every proxy entry and applies
// defaults. An empty proxy list yields a single proxy built from the shared
// options. lookupEnv is used to resolve the listen port when none is set.
func Normalize(f File, lookupEnv func(string) (string, bool)) ([]Proxy, error) {
	entries := f.Proxies
	if len(entries) == 0 {
		entries = []Options{{}}
	}

	proxies := make([]Proxy, 0, len(entries))
	for i, entry := range entries {
		p, err := normalizeOptions(Merge(f.Options, entry), lookupEnv)
		if err != nil {
			return nil, fmt.Errorf("proxy %d: %w", i, err)
		}
		proxies = append(proxies, p)
	}
	return proxies, nil
}

func normalizeOptions(o Options, lookupEnv func(string) (string, bool)) (Proxy, error) {
	p := Proxy{
		Host:                    stringOr(o.Host, DefaultHost),
		Command:                 DefaultCommand,
		Environment:             map[string]string{},
		IdleTimeout:             millis(o.IdleTimeoutMs),
		ProxyIncomingTimeout:    millis(o.ProxyIncomingTimeoutMs),
		ProxyOutgoingTimeout:    millis(o.ProxyOutgoingTimeoutMs),
		PortEnvironmentVariable: stringOr(o.PortEnvironmentVariable, DefaultPortEnvironmentVariable),
		TargetHost:              stringOr(o.TargetHost, DefaultTargetHost),
	}
	if len(o.Command) > 0 {
		p.Command = append([]string(nil), o.Command...)
	}
	for k, v := range o.Environment {
		p.Environment[k] = v
	}

	if o.Port != nil {
		p.Port = *o.Port
	} else {
		port, err := portFromEnvironment(p.PortEnvironmentVariable, lookupEnv)
		if err != nil {
			return Proxy{}, err
		}
		p.Port = port
	}
	if p.Port < 0 || p.Port > 65535 {
		return Proxy{}, fmt.Errorf("bad port number %d", p.Port)
	}

	p.Name = stringOr(o.Name, "")
	if p.Name == "" {
		p.Name = strconv.Itoa(p.Port)
	}

	if o.TargetPort != nil {
		if *o.TargetPort <= 0 || *o.TargetPort > 65535 {
			return Proxy{}, fmt.Errorf("bad target port number %d", *o.TargetPort)
		}
		p.TargetPort = *o.TargetPort
	}

	p.TargetPortEnvironmentVariable = stringOr(o.TargetPortEnvironmentVariable, p.PortEnvironmentVariable)
	if p.TargetPortEnvironmentVariable == "" {
		return Proxy{}, fmt.Errorf("missing targetPortEnvironmentVariable")
	}

	sig, err := ParseSignal(stringOr(o.TargetTerminationSignal, DefaultTerminationSignal))
	if err != nil {
		return Proxy{}, err
	}
	p.TargetTerminationSignal = sig

	probes := o.Probes
	if probes == nil {
		probes = []ProbeOptions{{}}
	}
	for i, po := range probes {
		probe, err := normalizeProbe(po)
		if err != nil {
			return Proxy{}, fmt.Errorf("probe %d: %w", i, err)
		}
		p.Probes = append(p.Probes, probe)
	}
	return p, nil
}

func normalizeProbe(o ProbeOptions) (Probe, error) {
	p := Probe{
		Path:               stringOr(o.Path, DefaultProbePath),
		ResponseStatusCode: intOr(o.ResponseStatusCode, DefaultProbeStatusCode),
		ResponseBody:       stringOr(o.ResponseBody, ""),
		MaxTries:           intOr(o.MaxTries, DefaultProbeMaxTries),
		RetryDelay:         DefaultProbeRetryDelay,
		Timeout:            DefaultProbeTimeout,
	}
	if o.RetryDelayMs != nil {
		p.RetryDelay = millis(o.RetryDelayMs)
	}
	if o.TimeoutMs != nil {
		p.Timeout = millis(o.TimeoutMs)
	}

	pattern := "^" + regexp.QuoteMeta(p.Path) + "$"
	if o.PathPattern != nil && *o.PathPattern != "" {
		pattern = *o.PathPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Probe{}, fmt.Errorf("bad path pattern %q: %w", pattern, err)
	}
	p.PathPattern = re

	switch {
	case p.MaxTries < 1:
		return Probe{}, fmt.Errorf("maxTries must be at least 1, got %d", p.MaxTries)
	case p.Timeout <= 0:
		return Probe{}, fmt.Errorf("timeoutMs must be positive")
	case p.ResponseStatusCode < 100 || p.ResponseStatusCode > 999:
		return Probe{}, fmt.Errorf("bad response status code %d", p.ResponseStatusCode)
	}
	return p, nil
}

func portFromEnvironment(name string, lookupEnv func(string) (string, bool)) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("no port environment variable name")
	}
	value, ok := lookupEnv(name)
	if !ok || value == "" {
		return 0, fmt.Errorf("no port set by variable %s", name)
	}
	port, err := strconv.Atoi(value)
	if err != nil || port < 0 {
		return 0, fmt.Errorf("bad port number %s", value)
	}
	return port, nil
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func millis(v *int64) time.Duration {
	if v == nil || *v <= 0 {
		return 0
	}
	return time.Duration(*v) * time.Millisecond
}
