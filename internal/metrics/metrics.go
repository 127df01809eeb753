// Package metrics exposes Prometheus collectors for proxies and their targets.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lazyproxy"

// Request outcomes.
const (
	OutcomeForwarded        = "forwarded"
	OutcomeProbe            = "probe"
	OutcomeRejected         = "rejected"
	OutcomeBadGateway       = "bad_gateway"
	OutcomeClientDisconnect = "client_disconnect"
)

// Probe attempt results.
const (
	ProbeSuccess = "success"
	ProbeFailure = "failure"
	ProbeHard    = "hard_error"
)

// Collectors holds every collector, labeled by proxy name.
type Collectors struct {
	spawns      *prometheus.CounterVec
	exits       *prometheus.CounterVec
	probes      *prometheus.CounterVec
	requests    *prometheus.CounterVec
	proxyState  *prometheus.GaugeVec
	targetState *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. Collectors that are
// already registered, e.g. after a config reload, are reused.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "target",
			Name:      "spawns_total",
			Help:      "Target processes spawned.",
		}, []string{"proxy"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "target",
			Name:      "exits_total",
			Help:      "Target processes that exited, by reason.",
		}, []string{"proxy", "reason"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "target",
			Name:      "probe_attempts_total",
			Help:      "Readiness probe attempts, by result.",
		}, []string{"proxy", "result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Requests handled, by outcome.",
		}, []string{"proxy", "outcome"}),
		proxyState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "state",
			Help:      "1 for the current proxy state, 0 otherwise.",
		}, []string{"proxy", "state"}),
		targetState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "target",
			Name:      "state",
			Help:      "1 for the current target state, 0 otherwise.",
		}, []string{"proxy", "state"}),
	}

	var err error
	if c.spawns, err = register(reg, c.spawns); err != nil {
		return nil, err
	}
	if c.exits, err = register(reg, c.exits); err != nil {
		return nil, err
	}
	if c.probes, err = register(reg, c.probes); err != nil {
		return nil, err
	}
	if c.requests, err = register(reg, c.requests); err != nil {
		return nil, err
	}
	if c.proxyState, err = register(reg, c.proxyState); err != nil {
		return nil, err
	}
	if c.targetState, err = register(reg, c.targetState); err != nil {
		return nil, err
	}
	return c, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if reg == nil {
		return c, nil
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// For returns the recorder of a single proxy. A nil *Collectors yields a nil
// recorder, which records nothing.
func (c *Collectors) For(name string) *Proxy {
	if c == nil {
		return nil
	}
	return &Proxy{c: c, name: name}
}

// Proxy records metrics of one proxy. All methods are safe on a nil receiver.
type Proxy struct {
	c    *Collectors
	name string
}

func (p *Proxy) TargetSpawned() {
	if p == nil {
		return
	}
	p.c.spawns.WithLabelValues(p.name).Inc()
}

func (p *Proxy) TargetExited(reason string) {
	if p == nil {
		return
	}
	p.c.exits.WithLabelValues(p.name, reason).Inc()
}

func (p *Proxy) ProbeAttempt(result string) {
	if p == nil {
		return
	}
	p.c.probes.WithLabelValues(p.name, result).Inc()
}

func (p *Proxy) Request(outcome string) {
	if p == nil {
		return
	}
	p.c.requests.WithLabelValues(p.name, outcome).Inc()
}

// ProxyState moves the proxy state gauge from one state to another. An empty
// from only sets the new state.
func (p *Proxy) ProxyState(from, to string) {
	if p == nil {
		return
	}
	moveState(p.c.proxyState, p.name, from, to)
}

// TargetState is ProxyState for the target state machine.
func (p *Proxy) TargetState(from, to string) {
	if p == nil {
		return
	}
	moveState(p.c.targetState, p.name, from, to)
}

func moveState(g *prometheus.GaugeVec, name, from, to string) {
	if from == to {
		g.WithLabelValues(name, to).Set(1)
		return
	}
	if from != "" {
		g.WithLabelValues(name, from).Set(0)
	}
	g.WithLabelValues(name, to).Set(1)
}
