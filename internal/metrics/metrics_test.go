package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value returns the value of the series of family name whose labels include
// every pair in labels.
func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue series
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("no series %s%v", name, labels)
	return 0
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	p := c.For("web")
	p.TargetSpawned()
	p.TargetSpawned()
	p.TargetExited("signal")
	p.ProbeAttempt(ProbeFailure)
	p.ProbeAttempt(ProbeSuccess)
	p.Request(OutcomeForwarded)
	p.ProxyState("", "starting")
	p.ProxyState("starting", "up")

	assert.Equal(t, 2.0, value(t, reg, "lazyproxy_target_spawns_total", map[string]string{"proxy": "web"}))
	assert.Equal(t, 1.0, value(t, reg, "lazyproxy_target_exits_total", map[string]string{"reason": "signal"}))
	assert.Equal(t, 1.0, value(t, reg, "lazyproxy_target_probe_attempts_total", map[string]string{"result": ProbeFailure}))
	assert.Equal(t, 1.0, value(t, reg, "lazyproxy_proxy_requests_total", map[string]string{"outcome": OutcomeForwarded}))
	assert.Equal(t, 0.0, value(t, reg, "lazyproxy_proxy_state", map[string]string{"state": "starting"}))
	assert.Equal(t, 1.0, value(t, reg, "lazyproxy_proxy_state", map[string]string{"state": "up"}))
}

func TestNew_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := New(reg)
	require.NoError(t, err)
	second, err := New(reg)
	require.NoError(t, err)

	first.For("a").TargetSpawned()
	second.For("a").TargetSpawned()
	assert.Equal(t, 2.0, value(t, reg, "lazyproxy_target_spawns_total", map[string]string{"proxy": "a"}))
}

func TestNilRecorder(t *testing.T) {
	var c *Collectors
	p := c.For("x")
	assert.Nil(t, p)

	p.TargetSpawned()
	p.TargetExited("exit")
	p.ProbeAttempt(ProbeHard)
	p.Request(OutcomeRejected)
	p.ProxyState("a", "b")
	p.TargetState("a", "b")
}
