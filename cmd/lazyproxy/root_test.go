package main

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarasglek/lazyproxy/internal/config"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

// parse runs args and env through the same steps as the root command and
// returns the normalized proxies.
func parse(t *testing.T, args []string, env map[string]string) ([]config.Proxy, error) {
	t.Helper()
	f := &flags{}
	fs := pflag.NewFlagSet("lazyproxy", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	f.register(fs)
	require.NoError(t, fs.Parse(args))
	if err := bindEnv(fs, envMap(env)); err != nil {
		return nil, err
	}
	return f.proxies(fs, fs.Args(), envMap(env))
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "LZPROXY_IDLE_TIMEOUT_MS", envName("idle-timeout-ms"))
	assert.Equal(t, "LZPROXY_CONFIG", envName("config"))
}

func TestFlags_Defaults(t *testing.T) {
	proxies, err := parse(t, nil, map[string]string{"PORT": "8080"})
	require.NoError(t, err)
	require.Len(t, proxies, 1)

	p := proxies[0]
	assert.Equal(t, "8080", p.Name)
	assert.Equal(t, "[::]:8080", p.Address())
	assert.Equal(t, config.DefaultCommand, p.Command)
	assert.Zero(t, p.IdleTimeout)
	require.Len(t, p.Probes, 1)
	assert.Equal(t, "/healthz", p.Probes[0].Path)
	assert.Equal(t, 30, p.Probes[0].MaxTries)
}

func TestFlags_CommandAndOptions(t *testing.T) {
	proxies, err := parse(t, []string{
		"--idle-timeout-ms", "5000",
		"-e", "FOO=bar",
		"-o", "HTTP_PORT",
		"--target-termination-signal", "int",
		"-p", "/status", "-p", "/ready",
		"-t", "5",
		"--readiness-probe-retry-delay-ms", "100,200",
		"--", "npm", "start", "--verbose",
	}, map[string]string{"HTTP_PORT": "3000"})
	require.NoError(t, err)
	require.Len(t, proxies, 1)

	p := proxies[0]
	assert.Equal(t, []string{"npm", "start", "--verbose"}, p.Command)
	assert.Equal(t, 5*time.Second, p.IdleTimeout)
	assert.Equal(t, map[string]string{"FOO": "bar"}, p.Environment)
	assert.Equal(t, 3000, p.Port)
	assert.Equal(t, "HTTP_PORT", p.TargetPortEnvironmentVariable)
	assert.Equal(t, syscall.SIGINT, p.TargetTerminationSignal)

	require.Len(t, p.Probes, 2)
	assert.Equal(t, "/status", p.Probes[0].Path)
	assert.Equal(t, "/ready", p.Probes[1].Path)
	assert.Equal(t, 5, p.Probes[0].MaxTries)
	assert.Equal(t, 5, p.Probes[1].MaxTries)
	assert.Equal(t, 100*time.Millisecond, p.Probes[0].RetryDelay)
	assert.Equal(t, 200*time.Millisecond, p.Probes[1].RetryDelay)
}

func TestFlags_MismatchedProbeLists(t *testing.T) {
	_, err := parse(t, []string{
		"-p", "/a", "-p", "/b", "-p", "/c",
		"-t", "1,2",
	}, map[string]string{"PORT": "8080"})
	assert.ErrorContains(t, err, "must have 1 or 3 readiness-probe-max-tries values")
}

func TestFlags_EnvironmentBinding(t *testing.T) {
	env := map[string]string{
		"PORT":                    "8080",
		"LZPROXY_IDLE_TIMEOUT_MS": "1000",
		"LZPROXY_HOST":            "127.0.0.1",
	}
	proxies, err := parse(t, []string{"--host", "localhost"}, env)
	require.NoError(t, err)
	assert.Equal(t, time.Second, proxies[0].IdleTimeout, "env sets unset flags")
	assert.Equal(t, "localhost", proxies[0].Host, "command line beats env")

	env["LZPROXY_PORT"] = "nope"
	_, err = parse(t, nil, env)
	assert.ErrorContains(t, err, "LZPROXY_PORT")
}

func TestFlags_OverrideConfigFileOnlyWhenSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lazyproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
options:
  host: 127.0.0.1
  idleTimeoutMs: 2000
  command: [python, app.py]
proxies:
  - name: web
    port: 8001
  - name: api
    port: 8002
    idleTimeoutMs: 9000
`), 0o644))

	proxies, err := parse(t, []string{"--config", path, "--idle-timeout-ms", "3000"}, nil)
	require.NoError(t, err)
	require.Len(t, proxies, 2)

	assert.Equal(t, "web", proxies[0].Name)
	assert.Equal(t, "127.0.0.1", proxies[0].Host, "default --host does not override the file")
	assert.Equal(t, 3*time.Second, proxies[0].IdleTimeout)
	assert.Equal(t, []string{"python", "app.py"}, proxies[0].Command)

	assert.Equal(t, "api", proxies[1].Name)
	assert.Equal(t, 9*time.Second, proxies[1].IdleTimeout, "proxy entries win over shared options")
}

func TestFlags_Logger(t *testing.T) {
	f := &flags{logLevel: "debug", logFormat: "json"}
	logger, err := f.logger()
	require.NoError(t, err)
	assert.NotNil(t, logger)

	f.logFormat = "xml"
	_, err = f.logger()
	assert.Error(t, err)

	f = &flags{logLevel: "loud", logFormat: "console"}
	_, err = f.logger()
	assert.Error(t, err)
}
