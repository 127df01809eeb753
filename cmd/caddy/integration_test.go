//go:build integration

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig"
	_ "github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"

	"github.com/tarasglek/lazyproxy/internal/freeport"
	"github.com/tarasglek/lazyproxy/internal/testtarget"
)

func TestMain(m *testing.M) {
	testtarget.Main()
	os.Exit(m.Run())
}

func requireIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

func renderTemplate(input string, values map[string]string) string {
	replacements := make([]string, 0, len(values)*2)
	for k, v := range values {
		replacements = append(replacements, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(replacements...).Replace(input)
}

// targetBlock is a lazy_proxy block that runs this test binary as a target in
// mode, probed on /status.
func targetBlock(mode string, extraDirectives ...string) string {
	command, env := testtarget.Command(mode)
	quoted := make([]string, len(command))
	for i, arg := range command {
		quoted[i] = fmt.Sprintf("%q", arg)
	}
	directives := []string{
		"command " + strings.Join(quoted, " "),
	}
	for k, v := range env {
		directives = append(directives, fmt.Sprintf("env %s=%s", k, v))
	}
	directives = append(directives, `probe /status {
			status 204
			max_tries 250
			retry_delay 20ms
		}`)
	directives = append(directives, extraDirectives...)
	return fmt.Sprintf("lazy_proxy {\n\t\t\t%s\n\t\t}", strings.Join(directives, "\n\t\t\t"))
}

type lazyProxySetup struct {
	Port int
}

// createLazyProxySetup loads a Caddyfile with handleBlock as its only site
// body and returns once the site is being served.
func createLazyProxySetup(t *testing.T, handleBlock string, values map[string]string) *lazyProxySetup {
	t.Helper()

	port, err := freeport.Allocate("127.0.0.1")
	if err != nil {
		t.Fatalf("failed to get free port: %v", err)
	}

	fixture := `
{
	admin off
	http_port {{HTTP_PORT}}
}

http://localhost:{{HTTP_PORT}} {
	{{HANDLE_BLOCK}}
}
`
	rendered := renderTemplate(fixture, map[string]string{
		"HTTP_PORT":    fmt.Sprintf("%d", port),
		"HANDLE_BLOCK": renderTemplate(handleBlock, values),
	})

	adapter := caddyconfig.GetAdapter("caddyfile")
	cfgJSON, warnings, err := adapter.Adapt([]byte(rendered), nil)
	if err != nil {
		t.Fatalf("failed to adapt Caddyfile: %v\n%s", err, rendered)
	}
	for _, w := range warnings {
		t.Logf("caddyfile warning: %s", w)
	}
	if err := caddy.Load(cfgJSON, true); err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	t.Cleanup(func() { _ = caddy.Stop() })

	return &lazyProxySetup{Port: port}
}

func newTestHTTPClient() *http.Client {
	dialer := net.Dialer{Timeout: 5 * time.Second, KeepAlive: 5 * time.Second}
	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		parts := strings.Split(addr, ":")
		destAddr := fmt.Sprintf("127.0.0.1:%s", parts[len(parts)-1])
		return dialer.DialContext(ctx, network, destAddr)
	}
	return &http.Client{
		Transport: &http.Transport{DialContext: dialContext},
		Timeout:   10 * time.Second,
	}
}

func assertGetResponse(t *testing.T, client *http.Client, requestURI string, expectedStatusCode int, expectedBodyContains string) string {
	t.Helper()

	var (
		resp *http.Response
		err  error
	)
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err = client.Get(requestURI)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("failed to call server: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("unable to read response body: %v", err)
	}
	body := string(bodyBytes)

	if resp.StatusCode != expectedStatusCode {
		t.Fatalf("requesting %q expected status %d but got %d (body: %s)", requestURI, expectedStatusCode, resp.StatusCode, body)
	}
	if expectedBodyContains != "" && !strings.Contains(body, expectedBodyContains) {
		t.Fatalf("requesting %q expected body to contain %q but got %q", requestURI, expectedBodyContains, body)
	}
	return body
}

func getInfo(t *testing.T, client *http.Client, requestURI string) testtarget.Info {
	t.Helper()
	body := assertGetResponse(t, client, requestURI, http.StatusOK, "")
	var info testtarget.Info
	if err := json.Unmarshal([]byte(body), &info); err != nil {
		t.Fatalf("unexpected body %q: %v", body, err)
	}
	return info
}

// TestLazyProxy_StartsOnFirstRequest routes everything but /static to
// lazy_proxy and checks that the probe path is answered without a target,
// the first real request starts one, and the static route never does.
func TestLazyProxy_StartsOnFirstRequest(t *testing.T) {
	requireIntegration(t)

	setup := createLazyProxySetup(t, `handle /static {
		respond "non-proxied"
	}
	handle {
		{{LAZY_PROXY}}
	}`, map[string]string{
		"LAZY_PROXY": targetBlock(testtarget.Diagnostic, "env FOO=bar"),
	})
	client := newTestHTTPClient()
	base := fmt.Sprintf("http://localhost:%d", setup.Port)

	_ = assertGetResponse(t, client, base+"/status", http.StatusNoContent, "")
	_ = assertGetResponse(t, client, base+"/static", http.StatusOK, "non-proxied")

	first := getInfo(t, client, base+"/")
	if first.Env["FOO"] != "bar" {
		t.Errorf("target environment lacks FOO=bar: %v", first.Env)
	}
	second := getInfo(t, client, base+"/")
	if first.PID != second.PID {
		t.Errorf("second request started a new target: pid %d then %d", first.PID, second.PID)
	}
}

// TestLazyProxy_IdleTimeout checks that an idle target is stopped and the
// next request starts a fresh one.
func TestLazyProxy_IdleTimeout(t *testing.T) {
	requireIntegration(t)

	setup := createLazyProxySetup(t, `{{LAZY_PROXY}}`, map[string]string{
		"LAZY_PROXY": targetBlock(testtarget.Diagnostic, "idle_timeout 500ms"),
	})
	client := newTestHTTPClient()
	base := fmt.Sprintf("http://localhost:%d", setup.Port)

	first := getInfo(t, client, base+"/")
	time.Sleep(1500 * time.Millisecond)
	second := getInfo(t, client, base+"/")
	if first.PID == second.PID {
		t.Errorf("target %d was not restarted after idling", first.PID)
	}
}

// TestLazyProxy_TargetFailsToStart checks that a target that exits before
// it is ready yields 503.
func TestLazyProxy_TargetFailsToStart(t *testing.T) {
	requireIntegration(t)

	setup := createLazyProxySetup(t, `{{LAZY_PROXY}}`, map[string]string{
		"LAZY_PROXY": targetBlock(testtarget.Exit),
	})
	_ = assertGetResponse(t, newTestHTTPClient(), fmt.Sprintf("http://localhost:%d/", setup.Port), http.StatusServiceUnavailable, "")
}

// TestLazyProxy_CrashIsBadGateway checks that a target dying mid-request
// yields 502.
func TestLazyProxy_CrashIsBadGateway(t *testing.T) {
	requireIntegration(t)

	setup := createLazyProxySetup(t, `{{LAZY_PROXY}}`, map[string]string{
		"LAZY_PROXY": targetBlock(testtarget.CrashOnRequest),
	})
	_ = assertGetResponse(t, newTestHTTPClient(), fmt.Sprintf("http://localhost:%d/", setup.Port), http.StatusBadGateway, "")
}
