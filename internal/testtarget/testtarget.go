// Package testtarget turns a test binary into a small HTTP backend for tests
// that need a real target process. A test package calls Main from TestMain;
// the spawned copy of the binary then serves the mode named in EnvMode
// instead of running tests.
package testtarget

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// EnvMode selects the backend mode of a re-executed test binary.
const EnvMode = "LAZYPROXY_TEST_TARGET"

// Modes.
const (
	// Diagnostic answers / with its pid, port and environment as JSON,
	// /status with 204, and exits with ?code= after POST /stop. Every mode
	// echoes the body of POST /echo.
	Diagnostic = "diagnostic"
	// CrashOnRequest exits with code 1 as soon as / is requested.
	CrashOnRequest = "crash-on-request"
	// Slow answers / after SlowDelay.
	Slow = "slow"
	// Hang never answers /status.
	Hang = "hang"
	// Exit writes a line to stderr and exits with code 1 at once.
	Exit = "exit"
)

// SlowDelay is how long the Slow mode takes to answer /.
const SlowDelay = time.Second

// Info is the JSON body of a Diagnostic response.
type Info struct {
	PID  int               `json:"pid"`
	Port int               `json:"port"`
	Env  map[string]string `json:"env"`
}

// Main serves the mode named by EnvMode and exits. It returns without doing
// anything when EnvMode is unset.
func Main() {
	mode := os.Getenv(EnvMode)
	if mode == "" {
		return
	}
	os.Exit(run(mode))
}

// Command returns a command and environment that run this binary as a
// backend in mode.
func Command(mode string) ([]string, map[string]string) {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return []string{exe}, map[string]string{EnvMode: mode}
}

func run(mode string) int {
	if mode == Exit {
		fmt.Fprintln(os.Stderr, "exiting before listening")
		return 1
	}

	port, err := strconv.Atoi(os.Getenv("PORT"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad PORT: %v\n", err)
		return 2
	}

	exitCode := make(chan int, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		if mode == Hang {
			<-r.Context().Done()
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		switch mode {
		case CrashOnRequest:
			os.Exit(1)
		case Slow:
			time.Sleep(SlowDelay)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Info{PID: os.Getpid(), Port: port, Env: environment()})
	})
	mux.HandleFunc("POST /echo", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write(body)
	})
	mux.HandleFunc("POST /stop", func(w http.ResponseWriter, r *http.Request) {
		code, _ := strconv.Atoi(r.URL.Query().Get("code"))
		w.WriteHeader(http.StatusNoContent)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		select {
		case exitCode <- code:
		default:
		}
	})

	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		return 2
	}
	fmt.Printf("%s target listening on %s\n", mode, l.Addr())

	srv := &http.Server{Handler: mux}
	go srv.Serve(l)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	code := 0
	select {
	case <-ctx.Done():
	case code = <-exitCode:
	}

	_ = srv.Close()
	return code
}

func environment() map[string]string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
