package target

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
)

// recentLines is how many output lines of a target are kept for exit reports.
const recentLines = 20

// Exit describes how a target process ended.
type Exit struct {
	PID int
	// Code is the exit code, or -1 when the process was killed by a signal or
	// never started.
	Code   int
	Signal syscall.Signal
	// Err is set when the process could not be started, or when it was
	// stopped because it never became ready.
	Err error
	// RecentOutput holds the last lines the process wrote.
	RecentOutput []string
}

func (e Exit) String() string {
	var b strings.Builder
	switch {
	case e.Err != nil:
		fmt.Fprintf(&b, "target failed: %v", e.Err)
	case e.Signal != 0:
		fmt.Fprintf(&b, "target %d killed by %s", e.PID, e.Signal)
	default:
		fmt.Fprintf(&b, "target %d exited with code %d", e.PID, e.Code)
	}
	if len(e.RecentOutput) > 0 {
		b.WriteString("\nRecent output:\n")
		b.WriteString(strings.Join(e.RecentOutput, "\n"))
	}
	return b.String()
}

func (e Exit) reason() string {
	switch {
	case e.Err != nil:
		return "error"
	case e.Signal != 0:
		return "signal"
	default:
		return "exit"
	}
}

// process is one spawned instance of the target.
type process struct {
	cmd    *exec.Cmd
	pid    atomic.Int64
	stdout *lineWriter
	stderr *lineWriter
	recent *recentOutput

	// readinessErr is the probe failure that caused the process to be stopped.
	readinessErr error
	// reported is set once the first exit report for this process was handled.
	reported bool
}

// Environ builds the environment of a target: base overlaid with overrides,
// then the port under portVar. The result is sorted by key.
func Environ(base []string, overrides map[string]string, portVar string, port int) []string {
	env := make(map[string]string, len(base)+len(overrides)+1)
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	for k, v := range overrides {
		env[k] = v
	}
	env[portVar] = strconv.Itoa(port)

	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

func environ(overrides map[string]string, portVar string, port int) []string {
	return Environ(os.Environ(), overrides, portVar, port)
}

// lineWriter splits a byte stream into lines and hands each one to sink.
// A trailing partial line is kept until the next newline or Flush.
type lineWriter struct {
	mu   sync.Mutex
	buf  []byte
	sink func(line string)
}

func newLineWriter(sink func(line string)) *lineWriter {
	return &lineWriter{sink: sink}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSuffix(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		w.sink(line)
	}
	return len(p), nil
}

// Flush emits a pending partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		line := strings.TrimSuffix(string(w.buf), "\r")
		w.buf = nil
		w.sink(line)
	}
}

// recentOutput is a ring of the last lines a target wrote to either stream.
type recentOutput struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func newRecentOutput(n int) *recentOutput {
	return &recentOutput{lines: make([]string, n)}
}

func (r *recentOutput) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// Lines returns the kept lines, oldest first.
func (r *recentOutput) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string(nil), r.lines[:r.next]...)
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	return append(out, r.lines[:r.next]...)
}
