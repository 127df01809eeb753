package target

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnviron(t *testing.T) {
	env := Environ(
		[]string{"HOME=/home/me", "FOO=base", "PORT=1", "broken"},
		map[string]string{"FOO": "bar", "EXTRA": "x=y"},
		"PORT", 4321,
	)
	assert.Equal(t, []string{
		"EXTRA=x=y",
		"FOO=bar",
		"HOME=/home/me",
		"PORT=4321",
	}, env)
}

func TestLineWriter(t *testing.T) {
	var lines []string
	w := newLineWriter(func(line string) { lines = append(lines, line) })

	fmt.Fprint(w, "one\ntw")
	fmt.Fprint(w, "o\r\nthree\n")
	fmt.Fprint(w, "partial")
	assert.Equal(t, []string{"one", "two", "three"}, lines)

	w.Flush()
	assert.Equal(t, []string{"one", "two", "three", "partial"}, lines)

	w.Flush()
	assert.Len(t, lines, 4)
}

func TestRecentOutput(t *testing.T) {
	r := newRecentOutput(3)
	assert.Empty(t, r.Lines())

	r.add("a")
	r.add("b")
	assert.Equal(t, []string{"a", "b"}, r.Lines())

	r.add("c")
	r.add("d")
	r.add("e")
	assert.Equal(t, []string{"c", "d", "e"}, r.Lines())
}

func TestExitString(t *testing.T) {
	assert.Equal(t, "target 7 exited with code 1", Exit{PID: 7, Code: 1}.String())
	assert.Equal(t, "target 7 killed by terminated", Exit{PID: 7, Code: -1, Signal: syscall.SIGTERM}.String())

	s := Exit{Err: errors.New("boom"), RecentOutput: []string{"l1", "l2"}}.String()
	assert.True(t, strings.HasPrefix(s, "target failed: boom"))
	assert.Contains(t, s, "Recent output:\nl1\nl2")
}
