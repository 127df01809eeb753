// Package readiness decides whether a freshly spawned target accepts HTTP
// traffic yet.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
)

// ProbeError is a retryable probe failure: the target answered with a non-2xx
// status, refused or dropped the connection, or did not answer in time.
type ProbeError struct {
	StatusCode int
	Err        error
}

func (e *ProbeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("readiness probe status: %d", e.StatusCode)
	}
	return fmt.Sprintf("readiness probe: %v", e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// HardError is a probe fault that retrying cannot fix.
type HardError struct {
	Err error
}

func (e *HardError) Error() string { return fmt.Sprintf("readiness probe failed hard: %v", e.Err) }

func (e *HardError) Unwrap() error { return e.Err }

// Probe issues one GET against url. It returns nil for a 2xx answer, a
// *ProbeError for retryable failures and a *HardError otherwise.
func Probe(ctx context.Context, client *http.Client, url string, timeout time.Duration) error {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &HardError{Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		if retryable(err) {
			return &ProbeError{Err: err}
		}
		return &HardError{Err: err}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ProbeError{StatusCode: resp.StatusCode}
	}
	return nil
}

func retryable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Spec is one probe loop: the URL to poll and how hard to try.
type Spec struct {
	URL        string
	MaxTries   int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// Attempt is reported after every probe attempt.
type Attempt func(spec Spec, try int, err error)

// NotReadyError reports a target that never answered a probe successfully.
type NotReadyError struct {
	URL   string
	Tries int
	Last  error
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("target did not come up at %s after %d tries; last error: %v", e.URL, e.Tries, e.Last)
}

func (e *NotReadyError) Unwrap() error { return e.Last }

// WaitFor polls spec.URL until it succeeds, up to spec.MaxTries attempts with
// spec.RetryDelay between them. A *HardError stops the loop at once. When ctx
// is canceled, ctx.Err() is returned and no further attempt is made.
func WaitFor(ctx context.Context, client *http.Client, spec Spec, onAttempt Attempt) error {
	tries := 0
	op := func() (struct{}, error) {
		tries++
		err := Probe(ctx, client, spec.URL, spec.Timeout)
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		if onAttempt != nil {
			onAttempt(spec, tries, err)
		}
		var hard *HardError
		if errors.As(err, &hard) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	maxTries := spec.MaxTries
	if maxTries < 1 {
		maxTries = 1
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(spec.RetryDelay)),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	var hard *HardError
	if errors.As(err, &hard) {
		return err
	}
	return &NotReadyError{URL: spec.URL, Tries: tries, Last: err}
}

// All runs one WaitFor per spec concurrently. It succeeds only when every
// probe succeeds; the first failure cancels the others and is returned.
func All(ctx context.Context, client *http.Client, specs []Spec, onAttempt Attempt) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		g.Go(func() error {
			return WaitFor(gctx, client, spec, onAttempt)
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
