package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tarasglek/lazyproxy/internal/metrics"
)

type targetURLKey struct{}

// clientBody remembers the first error reading the client's request body.
type clientBody struct {
	io.ReadCloser

	mu  sync.Mutex
	err error
}

func (b *clientBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		b.mu.Lock()
		if b.err == nil {
			b.err = err
		}
		b.mu.Unlock()
	}
	return n, err
}

func (b *clientBody) readErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// forwardRequest prepares r for the forwarder.
func forwardRequest(r *http.Request, target *url.URL) *http.Request {
	out := r.WithContext(withTargetURL(r.Context(), target))
	if out.Body != nil && out.Body != http.NoBody {
		out.Body = &clientBody{ReadCloser: out.Body}
	}
	return out
}

// clientGone reports whether a forwarding error was caused by the client
// going away, either by hanging up or by failing to send its body.
func clientGone(r *http.Request, err error) bool {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		return true
	}
	b, ok := r.Body.(*clientBody)
	return ok && b.readErr() != nil
}

func withTargetURL(ctx context.Context, u *url.URL) context.Context {
	return context.WithValue(ctx, targetURLKey{}, u)
}

// newForwarder returns the reverse proxy that sends live traffic to the
// target address stored in the request context.
func newForwarder(outgoingTimeout time.Duration, log *zap.Logger, m *metrics.Proxy) *httputil.ReverseProxy {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: outgoingTimeout,
	}

	return &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			target, _ := req.Context().Value(targetURLKey{}).(*url.URL)
			if target == nil {
				return
			}
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
		},
		Transport: transport,
		ErrorLog:  zap.NewStdLog(log),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if clientGone(r, err) {
				// The client hung up; nobody is left to answer.
				m.Request(metrics.OutcomeClientDisconnect)
				log.Warn("client disconnected",
					zap.String("method", r.Method),
					zap.String("uri", r.RequestURI),
					zap.Error(err))
				return
			}
			m.Request(metrics.OutcomeBadGateway)
			log.Error("proxy error on "+r.Method+" "+r.RequestURI, zap.Error(err))
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}
