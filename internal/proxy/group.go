package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/tarasglek/lazyproxy/internal/config"
	"github.com/tarasglek/lazyproxy/internal/metrics"
)

// Group is one Server per configured proxy. The servers share nothing but
// their options.
type Group struct {
	servers []*Server
}

// NewGroup builds a server for every config. Each server records into its
// own slice of m, which may be nil.
func NewGroup(cfgs []config.Proxy, opts Options, m *metrics.Collectors) *Group {
	g := &Group{}
	for _, cfg := range cfgs {
		o := opts
		o.Metrics = m.For(cfg.Name)
		g.servers = append(g.servers, New(cfg, o))
	}
	return g
}

// Servers returns the servers in config order.
func (g *Group) Servers() []*Server {
	return g.servers
}

// Run serves every proxy until ctx is done or one of them fails to serve,
// then stops them all. It returns once every listener is closed; use
// Shutdown to wait for the targets.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	var wg sync.WaitGroup
	for _, s := range g.servers {
		wg.Add(1)
		eg.Go(func() error {
			defer wg.Done()
			err := s.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("proxy %s: %w", s.Name(), err)
			}
			return nil
		})
	}
	served := make(chan struct{})
	go func() {
		wg.Wait()
		close(served)
	}()
	eg.Go(func() error {
		select {
		case <-ctx.Done():
			g.Stop()
		case <-served:
		}
		return nil
	})
	return eg.Wait()
}

// Stop stops every server.
func (g *Group) Stop() {
	for _, s := range g.servers {
		s.Stop()
	}
}

// Shutdown stops every server and waits for all of them to reach ShutDown.
// Servers still running when ctx ends have their targets killed.
func (g *Group) Shutdown(ctx context.Context) error {
	g.Stop()
	var err error
	for _, s := range g.servers {
		select {
		case <-s.Done():
		case <-ctx.Done():
			s.Kill()
			err = multierr.Append(err, fmt.Errorf("proxy %s: %w", s.Name(), ctx.Err()))
		}
	}
	return err
}
