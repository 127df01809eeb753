package proxy

// readySignal is the single pending-ready point all queued requests of one
// boot attempt wait on. It is resolved exactly once, with the proxy lock held.
type readySignal struct {
	done chan struct{}
	// err is nil when the target became ready. It may only be read after
	// done is closed.
	err error
}

func newReadySignal() *readySignal {
	return &readySignal{done: make(chan struct{})}
}

func (r *readySignal) resolve(err error) {
	r.err = err
	close(r.done)
}
