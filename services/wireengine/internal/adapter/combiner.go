// Package adapter implements the transport adapter: batch-op translation
// from the RPC surface into wire.Writer invocations and demux
// subscriptions, stream id allocation, and connection-state transitions
// (spec §4.6).
//
// Grounded on redb-open's TransportManager (services/mesh/internal/
// transport/ws/transport.go), which already owns a connection-scoped
// table (its links map) and drives per-connection lifecycle; this
// package adds the single-consumer combiner this package requires to
// serialize all mutation of that table (§5).
package adapter

// Combiner is a per-connection serialized execution context (§5,
// "Combiner"): a single-consumer work queue. Its only observable
// behavior is that the closures it runs never overlap.
type Combiner struct {
	tasks chan func()
}

// NewCombiner starts a Combiner's consumer goroutine.
func NewCombiner() *Combiner {
	c := &Combiner{tasks: make(chan func(), 256)}
	go c.run()
	return c
}

func (c *Combiner) run() {
	for fn := range c.tasks {
		fn()
	}
}

// Run enqueues fn and returns immediately; fn runs serialized with every
// other closure this Combiner has been or will be given.
func (c *Combiner) Run(fn func()) {
	c.tasks <- fn
}

// RunSync enqueues fn and blocks until it has run. Used where the caller
// must observe fn's side effects before proceeding — e.g. perform_stream_op
// registering recv callbacks with the demux before returning (§4.6).
func (c *Combiner) RunSync(fn func()) {
	done := make(chan struct{})
	c.tasks <- func() {
		fn()
		close(done)
	}
	<-done
}

// Close stops accepting new work. Already-enqueued closures still run.
func (c *Combiner) Close() {
	close(c.tasks)
}
