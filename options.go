package socketlib

// Option configures an Endpoint at construction time, following the
// functional-options idiom code.hybscloud.com/framer uses (options.go,
// netopts.go) rather than a config struct mutated by field assignment.
type Option func(*endpointConfig)

// WithBufferSize sets the per-tick read buffer size (default 512).
func WithBufferSize(n int) Option {
	return func(c *endpointConfig) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// WithNoDelay sets TCP_NODELAY before bind/connect (default false). Must
// be applied before bindAndListen/connect per spec.md §3.
func WithNoDelay(enabled bool) Option {
	return func(c *endpointConfig) { c.noDelay = enabled }
}

// WithWorkerThreadCount sets the read/write worker multiplier (default
// 2): the Endpoint spawns max(n, 1) × 2 worker goroutines.
func WithWorkerThreadCount(n int) Option {
	return func(c *endpointConfig) {
		if n > 0 {
			c.workerThreadCount = n
		}
	}
}
