package audio

import "sync"

const (
	// DefaultMaxPoolSize bounds the number of idle Ports PortPool retains
	// when the caller doesn't configure one (config.Config.MaxPoolSize).
	DefaultMaxPoolSize = 3
	// DefaultMaxReuseCount is the reuse ceiling; a Port is destroyed instead
	// of recycled once it has served this many calls, since native media
	// state accumulates across reuses. Used when the caller doesn't
	// configure one (config.Config.MaxReuseCount).
	DefaultMaxReuseCount = 5
)

// Pool is the PortPool of §4.9: a bounded cache of AudioPort instances with
// a reuse ceiling, used to keep first-frame latency stable across hundreds
// of consecutive calls instead of paying native-side setup cost per call.
type Pool struct {
	mu   sync.Mutex
	idle []*Port

	maxSize  int
	maxReuse int
}

// NewPool constructs an empty PortPool. maxSize/maxReuseCount <= 0 fall back
// to DefaultMaxPoolSize/DefaultMaxReuseCount.
func NewPool(maxSize, maxReuseCount int) *Pool {
	if maxSize <= 0 {
		maxSize = DefaultMaxPoolSize
	}
	if maxReuseCount <= 0 {
		maxReuseCount = DefaultMaxReuseCount
	}
	return &Pool{maxSize: maxSize, maxReuse: maxReuseCount}
}

// Acquire pops a clean idle Port if one is available and under its reuse
// ceiling, destroying and replacing it with a fresh Port if the ceiling has
// been reached; otherwise it creates a fresh Port outright.
func (p *Pool) Acquire(ready chan<- struct{}, bridge *Bridge) *Port {
	p.mu.Lock()
	var port *Port
	if len(p.idle) > 0 {
		port = p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
	}
	p.mu.Unlock()

	if port == nil || port.ReuseCount() >= p.maxReuse {
		port = NewPort()
	}

	port.PrepareForNewCall(ready, bridge)
	return port
}

// Release drains the port (PrepareForPool) and either returns it to the
// idle cache, bumping its reuse count, or discards it outright if the pool
// is already at its configured maxSize.
func (p *Pool) Release(port *Port) {
	port.PrepareForPool()
	port.bumpReuseCount()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) >= p.maxSize {
		return
	}
	p.idle = append(p.idle, port)
}

// Size reports the current number of idle ports held by the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}
