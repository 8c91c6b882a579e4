package audio

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	incomingQueueCapacity = 100
	outgoingQueueCapacity = 1000
	drainWindow           = 100 * time.Millisecond
)

// PortCounters mirrors the frame_counters of §3's AudioPort state.
type PortCounters struct {
	Requested       uint64
	Outgoing        uint64
	OutgoingSilence uint64
	Received        uint64
	QueueOverflow   uint64
}

// Port is the AudioPort of §4.3: the SIP-facing boundary between the native
// callback thread and the cooperative world, reached only through the
// lock-protected queues below and (in pull mode) the attached Bridge.
type Port struct {
	incoming chan []byte
	outgoing chan []byte

	mu     sync.Mutex
	active bool
	bridge *Bridge
	ready  chan<- struct{}
	firstRequestSignaled bool

	reuseCount int
	counters   PortCounters
}

// NewPort constructs an idle, inactive Port ready to be handed to PortPool.
func NewPort() *Port {
	return &Port{
		incoming: make(chan []byte, incomingQueueCapacity),
		outgoing: make(chan []byte, outgoingQueueCapacity),
	}
}

// PrepareForNewCall arms the port for a new call: marks it active, attaches
// the ready signal and (for pull mode) the Bridge, and resets the
// first-request latch.
func (p *Port) PrepareForNewCall(ready chan<- struct{}, bridge *Bridge) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = true
	p.ready = ready
	p.bridge = bridge
	p.firstRequestSignaled = false
	p.counters = PortCounters{}
}

// Disable immediately closes the door to fresh frames from the native
// thread; subsequent OnFrameRequested calls yield silence.
func (p *Port) Disable() {
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()
}

// Active reports whether the port is currently armed for a live call.
func (p *Port) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Counters returns a snapshot of the frame counters.
func (p *Port) Counters() PortCounters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters
}

// ReuseCount reports how many calls this Port has served via pool recycling.
func (p *Port) ReuseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reuseCount
}

// bumpReuseCount increments the reuse counter; called by PortPool on Release.
func (p *Port) bumpReuseCount() {
	p.mu.Lock()
	p.reuseCount++
	p.mu.Unlock()
}

// OnFrameRequested is invoked by the native SIP stack on its own thread at
// exactly 20ms cadence. It must return within a few milliseconds (§4.3).
func (p *Port) OnFrameRequested(out []byte) {
	p.mu.Lock()
	active := p.active
	bridge := p.bridge
	ready := p.ready
	signaled := p.firstRequestSignaled
	p.mu.Unlock()

	if !active {
		zeroFill(out)
		return
	}

	if !signaled {
		p.mu.Lock()
		p.firstRequestSignaled = true
		p.mu.Unlock()
		if ready != nil {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	}

	atomic.AddUint64(&p.counters.Requested, 1)

	var frame []byte
	if bridge != nil {
		frame = bridge.PullNext8k()
	} else {
		select {
		case frame = <-p.outgoing:
		default:
			frame = nil
		}
	}

	if frame == nil {
		zeroFill(out)
		atomic.AddUint64(&p.counters.Outgoing, 1)
		atomic.AddUint64(&p.counters.OutgoingSilence, 1)
		return
	}

	copyFrame(out, frame)
	atomic.AddUint64(&p.counters.Outgoing, 1)
	if isSilence(out) {
		atomic.AddUint64(&p.counters.OutgoingSilence, 1)
	}
}

// OnFrameReceived is invoked by the native SIP stack with an inbound RTP
// frame. Non-empty frames are copied and pushed non-blocking; a full queue
// drops the frame and increments a warning counter.
func (p *Port) OnFrameReceived(in []byte) {
	if len(in) == 0 {
		return
	}
	frame := append([]byte(nil), in...)
	select {
	case p.incoming <- frame:
		atomic.AddUint64(&p.counters.Received, 1)
	default:
		atomic.AddUint64(&p.counters.QueueOverflow, 1)
	}
}

// SendFrame pushes a frame into the outgoing queue (push mode). Non-blocking;
// returns false if the queue is full.
func (p *Port) SendFrame(b []byte) bool {
	frame := append([]byte(nil), b...)
	select {
	case p.outgoing <- frame:
		return true
	default:
		return false
	}
}

// GetFrame pops one frame from the incoming queue, non-blocking.
func (p *Port) GetFrame() ([]byte, bool) {
	select {
	case f := <-p.incoming:
		return f, true
	default:
		return nil, false
	}
}

// ClearIncoming drains the incoming queue and returns how many frames were dropped.
func (p *Port) ClearIncoming() int {
	return drainChan(p.incoming)
}

// ClearOutgoing drains the outgoing queue and returns how many frames were dropped.
func (p *Port) ClearOutgoing() int {
	return drainChan(p.outgoing)
}

// PrepareForPool performs the aggressive drain of §4.3: repeatedly empty
// both queues in a tight loop for up to 100ms, restarting the window each
// time the loop actually drained something, to eliminate residual
// jitter-buffered frames before the port returns to the pool.
func (p *Port) PrepareForPool() {
	p.Disable()
	deadline := time.Now().Add(drainWindow)
	for time.Now().Before(deadline) {
		drained := p.ClearIncoming() + p.ClearOutgoing()
		if drained > 0 {
			deadline = time.Now().Add(drainWindow)
		}
	}
	p.mu.Lock()
	p.bridge = nil
	p.ready = nil
	p.mu.Unlock()
}

func zeroFill(out []byte) {
	for i := range out {
		out[i] = 0
	}
}

// copyFrame right-pads a short frame with zeros or truncates a long one, per
// §4.3 rule 5.
func copyFrame(out, frame []byte) {
	n := copy(out, frame)
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}

func drainChan(ch chan []byte) int {
	n := 0
	for {
		select {
		case <-ch:
			n++
		default:
			return n
		}
	}
}
