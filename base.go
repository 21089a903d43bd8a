package rudp

import (
	"time"

	"go.uber.org/zap"
)

// Default per-peer timeouts.
const (
	DefaultMinRTO    = 200 * time.Millisecond
	DefaultMaxRTO    = 1000 * time.Millisecond
	DefaultAction    = 100 * time.Millisecond
	DefaultDropAfter = 10000 * time.Millisecond
)

// clockGranularity is RFC 6298's G: the coarsest clock tick the RTO
// estimator assumes when it computes max(G, 4*rttvar).
const clockGranularity = time.Second

// Timeouts bundles the per-peer timers a Base seeds new peers with;
// individual peers may override them afterwards.
type Timeouts struct {
	MinRTO RTO
	MaxRTO RTO
	// Action is the idle interval after which a peer with nothing to
	// send emits a keepalive PING.
	Action time.Duration
	// Drop is added to "now" on every in-order or retransmitted
	// reliable receipt to produce the absolute dead-peer deadline.
	Drop time.Duration
}

// RTO is a retransmission timeout, clamped to [MinRTO, MaxRTO] by the
// peer's estimator.
type RTO = time.Duration

func defaultTimeouts() Timeouts {
	return Timeouts{
		MinRTO: DefaultMinRTO,
		MaxRTO: DefaultMaxRTO,
		Action: DefaultAction,
		Drop:   DefaultDropAfter,
	}
}

// Allocator lets a caller hook packet buffer allocation. The default is
// the Go allocator, relying on the garbage collector instead of an
// explicit free.
type Allocator interface {
	Alloc(size int) []byte
}

type goAllocator struct{}

func (goAllocator) Alloc(size int) []byte { return make([]byte, size) }

// Base is the shared configuration every endpoint, peer, client and
// server is constructed with. It carries no global state: every
// constructor in this package takes a *Base explicitly.
type Base struct {
	log      *zap.SugaredLogger
	alloc    Allocator
	timeouts Timeouts
}

// Option configures a Base at construction time.
type Option func(*Base)

// WithLogger attaches a zap sugared logger. The default is a no-op
// logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(b *Base) { b.log = log }
}

// WithAllocator overrides the packet buffer allocator.
func WithAllocator(a Allocator) Option {
	return func(b *Base) { b.alloc = a }
}

// WithTimeouts overrides the default per-peer timeouts new peers are
// seeded with.
func WithTimeouts(t Timeouts) Option {
	return func(b *Base) { b.timeouts = t }
}

// NewBase constructs a Base context with sane defaults: no-op logging,
// the Go allocator, and the default timeouts.
func NewBase(opts ...Option) *Base {
	b := &Base{
		log:      zap.NewNop().Sugar(),
		alloc:    goAllocator{},
		timeouts: defaultTimeouts(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Base) logger() *zap.SugaredLogger {
	if b == nil || b.log == nil {
		return zap.NewNop().Sugar()
	}
	return b.log
}
