// Package guardian enforces the three compliance laws of the trading
// protocol: funds may only move under a live settlement authorization,
// market prices may not move or update abnormally, and user balances may
// not stay negative. Every detected breach becomes a violation record and
// triggers a severity-scaled enforcement action.
//
// All entry points are synchronous and serialized; the trading engine is
// expected to poll the emergency flags before proceeding with trades.
package guardian

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Clock returns the time observed by a call.
type Clock func() time.Time

// BlockSource supplies the block number mixed into violation fingerprints.
// It is consulted only while a violation is being recorded, with the
// guardian lock held, so implementations answer from memory.
type BlockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Option customises a Guardian.
type Option func(*Guardian)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(g *Guardian) { g.clock = c }
}

// WithBlockSource sets the block context used for fingerprints.
func WithBlockSource(b BlockSource) Option {
	return func(g *Guardian) { g.blocks = b }
}

// WithSignalSink routes outbound signals to s.
func WithSignalSink(s SignalSink) Option {
	return func(g *Guardian) { g.sink = s }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Guardian) { g.logger = logger }
}

// Guardian owns a Ledger and exposes the role-gated entry points over it.
type Guardian struct {
	mu     sync.Mutex
	ledger *Ledger
	policy Policy
	clock  Clock
	blocks BlockSource
	sink   SignalSink
	logger zerolog.Logger

	seq     uint64
	pending []Signal

	// outbox holds committed signals in commit order; draining marks the
	// single goroutine currently delivering them.
	outbox   []dispatch
	draining bool
}

type dispatch struct {
	ctx    context.Context
	signal Signal
}

// callFrame is the context observed by one entry point invocation.
type callFrame struct {
	ctx    context.Context
	caller common.Address
	now    time.Time
	seq    uint64

	block      uint64
	blockKnown bool
}

// New builds a Guardian over ledger, granting admin to the given address.
// A nil ledger starts empty.
func New(admin common.Address, policy Policy, ledger *Ledger, opts ...Option) (*Guardian, error) {
	if admin == (common.Address{}) {
		return nil, errors.New("guardian: admin address is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if ledger == nil {
		ledger = NewLedger()
	}

	g := &Guardian{
		ledger: ledger,
		policy: policy,
		clock:  func() time.Time { return time.Now().UTC() },
		sink:   nopSink{},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With().Str("component", "guardian").Logger()

	m := &ledger.metrics
	m.Score = ComputeScore(m.ActiveViolations, m.CriticalViolations, ledger.flags, policy)
	m.Compliant = m.Score >= policy.CompliantScore

	for _, law := range Laws {
		if _, ok := ledger.lawEnabled[law]; !ok {
			ledger.lawEnabled[law] = true
		}
		if _, ok := ledger.defaultActions[law]; !ok {
			ledger.defaultActions[law] = policy.DefaultActions[law]
		}
	}
	ledger.grant(RoleAdmin, admin)

	return g, nil
}

// Policy returns the thresholds the guardian was built with.
func (g *Guardian) Policy() Policy {
	return g.policy
}

// call runs fn as one atomic entry point after checking the caller holds
// role. Signals queued by fn are delivered after the lock is released, in
// the order their calls committed.
func (g *Guardian) call(ctx context.Context, role Role, fn func(f *callFrame) error) error {
	drain, err := g.commit(ctx, role, fn)
	if drain {
		g.drain()
	}
	return err
}

func (g *Guardian) commit(ctx context.Context, role Role, fn func(f *callFrame) error) (drain bool, err error) {
	g.mu.Lock()
	completed := false
	defer func() {
		if completed {
			for _, s := range g.pending {
				g.outbox = append(g.outbox, dispatch{ctx: ctx, signal: s})
			}
		}
		g.pending = nil
		if completed && len(g.outbox) > 0 && !g.draining {
			g.draining = true
			drain = true
		}
		g.mu.Unlock()
	}()

	caller, ok := CallerFrom(ctx)
	if !ok || !g.ledger.hasRole(role, caller) {
		completed = true
		return false, ErrUnauthorized
	}

	g.seq++
	frame := &callFrame{ctx: ctx, caller: caller, now: g.clock(), seq: g.seq}
	err = fn(frame)
	completed = true
	return false, err
}

// drain delivers the outbox until it is empty. Only one goroutine drains at
// a time; calls committed meanwhile, including calls made from the sink,
// leave their signals to the active drainer.
func (g *Guardian) drain() {
	finished := false
	defer func() {
		if !finished {
			g.mu.Lock()
			g.draining = false
			g.mu.Unlock()
		}
	}()

	for {
		g.mu.Lock()
		batch := g.outbox
		g.outbox = nil
		if len(batch) == 0 {
			g.draining = false
			finished = true
			g.mu.Unlock()
			return
		}
		g.mu.Unlock()

		for _, d := range batch {
			g.sink.HandleSignal(d.ctx, d.signal)
		}
	}
}

// view runs fn under the lock without role checks.
func (g *Guardian) view(fn func(now time.Time)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g.clock())
}

func (g *Guardian) emit(f *callFrame, s Signal) {
	s.At = f.now
	s.Caller = f.caller
	g.pending = append(g.pending, s)
}

func (g *Guardian) blockNumber(f *callFrame) uint64 {
	if f.blockKnown {
		return f.block
	}
	f.blockKnown = true
	if g.blocks == nil {
		return 0
	}
	n, err := g.blocks.BlockNumber(f.ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("block number unavailable; fingerprint uses zero")
		return 0
	}
	f.block = n
	return n
}
