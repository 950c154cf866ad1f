// Package chain reads block context from an Ethereum JSON-RPC endpoint.
package chain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"compliance-guardian/internal/guardian"
	"compliance-guardian/internal/logging"
)

var (
	// ErrNotConfigured is returned when no RPC URL was supplied.
	ErrNotConfigured = errors.New("ethereum rpc url not configured")
	// ErrNoHead is returned until the first successful refresh.
	ErrNoHead = errors.New("chain head not fetched yet")
)

const (
	defaultTimeout      = 10 * time.Second
	defaultPollInterval = 12 * time.Second
)

// Options parameterise the block source.
type Options struct {
	RPCURL       string
	Timeout      time.Duration
	PollInterval time.Duration
}

// BlockSource tracks the chain head. Run polls the endpoint in the
// background; BlockNumber only reads the cached head.
type BlockSource struct {
	opts      Options
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex

	head    atomic.Uint64
	fetched atomic.Bool
}

// NewBlockSource builds a block source over the configured endpoint.
func NewBlockSource(opts Options, logger zerolog.Logger) *BlockSource {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &BlockSource{opts: opts, logger: logging.Component(logger, "block_source")}
}

// BlockNumber returns the last head seen by Refresh.
func (b *BlockSource) BlockNumber(context.Context) (uint64, error) {
	if b.opts.RPCURL == "" {
		return 0, ErrNotConfigured
	}
	if !b.fetched.Load() {
		return 0, ErrNoHead
	}
	return b.head.Load(), nil
}

// Refresh asks the endpoint for the latest block and caches it.
func (b *BlockSource) Refresh(ctx context.Context) (uint64, error) {
	if b.opts.RPCURL == "" {
		return 0, ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	client, err := b.getClient(ctx)
	if err != nil {
		return 0, err
	}

	n, err := client.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	b.head.Store(n)
	b.fetched.Store(true)
	return n, nil
}

// Run refreshes the head every poll interval until ctx is cancelled. Failed
// refreshes keep the previous head.
func (b *BlockSource) Run(ctx context.Context) error {
	if b.opts.RPCURL == "" {
		return ErrNotConfigured
	}

	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		if n, err := b.Refresh(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("block head refresh failed")
		} else {
			b.logger.Debug().Uint64("head", n).Msg("block head refreshed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close releases the RPC connection, if any.
func (b *BlockSource) Close() {
	b.clientMux.Lock()
	defer b.clientMux.Unlock()
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
}

func (b *BlockSource) getClient(ctx context.Context) (*ethclient.Client, error) {
	b.clientMux.Lock()
	defer b.clientMux.Unlock()

	if b.client != nil {
		return b.client, nil
	}

	client, err := ethclient.DialContext(ctx, b.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	b.client = client
	return client, nil
}

var _ guardian.BlockSource = (*BlockSource)(nil)
