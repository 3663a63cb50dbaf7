// Package chain abstracts the Ethereum node behind a narrow interface so the
// indexer and payout dispatcher can run against a fake in tests.
package chain

import (
	"context"
	"math/big"
)

// Transfer is one native-ETH credit to the watched address. LogIndex is the
// transaction's index within its block, which keys deposit idempotency
// together with the hash.
type Transfer struct {
	TxHash   string
	LogIndex uint32
	Block    uint64
	From     string
	Amount   *big.Int
}

// Client is the node surface the engine needs.
type Client interface {
	// LatestBlock returns the current chain tip number.
	LatestBlock(ctx context.Context) (uint64, error)
	// TransfersTo returns native transfers into addr within [from, to],
	// both bounds inclusive.
	TransfersTo(ctx context.Context, addr string, from, to uint64) ([]Transfer, error)
	// Balance returns the current wei balance of addr.
	Balance(ctx context.Context, addr string) (*big.Int, error)
	// Send signs and submits a transfer from the hot wallet and returns the
	// transaction hash.
	Send(ctx context.Context, to string, amount *big.Int) (string, error)
	// SubscribeNewHead streams new block numbers until stop is called. An
	// error means the node does not support subscriptions; callers fall
	// back to polling.
	SubscribeNewHead(ctx context.Context) (heads <-chan uint64, stop func(), err error)
}
