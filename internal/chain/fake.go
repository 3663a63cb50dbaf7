package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// FakeClient is an in-memory chain for tests. Blocks are appended with
// AddTransfer and the tip moves with Advance; Reorg rewrites history from a
// given height to exercise the indexer's re-scan path.
type FakeClient struct {
	mu        sync.Mutex
	tip       uint64
	transfers map[uint64][]Transfer
	balances  map[string]*big.Int
	sent      []Transfer
	sendErr   error
	scanErr   error
	subErr    error
	heads     []chan uint64
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		transfers: make(map[uint64][]Transfer),
		balances:  make(map[string]*big.Int),
	}
}

func (f *FakeClient) LatestBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip, nil
}

func (f *FakeClient) TransfersTo(ctx context.Context, addr string, from, to uint64) ([]Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	// The fake watches a single address; every recorded transfer is a hit.
	var out []Transfer
	for n := from; n <= to; n++ {
		out = append(out, f.transfers[n]...)
	}
	return out, nil
}

func (f *FakeClient) Balance(ctx context.Context, addr string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bal, ok := f.balances[strings.ToLower(addr)]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

func (f *FakeClient) Send(ctx context.Context, to string, amount *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	hash := fmt.Sprintf("0xfake%060d", len(f.sent)+1)
	f.sent = append(f.sent, Transfer{
		TxHash: hash,
		From:   strings.ToLower(to),
		Amount: new(big.Int).Set(amount),
	})
	return hash, nil
}

// SubscribeNewHead delivers the tip on every Advance or AddTransfer.
func (f *FakeClient) SubscribeNewHead(ctx context.Context) (<-chan uint64, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, nil, f.subErr
	}
	ch := make(chan uint64, 16)
	f.heads = append(f.heads, ch)
	return ch, func() {}, nil
}

// HeadSubscribers reports how many head subscriptions are attached.
func (f *FakeClient) HeadSubscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heads)
}

// notifyHeads is called with the lock held.
func (f *FakeClient) notifyHeads() {
	for _, ch := range f.heads {
		select {
		case ch <- f.tip:
		default:
		}
	}
}

// Advance moves the tip forward.
func (f *FakeClient) Advance(blocks uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tip += blocks
	f.notifyHeads()
}

// AddTransfer records a deposit at the given block.
func (f *FakeClient) AddTransfer(block uint64, t Transfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.Block = block
	f.transfers[block] = append(f.transfers[block], t)
	if block > f.tip {
		f.tip = block
	}
	f.notifyHeads()
}

// Reorg drops all transfers at heights >= from, simulating a chain
// reorganization. The tip is left where it was.
func (f *FakeClient) Reorg(from uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for n := range f.transfers {
		if n >= from {
			delete(f.transfers, n)
		}
	}
}

// SetBalance fixes an address balance reading.
func (f *FakeClient) SetBalance(addr string, wei *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[strings.ToLower(addr)] = new(big.Int).Set(wei)
}

// SetScanErr makes TransfersTo fail, for indexer backoff tests.
func (f *FakeClient) SetScanErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanErr = err
}

// SetSubErr makes SubscribeNewHead fail, forcing polling-only mode.
func (f *FakeClient) SetSubErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subErr = err
}

// SetSendErr makes Send fail, for payout failure tests.
func (f *FakeClient) SetSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// Sent returns all transfers submitted through Send.
func (f *FakeClient) Sent() []Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Transfer, len(f.sent))
	copy(out, f.sent)
	return out
}
