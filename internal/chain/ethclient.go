package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// NodeClient implements Client over a JSON-RPC Ethereum node.
type NodeClient struct {
	eth     *ethclient.Client
	chainID *big.Int
	signer  types.Signer
	key     *ecdsa.PrivateKey // nil when the hot wallet key is not loaded
	from    common.Address
}

// Dial connects to the node and probes its chain id. hotWalletKey is the hot
// wallet's hex private key; pass "" for a read-only client (indexer only).
func Dial(ctx context.Context, rpcURL, hotWalletKey string) (*NodeClient, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("chain: chain id: %w", err)
	}

	c := &NodeClient{
		eth:     eth,
		chainID: chainID,
		signer:  types.LatestSignerForChainID(chainID),
	}
	if hotWalletKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hotWalletKey, "0x"))
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("chain: hot wallet key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

// Close releases the underlying RPC connection.
func (c *NodeClient) Close() {
	c.eth.Close()
}

func (c *NodeClient) LatestBlock(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return n, nil
}

// TransfersTo walks full blocks and picks out plain value transfers whose
// recipient is addr. Internal transfers from contract calls are not visible
// this way; deposits are expected to be direct sends.
func (c *NodeClient) TransfersTo(ctx context.Context, addr string, from, to uint64) ([]Transfer, error) {
	target := common.HexToAddress(addr)
	var out []Transfer
	for n := from; n <= to; n++ {
		block, err := c.eth.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return nil, fmt.Errorf("chain: block %d: %w", n, err)
		}
		for i, tx := range block.Transactions() {
			if tx.To() == nil || *tx.To() != target || tx.Value().Sign() <= 0 {
				continue
			}
			sender, err := types.Sender(c.signer, tx)
			if err != nil {
				return nil, fmt.Errorf("chain: sender of %s: %w", tx.Hash(), err)
			}
			out = append(out, Transfer{
				TxHash:   strings.ToLower(tx.Hash().Hex()),
				LogIndex: uint32(i),
				Block:    n,
				From:     strings.ToLower(sender.Hex()),
				Amount:   new(big.Int).Set(tx.Value()),
			})
		}
	}
	return out, nil
}

// SubscribeNewHead bridges the node's head subscription to plain block
// numbers. Requires a websocket RPC endpoint; HTTP nodes return an error.
func (c *NodeClient) SubscribeNewHead(ctx context.Context) (<-chan uint64, func(), error) {
	headers := make(chan *types.Header, 16)
	sub, err := c.eth.SubscribeNewHead(ctx, headers)
	if err != nil {
		return nil, nil, fmt.Errorf("chain: subscribe heads: %w", err)
	}

	out := make(chan uint64, 16)
	go func() {
		defer close(out)
		for {
			select {
			case h, ok := <-headers:
				if !ok {
					return
				}
				select {
				case out <- h.Number.Uint64():
				default: // slow consumer; the poll loop catches up
				}
			case <-sub.Err():
				return
			}
		}
	}()
	return out, sub.Unsubscribe, nil
}

func (c *NodeClient) Balance(ctx context.Context, addr string) (*big.Int, error) {
	bal, err := c.eth.BalanceAt(ctx, common.HexToAddress(addr), nil)
	if err != nil {
		return nil, fmt.Errorf("chain: balance of %s: %w", addr, err)
	}
	return bal, nil
}

// Send submits a plain EIP-1559 transfer from the hot wallet.
func (c *NodeClient) Send(ctx context.Context, to string, amount *big.Int) (string, error) {
	if c.key == nil {
		return "", fmt.Errorf("chain: hot wallet key not loaded")
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("chain: nonce: %w", err)
	}
	tipCap, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("chain: tip cap: %w", err)
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("chain: head: %w", err)
	}
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	target := common.HexToAddress(to)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       21000,
		To:        &target,
		Value:     amount,
	})
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return "", fmt.Errorf("chain: sign: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("chain: send: %w", err)
	}
	return strings.ToLower(signed.Hash().Hex()), nil
}
