// Package chain observes escrow deposits on an EVM chain.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"isarelay/internal/contracts"
)

// Client reads balances from an RPC node.
type Client struct {
	client  *ethclient.Client
	erc20   abi.ABI
	chainID *big.Int
}

type Config struct {
	RPCURL string
}

func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(contracts.ERC20ABI))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	return &Client{client: cli, erc20: parsed, chainID: chainID}, nil
}

func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

func (c *Client) NativeBalance(ctx context.Context, owner common.Address) (*uint256.Int, error) {
	bal, err := c.client.BalanceAt(ctx, owner, nil)
	if err != nil {
		return nil, fmt.Errorf("native balance of %s: %w", owner.Hex(), err)
	}
	return toUint256(bal)
}

func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*uint256.Int, error) {
	bound := bind.NewBoundContract(token, c.erc20, c.client, c.client, c.client)
	var out []interface{}
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", owner); err != nil {
		return nil, fmt.Errorf("balanceOf %s on %s: %w", owner.Hex(), token.Hex(), err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("balanceOf returned %d values", len(out))
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf returned %T", out[0])
	}
	return toUint256(bal)
}

func (c *Client) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *Client) Close() {
	c.client.Close()
}

func toUint256(v *big.Int) (*uint256.Int, error) {
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("balance %s overflows uint256", v)
	}
	return out, nil
}
