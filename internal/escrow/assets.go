package escrow

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Assets is the asset interface of the execution environment, scoped to one
// atomic transaction.
type Assets interface {
	Balance(ctx context.Context, token, owner common.Address) (*uint256.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*uint256.Int, error)
	Approve(ctx context.Context, token, owner, spender common.Address, amount *uint256.Int) error
	Transfer(ctx context.Context, token, from, to common.Address, amount *uint256.Int) error
	TransferFrom(ctx context.Context, token, spender, from, to common.Address, amount *uint256.Int) error

	// Snapshot and RevertToSnapshot undo changes made within the transaction.
	Snapshot() int
	RevertToSnapshot(id int)
}

// Ledger runs fn as one all-or-nothing transaction. Changes are kept only if
// fn returns nil; fn's error is returned unchanged otherwise.
type Ledger interface {
	Atomic(ctx context.Context, fn func(Assets) error) error
}

// Wallet is an asset view whose every debit is made as Owner.
type Wallet interface {
	Owner() common.Address
	Balance(ctx context.Context, token common.Address) (*uint256.Int, error)
	Transfer(ctx context.Context, token, to common.Address, amount *uint256.Int) error
	TransferFrom(ctx context.Context, token, from, to common.Address, amount *uint256.Int) error
}

// Call is one target invocation.
type Call struct {
	From   common.Address
	To     common.Address
	Data   []byte
	Token  common.Address
	Amount *uint256.Int

	// Self is the target's own wallet.
	Self Wallet
	// Authority is set only for delegated runs and lets the instruction spend
	// the escrow's assets for the duration of the call.
	Authority *Authority
}

// Delegated reports whether the call runs with escrow authority.
func (c Call) Delegated() bool {
	return c.Authority != nil
}

// Dispatcher routes a call to its target. A target failure is reported as an
// error, preferably a *RevertError carrying the diagnostic bytes.
type Dispatcher interface {
	Invoke(ctx context.Context, call Call) ([]byte, error)
}

// Target is a single callable destination.
type Target interface {
	Invoke(ctx context.Context, call Call) ([]byte, error)
}

// TargetFunc adapts a function to Target.
type TargetFunc func(ctx context.Context, call Call) ([]byte, error)

func (f TargetFunc) Invoke(ctx context.Context, call Call) ([]byte, error) {
	return f(ctx, call)
}

type wallet struct {
	owner  common.Address
	assets Assets
}

// NewWallet scopes assets to owner.
func NewWallet(owner common.Address, assets Assets) Wallet {
	return wallet{owner: owner, assets: assets}
}

func (w wallet) Owner() common.Address { return w.owner }

func (w wallet) Balance(ctx context.Context, token common.Address) (*uint256.Int, error) {
	return w.assets.Balance(ctx, token, w.owner)
}

func (w wallet) Transfer(ctx context.Context, token, to common.Address, amount *uint256.Int) error {
	return w.assets.Transfer(ctx, token, w.owner, to, amount)
}

func (w wallet) TransferFrom(ctx context.Context, token, from, to common.Address, amount *uint256.Int) error {
	return w.assets.TransferFrom(ctx, token, w.owner, from, to, amount)
}
