package escrow

import (
	"context"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type authorityScope struct {
	wallet Wallet
	live   atomic.Bool
}

// Authority is the capability handed to a delegated instruction. Copies share
// one scope; once the call returns the scope is revoked and every method fails
// with ErrAuthorityRevoked.
type Authority struct {
	scope *authorityScope
}

func newAuthority(account common.Address, assets Assets) (Authority, func()) {
	s := &authorityScope{wallet: NewWallet(account, assets)}
	s.live.Store(true)
	return Authority{scope: s}, func() { s.live.Store(false) }
}

func (a Authority) check() error {
	if a.scope == nil || !a.scope.live.Load() {
		return ErrAuthorityRevoked
	}
	return nil
}

func (a Authority) Owner() common.Address {
	if a.scope == nil {
		return common.Address{}
	}
	return a.scope.wallet.Owner()
}

func (a Authority) Balance(ctx context.Context, token common.Address) (*uint256.Int, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	return a.scope.wallet.Balance(ctx, token)
}

func (a Authority) Transfer(ctx context.Context, token, to common.Address, amount *uint256.Int) error {
	if err := a.check(); err != nil {
		return err
	}
	return a.scope.wallet.Transfer(ctx, token, to, amount)
}

func (a Authority) TransferFrom(ctx context.Context, token, from, to common.Address, amount *uint256.Int) error {
	if err := a.check(); err != nil {
		return err
	}
	return a.scope.wallet.TransferFrom(ctx, token, from, to, amount)
}
