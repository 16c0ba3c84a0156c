package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"isarelay/internal/escrow"
)

var errNothingToCredit = errors.New("chain balance not above local balance")

// BalanceSource reports balances as seen on chain.
type BalanceSource interface {
	NativeBalance(ctx context.Context, owner common.Address) (*uint256.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*uint256.Int, error)
}

// LocalLedger is the part of the local ledger the syncer credits.
type LocalLedger interface {
	Balance(ctx context.Context, token, owner common.Address) (*uint256.Int, error)
	Mint(ctx context.Context, token, owner common.Address, amount *uint256.Int) error
}

// Syncer mirrors deposits made on chain into the local ledger so that
// accounts funded externally can be executed.
type Syncer struct {
	source   BalanceSource
	ledger   LocalLedger
	registry *escrow.Registry
	logger   *zap.Logger
}

func NewSyncer(source BalanceSource, ledger LocalLedger, registry *escrow.Registry, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		source:   source,
		ledger:   ledger,
		registry: registry,
		logger:   logger.With(zap.String("component", "deposit_sync")),
	}
}

type SyncResult struct {
	Observed *uint256.Int       `json:"observed"`
	Credited *uint256.Int       `json:"credited"`
	Account  escrow.AccountView `json:"account"`
}

// Sync credits the local ledger with whatever the chain shows above the local
// balance of token at id. A credit marks the account funded by depositor.
func (s *Syncer) Sync(ctx context.Context, id, token, depositor common.Address) (SyncResult, error) {
	view, err := s.registry.Get(id)
	if err != nil {
		return SyncResult{}, err
	}
	if view.State == escrow.StateDestroyed {
		return SyncResult{}, escrow.ErrConsumed
	}

	var observed *uint256.Int
	if token == escrow.NativeToken {
		observed, err = s.source.NativeBalance(ctx, id)
	} else {
		observed, err = s.source.TokenBalance(ctx, token, id)
	}
	if err != nil {
		return SyncResult{}, err
	}

	credited := new(uint256.Int)
	view, err = s.registry.Deposit(id, depositor, func() error {
		local, err := s.ledger.Balance(ctx, token, id)
		if err != nil {
			return fmt.Errorf("local balance: %w", err)
		}
		if !observed.Gt(local) {
			return errNothingToCredit
		}
		credited.Sub(observed, local)
		if err := s.ledger.Mint(ctx, token, id, credited); err != nil {
			return fmt.Errorf("credit deposit: %w", err)
		}
		return nil
	})
	switch {
	case errors.Is(err, errNothingToCredit):
		if view, err = s.registry.Get(id); err != nil {
			return SyncResult{}, err
		}
	case err != nil:
		return SyncResult{}, err
	default:
		s.logger.Info("deposit mirrored",
			zap.String("account", id.Hex()),
			zap.String("token", token.Hex()),
			zap.String("credited", credited.Dec()),
		)
	}
	return SyncResult{Observed: observed, Credited: credited, Account: view}, nil
}
