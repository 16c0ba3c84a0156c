package escrow

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"isarelay/internal/events"
)

// RunDelegated consumes the account by running its bound instruction with the
// account's own asset authority.
//
// If the instruction fails the whole operation is discarded: no asset moves,
// no record is published, the account stays claimable, and the target's error
// is returned as is so the caller sees the original diagnostic bytes. On
// success the remaining native balance goes to the refund recipient, or to the
// caller when none is set, and the account is destroyed.
func (e *Executor) RunDelegated(ctx context.Context, inv Invocation) (*Result, error) {
	acct, prev, err := e.registry.acquire(inv.Account, inv.Ops)
	if err != nil {
		return nil, err
	}
	ops := acct.boundOps()
	logger := e.logger.With(
		zap.String("account", acct.id.Hex()),
		zap.String("target", ops.Target.Hex()),
		zap.Bool("delegated", true),
	)

	res := &Result{Account: acct.id, Token: NativeToken}
	var path []State

	err = e.ledger.Atomic(ctx, func(st Assets) error {
		if err := creditValue(ctx, st, acct.id, inv); err != nil {
			return err
		}
		amount, err := st.Balance(ctx, NativeToken, acct.id)
		if err != nil {
			return fmt.Errorf("resolve balance: %w", err)
		}
		res.Amount = amount
		if prev == StatePending && !amount.IsZero() {
			path = append(path, StateFunded)
		}
		path = append(path, StateExecuting)

		auth, revoke := newAuthority(acct.id, st)
		ret, callErr := e.dispatcher.Invoke(ctx, Call{
			From:      inv.Caller,
			To:        ops.Target,
			Data:      common.CopyBytes(ops.ExecutionData),
			Token:     ops.SourceToken,
			Amount:    amount.Clone(),
			Self:      NewWallet(ops.Target, st),
			Authority: &auth,
		})
		revoke()
		if callErr != nil {
			return callErr
		}
		res.Outcome = StateSucceeded
		res.ReturnData = ret
		path = append(path, StateSucceeded)

		recipient := ops.RefundRecipient
		if recipient == (common.Address{}) {
			recipient = inv.Caller
		}
		recs := []events.Record{events.Succeeded(acct.id, ops.Relayer, ops.Target, NativeToken, amount)}
		if recipient != (common.Address{}) {
			refunds, err := e.refunds.Sweep(ctx, st, acct.id, recipient, NativeToken)
			if err != nil {
				return err
			}
			recs = append(recs, refunds...)
		}

		stored, err := e.log.Append(ctx, recs...)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEventLog, err)
		}
		res.Records = stored
		return nil
	})
	if err != nil {
		e.registry.release(acct, prev)
		logger.Warn("delegated run aborted", zap.Error(err))
		return nil, err
	}

	res.View = e.registry.destroy(acct, path...)
	logger.Info("delegated run resolved", zap.String("amount", res.Amount.Dec()))
	return res, nil
}
