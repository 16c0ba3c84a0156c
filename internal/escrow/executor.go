package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"isarelay/internal/events"
)

// Invocation is one relayer request against an escrow account.
type Invocation struct {
	Account common.Address
	Ops     CallOps
	// Caller is the party submitting the invocation; it pays Value and is the
	// last-resort refund recipient.
	Caller common.Address
	// Value is native asset attached to the invocation and credited to the
	// account before its balance is resolved.
	Value *uint256.Int
}

// Result describes a completed execution.
type Result struct {
	Account    common.Address  `json:"account"`
	Outcome    State           `json:"outcome"`
	Token      common.Address  `json:"token"`
	Amount     *uint256.Int    `json:"amount"`
	Reason     string          `json:"reason,omitempty"`
	ReturnData []byte          `json:"returnData,omitempty"`
	Records    []events.Record `json:"records"`
	View       AccountView     `json:"view"`
}

// Executor drives escrow accounts through execution.
type Executor struct {
	registry   *Registry
	ledger     Ledger
	dispatcher Dispatcher
	log        events.Log
	refunds    RefundHandler
	logger     *zap.Logger
}

func NewExecutor(reg *Registry, ledger Ledger, dispatcher Dispatcher, log events.Log, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		registry:   reg,
		ledger:     ledger,
		dispatcher: dispatcher,
		log:        log,
		logger:     logger.With(zap.String("component", "executor")),
	}
}

func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs the bound ops of inv.Account once. On target success the
// amount stays with the target; on failure it is refunded in full. Either way
// the account ends Destroyed. Errors mean the attempt had no effect at all,
// except ErrConsumed/ErrExecuting which mean another attempt owns the account.
func (e *Executor) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	acct, prev, err := e.registry.acquire(inv.Account, inv.Ops)
	if err != nil {
		return nil, err
	}
	ops := acct.boundOps()
	logger := e.logger.With(
		zap.String("account", acct.id.Hex()),
		zap.String("relayer", ops.Relayer.Hex()),
		zap.String("target", ops.Target.Hex()),
	)

	res := &Result{Account: acct.id, Token: ops.SourceToken}
	var path []State

	err = e.ledger.Atomic(ctx, func(st Assets) error {
		if err := creditValue(ctx, st, acct.id, inv); err != nil {
			return err
		}
		amount, err := st.Balance(ctx, ops.SourceToken, acct.id)
		if err != nil {
			return fmt.Errorf("resolve balance: %w", err)
		}
		if amount.IsZero() {
			return ErrNotFunded
		}
		res.Amount = amount
		if prev == StatePending {
			path = append(path, StateFunded)
		}
		path = append(path, StateExecuting)

		inner := st.Snapshot()
		ret, callErr := e.forward(ctx, st, acct.id, ops, amount)
		if isAbort(ctx, callErr) {
			return callErr
		}

		var recs []events.Record
		if callErr == nil {
			res.Outcome = StateSucceeded
			res.ReturnData = ret
			path = append(path, StateSucceeded)
			recs = append(recs, events.Succeeded(acct.id, ops.Relayer, ops.Target, ops.SourceToken, amount))
			if !ops.IsNative() {
				// clear whatever the target left unspent
				if err := st.Approve(ctx, ops.SourceToken, acct.id, ops.Approval, new(uint256.Int)); err != nil {
					return fmt.Errorf("reset allowance: %w", err)
				}
			}
		} else {
			st.RevertToSnapshot(inner)
			res.Outcome = StateFailed
			res.Reason = DecodeRevertReason(revertData(callErr))
			path = append(path, StateFailed)
			recs = append(recs, events.Failed(acct.id, ops.Relayer, ops.Target, ops.SourceToken, res.Reason))
		}

		recipient, err := ResolveRecipient(ops.RefundRecipient, acct.depositorAddr(), inv.Caller)
		if err != nil {
			return err
		}
		refunds, err := e.refunds.Sweep(ctx, st, acct.id, recipient, sweepTokens(ops)...)
		if err != nil {
			return err
		}
		if callErr != nil {
			path = append(path, StateRefunded)
		}
		recs = append(recs, refunds...)

		stored, err := e.log.Append(ctx, recs...)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEventLog, err)
		}
		res.Records = stored
		return nil
	})
	if err != nil {
		e.registry.release(acct, prev)
		logger.Warn("execution aborted", zap.Error(err))
		return nil, err
	}

	res.View = e.registry.destroy(acct, path...)
	logger.Info("execution resolved",
		zap.Stringer("outcome", res.Outcome),
		zap.String("amount", res.Amount.Dec()),
		zap.String("reason", res.Reason),
	)
	return res, nil
}

// forward grants or sends amount and invokes the target.
func (e *Executor) forward(ctx context.Context, st Assets, account common.Address, ops CallOps, amount *uint256.Int) ([]byte, error) {
	if ops.IsNative() {
		if err := st.Transfer(ctx, NativeToken, account, ops.Target, amount); err != nil {
			return nil, err
		}
	} else {
		if err := st.Approve(ctx, ops.SourceToken, account, ops.Approval, amount); err != nil {
			return nil, err
		}
	}
	return e.dispatcher.Invoke(ctx, Call{
		From:   account,
		To:     ops.Target,
		Data:   common.CopyBytes(ops.ExecutionData),
		Token:  ops.SourceToken,
		Amount: new(uint256.Int).Set(amount),
		Self:   NewWallet(ops.Target, st),
	})
}

func creditValue(ctx context.Context, st Assets, account common.Address, inv Invocation) error {
	if inv.Value == nil || inv.Value.IsZero() {
		return nil
	}
	if err := st.Transfer(ctx, NativeToken, inv.Caller, account, inv.Value); err != nil {
		return fmt.Errorf("attach value: %w", err)
	}
	return nil
}

// isAbort separates cancellation of the whole request from a target failure.
func isAbort(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func revertData(err error) []byte {
	var rev *RevertError
	if errors.As(err, &rev) {
		return rev.Data
	}
	return nil
}
