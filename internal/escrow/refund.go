package escrow

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"isarelay/internal/events"
)

// RefundHandler returns escrowed balance to a recipient.
type RefundHandler struct{}

// ResolveRecipient applies the fallback chain explicit → depositor → caller.
// Funds are never sent to the zero address.
func ResolveRecipient(explicit, depositor, caller common.Address) (common.Address, error) {
	for _, a := range []common.Address{explicit, depositor, caller} {
		if a != (common.Address{}) {
			return a, nil
		}
	}
	return common.Address{}, ErrNoRecipient
}

// Refund moves amount of token from account to recipient.
func (RefundHandler) Refund(ctx context.Context, st Assets, account, token, recipient common.Address, amount *uint256.Int) (events.Record, error) {
	if err := st.Transfer(ctx, token, account, recipient, amount); err != nil {
		return events.Record{}, &RefundError{Account: account, Recipient: recipient, Err: err}
	}
	return events.Refunded(account, recipient, token, amount), nil
}

// Sweep refunds the full balance the account holds in each token.
func (h RefundHandler) Sweep(ctx context.Context, st Assets, account, recipient common.Address, tokens ...common.Address) ([]events.Record, error) {
	var out []events.Record
	for _, token := range tokens {
		bal, err := st.Balance(ctx, token, account)
		if err != nil {
			return nil, err
		}
		if bal.IsZero() {
			continue
		}
		rec, err := h.Refund(ctx, st, account, token, recipient, bal)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// sweepTokens lists the assets an account must be emptied of: the source
// token first, then any stray native balance.
func sweepTokens(ops CallOps) []common.Address {
	if ops.IsNative() {
		return []common.Address{NativeToken}
	}
	return []common.Address{ops.SourceToken, NativeToken}
}
