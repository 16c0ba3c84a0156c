// Package targets contains the dispatcher and the built-in call targets the
// relay can route escrow instructions to.
package targets

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"isarelay/internal/escrow"
)

var ErrNotDelegated = errors.New("payout requires escrow authority")

// Router dispatches calls by target address. Addresses without a registered
// target behave like plain accounts: the call succeeds and does nothing.
type Router struct {
	mu      sync.RWMutex
	targets map[common.Address]escrow.Target
}

func NewRouter() *Router {
	return &Router{targets: make(map[common.Address]escrow.Target)}
}

func (r *Router) Register(addr common.Address, t escrow.Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[addr] = t
}

func (r *Router) Invoke(ctx context.Context, call escrow.Call) ([]byte, error) {
	r.mu.RLock()
	t, ok := r.targets[call.To]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return t.Invoke(ctx, call)
}

// Sink accepts whatever it is sent. For token calls it pulls its allowance,
// up to Limit when Limit is set.
type Sink struct {
	Limit *uint256.Int
}

func (s Sink) Invoke(ctx context.Context, call escrow.Call) ([]byte, error) {
	if call.Token == escrow.NativeToken {
		return nil, nil
	}
	amount := call.Amount
	if s.Limit != nil && s.Limit.Lt(amount) {
		amount = s.Limit
	}
	if err := call.Self.TransferFrom(ctx, call.Token, call.From, call.Self.Owner(), amount); err != nil {
		return nil, escrow.RevertWithReason(err.Error())
	}
	return nil, nil
}

// Reverter always fails. Data, when set, is returned verbatim; otherwise the
// failure carries Reason as an Error(string) payload.
type Reverter struct {
	Reason string
	Data   []byte
}

func (r Reverter) Invoke(context.Context, escrow.Call) ([]byte, error) {
	if r.Data != nil {
		return nil, escrow.Revert(r.Data)
	}
	return nil, escrow.RevertWithReason(r.Reason)
}

var payoutArgs = abi.Arguments{
	{Name: "token", Type: mustType("address")},
	{Name: "to", Type: mustType("address")},
	{Name: "amount", Type: mustType("uint256")},
}

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// EncodePayout builds the instruction Payout interprets. A zero amount pays
// out the whole balance.
func EncodePayout(token, to common.Address, amount *uint256.Int) []byte {
	if amount == nil {
		amount = new(uint256.Int)
	}
	out, err := payoutArgs.Pack(token, to, amount.ToBig())
	if err != nil {
		panic(err)
	}
	return out
}

// Payout interprets (token, to, amount) and spends from the escrow with the
// authority the call carries. It only works in delegated runs.
type Payout struct{}

func (Payout) Invoke(ctx context.Context, call escrow.Call) ([]byte, error) {
	if !call.Delegated() {
		return nil, escrow.RevertWithReason(ErrNotDelegated.Error())
	}
	vals, err := payoutArgs.Unpack(call.Data)
	if err != nil {
		return nil, escrow.RevertWithReason(fmt.Sprintf("bad payout instruction: %v", err))
	}
	token := vals[0].(common.Address)
	to := vals[1].(common.Address)
	amount, overflow := uint256.FromBig(vals[2].(*big.Int))
	if overflow {
		return nil, escrow.RevertWithReason("payout amount overflows")
	}

	auth := call.Authority
	if amount.IsZero() {
		if amount, err = auth.Balance(ctx, token); err != nil {
			return nil, escrow.RevertWithReason(err.Error())
		}
	}
	if err := auth.Transfer(ctx, token, to, amount); err != nil {
		return nil, escrow.RevertWithReason(err.Error())
	}
	return amount.PaddedBytes(32), nil
}
