// Package ledger provides an in-process asset environment for escrow accounts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"isarelay/internal/escrow"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrRecipientRejected     = errors.New("recipient rejects asset")
	ErrNativeApproval        = errors.New("native asset has no allowances")
	ErrBadSnapshot           = errors.New("unknown snapshot id")
)

type allowanceKey struct {
	token, owner, spender common.Address
}

type balanceKey struct {
	token, owner common.Address
}

type state struct {
	balances   map[balanceKey]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
}

func newState() *state {
	return &state{
		balances:   make(map[balanceKey]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.balances {
		c.balances[k] = v.Clone()
	}
	for k, v := range s.allowances {
		c.allowances[k] = v.Clone()
	}
	return c
}

// Memory is an in-process ledger. Transactions are serialized; each one works
// on a private copy that replaces the committed state only on success.
type Memory struct {
	mu       sync.Mutex
	state    *state
	rejected map[common.Address]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		state:    newState(),
		rejected: make(map[common.Address]struct{}),
	}
}

// Reject makes every later transfer to addr fail, the way a contract without
// a receive hook would.
func (m *Memory) Reject(addr common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[addr] = struct{}{}
}

// Mint credits amount of token to owner. It is the deposit primitive of the
// environment: a transfer in from outside the ledger.
func (m *Memory) Mint(ctx context.Context, token, owner common.Address, amount *uint256.Int) error {
	return m.Atomic(ctx, func(st escrow.Assets) error {
		return st.(*Tx).credit(token, owner, amount)
	})
}

func (m *Memory) Balance(ctx context.Context, token, owner common.Address) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &Tx{cur: m.state, rejected: m.rejected}
	return tx.Balance(ctx, token, owner)
}

func (m *Memory) Allowance(ctx context.Context, token, owner, spender common.Address) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &Tx{cur: m.state, rejected: m.rejected}
	return tx.Allowance(ctx, token, owner, spender)
}

func (m *Memory) Atomic(ctx context.Context, fn func(escrow.Assets) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &Tx{cur: m.state.clone(), rejected: m.rejected}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.cur
	return nil
}

// Tx is the working view of one Memory transaction.
type Tx struct {
	cur       *state
	snapshots []*state
	rejected  map[common.Address]struct{}
}

var _ escrow.Assets = (*Tx)(nil)

func (t *Tx) Balance(_ context.Context, token, owner common.Address) (*uint256.Int, error) {
	if v, ok := t.cur.balances[balanceKey{token, owner}]; ok {
		return v.Clone(), nil
	}
	return new(uint256.Int), nil
}

func (t *Tx) Allowance(_ context.Context, token, owner, spender common.Address) (*uint256.Int, error) {
	if v, ok := t.cur.allowances[allowanceKey{token, owner, spender}]; ok {
		return v.Clone(), nil
	}
	return new(uint256.Int), nil
}

func (t *Tx) Approve(_ context.Context, token, owner, spender common.Address, amount *uint256.Int) error {
	if token == escrow.NativeToken {
		return ErrNativeApproval
	}
	key := allowanceKey{token, owner, spender}
	if amount.IsZero() {
		delete(t.cur.allowances, key)
		return nil
	}
	t.cur.allowances[key] = amount.Clone()
	return nil
}

func (t *Tx) Transfer(_ context.Context, token, from, to common.Address, amount *uint256.Int) error {
	return t.move(token, from, to, amount)
}

func (t *Tx) TransferFrom(_ context.Context, token, spender, from, to common.Address, amount *uint256.Int) error {
	if token == escrow.NativeToken {
		return ErrNativeApproval
	}
	key := allowanceKey{token, from, spender}
	allowed, ok := t.cur.allowances[key]
	if !ok || allowed.Lt(amount) {
		return fmt.Errorf("%w: spender %s", ErrInsufficientAllowance, spender.Hex())
	}
	if err := t.move(token, from, to, amount); err != nil {
		return err
	}
	left := new(uint256.Int).Sub(allowed, amount)
	if left.IsZero() {
		delete(t.cur.allowances, key)
	} else {
		t.cur.allowances[key] = left
	}
	return nil
}

func (t *Tx) Snapshot() int {
	t.snapshots = append(t.snapshots, t.cur.clone())
	return len(t.snapshots) - 1
}

func (t *Tx) RevertToSnapshot(id int) {
	if id < 0 || id >= len(t.snapshots) {
		panic(fmt.Sprintf("%v: %d", ErrBadSnapshot, id))
	}
	t.cur = t.snapshots[id]
	t.snapshots = t.snapshots[:id]
}

func (t *Tx) move(token, from, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if _, ok := t.rejected[to]; ok {
		return fmt.Errorf("%w: %s", ErrRecipientRejected, to.Hex())
	}
	fromKey := balanceKey{token, from}
	bal, ok := t.cur.balances[fromKey]
	if !ok || bal.Lt(amount) {
		return fmt.Errorf("%w: %s holds less than %s", ErrInsufficientBalance, from.Hex(), amount.Dec())
	}
	left := new(uint256.Int).Sub(bal, amount)
	if left.IsZero() {
		delete(t.cur.balances, fromKey)
	} else {
		t.cur.balances[fromKey] = left
	}
	return t.credit(token, to, amount)
}

func (t *Tx) credit(token, owner common.Address, amount *uint256.Int) error {
	key := balanceKey{token, owner}
	cur, ok := t.cur.balances[key]
	if !ok {
		cur = new(uint256.Int)
	}
	sum, overflow := new(uint256.Int).AddOverflow(cur, amount)
	if overflow {
		return fmt.Errorf("balance overflow for %s", owner.Hex())
	}
	if !sum.IsZero() {
		t.cur.balances[key] = sum
	}
	return nil
}
