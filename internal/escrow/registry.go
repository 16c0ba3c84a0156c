package escrow

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"isarelay/internal/derive"
)

// Account is the arena record for one escrow identifier.
type Account struct {
	id           common.Address
	creator      common.Address
	salt         [32]byte
	initCodeHash common.Hash
	createdAt    time.Time

	// consumed is set before any side effect of an execution attempt and
	// cleared only when the attempt aborts without effect.
	consumed atomic.Bool

	mu        sync.Mutex
	state     State
	depositor common.Address
	ops       *CallOps
	history   []State
}

func (a *Account) boundOps() CallOps {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ops.Clone()
}

func (a *Account) depositorAddr() common.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.depositor
}

func (a *Account) setLocked(s State) {
	a.state = s
	a.history = append(a.history, s)
}

func (a *Account) view() AccountView {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := AccountView{
		ID:           a.id,
		Creator:      a.creator,
		Salt:         a.salt,
		InitCodeHash: a.initCodeHash,
		State:        a.state,
		Depositor:    a.depositor,
		Bound:        a.ops != nil,
		History:      append([]State(nil), a.history...),
		CreatedAt:    a.createdAt,
	}
	if a.ops != nil {
		v.OpsHash = a.ops.Hash()
	}
	return v
}

// AccountView is a point-in-time copy of an account.
type AccountView struct {
	ID           common.Address `json:"id"`
	Creator      common.Address `json:"creator"`
	Salt         [32]byte       `json:"-"`
	InitCodeHash common.Hash    `json:"initCodeHash"`
	State        State          `json:"state"`
	Depositor    common.Address `json:"depositor"`
	Bound        bool           `json:"bound"`
	OpsHash      common.Hash    `json:"opsHash"`
	History      []State        `json:"history"`
	CreatedAt    time.Time      `json:"createdAt"`
	DestroyedAt  time.Time      `json:"destroyedAt,omitempty"`
}

// tombstone is what remains of a destroyed account once its record is
// compacted: enough to refuse reuse and answer lookups.
type tombstone struct {
	view AccountView
}

// Registry owns every escrow account created under this process.
type Registry struct {
	mu         sync.RWMutex
	live       map[common.Address]*Account
	tombstones map[common.Address]tombstone
	Now        func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		live:       make(map[common.Address]*Account),
		tombstones: make(map[common.Address]tombstone),
	}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Open derives the identifier for ops under (creator, salt) and binds ops to
// it. Opening the same tuple again returns the existing live account.
func (r *Registry) Open(creator common.Address, salt [32]byte, ops CallOps, depositor common.Address) (AccountView, error) {
	if err := ops.Validate(); err != nil {
		return AccountView{}, err
	}
	bound := ops.Clone()
	return r.open(creator, salt, ops.InitCodeHash(), depositor, &bound)
}

// OpenUnbound registers an identifier whose ops are bound at the first
// execution attempt, once they are shown to hash to initCodeHash.
func (r *Registry) OpenUnbound(creator common.Address, salt [32]byte, initCodeHash common.Hash, depositor common.Address) (AccountView, error) {
	return r.open(creator, salt, initCodeHash, depositor, nil)
}

func (r *Registry) open(creator common.Address, salt [32]byte, initCodeHash common.Hash, depositor common.Address, ops *CallOps) (AccountView, error) {
	id := derive.Address(creator, salt, initCodeHash)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dead := r.tombstones[id]; dead {
		return AccountView{}, ErrConsumed
	}
	if existing, ok := r.live[id]; ok {
		existing.mu.Lock()
		if existing.ops == nil && ops != nil {
			existing.ops = ops
		}
		if existing.depositor == (common.Address{}) {
			existing.depositor = depositor
		}
		existing.mu.Unlock()
		return existing.view(), nil
	}

	acct := &Account{
		id:           id,
		creator:      creator,
		salt:         salt,
		initCodeHash: initCodeHash,
		createdAt:    r.now(),
		depositor:    depositor,
		ops:          ops,
	}
	acct.setLocked(StatePending)
	r.live[id] = acct
	return acct.view(), nil
}

// Get returns the current view of id, including compacted destroyed accounts.
func (r *Registry) Get(id common.Address) (AccountView, error) {
	r.mu.RLock()
	acct, ok := r.live[id]
	ts, dead := r.tombstones[id]
	r.mu.RUnlock()
	if dead {
		return ts.view, nil
	}
	if !ok {
		return AccountView{}, ErrUnknownAccount
	}
	return acct.view(), nil
}

// RecordDeposit notes an observed deposit: Pending moves to Funded and the
// first depositor is remembered as the refund fallback.
func (r *Registry) RecordDeposit(id, from common.Address) (AccountView, error) {
	return r.Deposit(id, from, nil)
}

// Deposit runs credit while holding the account's execution claim, then
// records the deposit. An execution cannot start or finish in between, so a
// credit never lands on an account that is being or has been destroyed.
// A deposit racing an in-flight execution fails with ErrExecuting and credit
// is not called.
func (r *Registry) Deposit(id, from common.Address, credit func() error) (AccountView, error) {
	r.mu.RLock()
	acct, ok := r.live[id]
	_, dead := r.tombstones[id]
	r.mu.RUnlock()
	if dead {
		return AccountView{}, ErrConsumed
	}
	if !ok {
		return AccountView{}, ErrUnknownAccount
	}
	if !acct.consumed.CompareAndSwap(false, true) {
		acct.mu.Lock()
		terminal := acct.state.Terminal()
		acct.mu.Unlock()
		if terminal {
			return AccountView{}, ErrConsumed
		}
		return AccountView{}, ErrExecuting
	}
	defer acct.consumed.Store(false)

	if credit != nil {
		if err := credit(); err != nil {
			return AccountView{}, err
		}
	}

	acct.mu.Lock()
	if acct.depositor == (common.Address{}) {
		acct.depositor = from
	}
	if acct.state == StatePending {
		acct.setLocked(StateFunded)
	}
	acct.mu.Unlock()
	return acct.view(), nil
}

// acquire claims id for one execution attempt. The consumed flag is
// compare-and-swapped before anything else so concurrent attempts fail fast.
func (r *Registry) acquire(id common.Address, ops CallOps) (*Account, State, error) {
	r.mu.RLock()
	acct, ok := r.live[id]
	_, dead := r.tombstones[id]
	r.mu.RUnlock()
	if dead {
		return nil, 0, ErrConsumed
	}
	if !ok {
		return nil, 0, ErrUnknownAccount
	}
	if !acct.consumed.CompareAndSwap(false, true) {
		return nil, 0, ErrExecuting
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if acct.ops == nil {
		if ops.InitCodeHash() != acct.initCodeHash {
			acct.consumed.Store(false)
			return nil, 0, ErrOpsMismatch
		}
		if err := ops.Validate(); err != nil {
			acct.consumed.Store(false)
			return nil, 0, err
		}
		bound := ops.Clone()
		acct.ops = &bound
	} else if acct.ops.Hash() != ops.Hash() {
		acct.consumed.Store(false)
		return nil, 0, ErrOpsMismatch
	}

	prev := acct.state
	// history is written once the attempt resolves
	acct.state = StateExecuting
	return acct, prev, nil
}

// release undoes acquire after an attempt that moved no assets and published
// nothing. Ops bound by the attempt stay bound: they already matched the
// committed init code hash, so any later attempt has to present them anyway.
func (r *Registry) release(acct *Account, prev State) {
	acct.mu.Lock()
	acct.state = prev
	acct.mu.Unlock()
	acct.consumed.Store(false)
}

// destroy walks the account through path to Destroyed and compacts it.
func (r *Registry) destroy(acct *Account, path ...State) AccountView {
	acct.mu.Lock()
	for _, s := range path {
		acct.setLocked(s)
	}
	acct.setLocked(StateDestroyed)
	var opsHash common.Hash
	if acct.ops != nil {
		opsHash = acct.ops.Hash()
	}
	acct.ops = nil
	acct.mu.Unlock()

	v := acct.view()
	v.OpsHash = opsHash
	v.DestroyedAt = r.now()

	r.mu.Lock()
	delete(r.live, acct.id)
	r.tombstones[acct.id] = tombstone{view: v}
	r.mu.Unlock()
	return v
}

// Len reports live and destroyed account counts.
func (r *Registry) Len() (live, destroyed int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live), len(r.tombstones)
}
