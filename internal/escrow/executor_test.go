package escrow_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"isarelay/internal/escrow"
	"isarelay/internal/events"
	"isarelay/internal/ledger"
	"isarelay/internal/targets"
)

var (
	creator   = common.HexToAddress("0x000000000000000000000000000000000000c0de")
	relayer   = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	target    = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	approval  = common.HexToAddress("0x00000000000000000000000000000000000000a9")
	depositor = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	explicitR = common.HexToAddress("0x00000000000000000000000000000000000000b7")
	token     = common.HexToAddress("0x0000000000000000000000000000000000000707")
)

type harness struct {
	ledger   *ledger.Memory
	router   *targets.Router
	log      *events.MemoryLog
	registry *escrow.Registry
	exec     *escrow.Executor
}

func newHarness() *harness {
	h := &harness{
		ledger:   ledger.NewMemory(),
		router:   targets.NewRouter(),
		log:      events.NewMemoryLog(),
		registry: escrow.NewRegistry(),
	}
	h.exec = escrow.NewExecutor(h.registry, h.ledger, h.router, h.log, nil)
	return h
}

func salt(n byte) [32]byte {
	var s [32]byte
	s[31] = n
	return s
}

func nativeOps() escrow.CallOps {
	return escrow.CallOps{
		Target:        target,
		ExecutionData: []byte{0x01, 0x02},
		SourceToken:   escrow.NativeToken,
		Relayer:       relayer,
		RelayerFee:    uint256.NewInt(3),
	}
}

func tokenOps() escrow.CallOps {
	ops := nativeOps()
	ops.SourceToken = token
	ops.Approval = target
	return ops
}

// fund opens an account for ops and deposits amount of the source token.
func (h *harness) fund(t *testing.T, n byte, ops escrow.CallOps, amount uint64) common.Address {
	t.Helper()
	view, err := h.registry.Open(creator, salt(n), ops, common.Address{})
	require.NoError(t, err)
	require.NoError(t, h.ledger.Mint(context.Background(), ops.SourceToken, view.ID, uint256.NewInt(amount)))
	_, err = h.registry.RecordDeposit(view.ID, depositor)
	require.NoError(t, err)
	return view.ID
}

func (h *harness) balance(t *testing.T, tok, owner common.Address) uint64 {
	t.Helper()
	v, err := h.ledger.Balance(context.Background(), tok, owner)
	require.NoError(t, err)
	return v.Uint64()
}

func (h *harness) records(t *testing.T) []events.Record {
	t.Helper()
	recs, err := h.log.List(context.Background(), events.Filter{})
	require.NoError(t, err)
	return recs
}

func TestExecuteNativeSuccess(t *testing.T) {
	h := newHarness()
	ops := nativeOps()
	id := h.fund(t, 1, ops, 1000)

	res, err := h.exec.Execute(context.Background(), escrow.Invocation{Account: id, Ops: ops, Caller: relayer})
	require.NoError(t, err)
	require.Equal(t, escrow.StateSucceeded, res.Outcome)
	require.Equal(t, uint64(1000), res.Amount.Uint64())

	recs := h.records(t)
	require.Len(t, recs, 1)
	require.Equal(t, events.KindSucceeded, recs[0].Kind)
	require.Equal(t, relayer, recs[0].Relayer)
	require.Equal(t, target, recs[0].Target)
	require.Equal(t, uint64(1000), recs[0].Amount.Uint64())

	require.Zero(t, h.balance(t, escrow.NativeToken, id))
	require.Equal(t, uint64(1000), h.balance(t, escrow.NativeToken, target))

	view, err := h.registry.Get(id)
	require.NoError(t, err)
	require.Equal(t, escrow.StateDestroyed, view.State)
	require.Equal(t, []escrow.State{
		escrow.StatePending, escrow.StateFunded, escrow.StateExecuting,
		escrow.StateSucceeded, escrow.StateDestroyed,
	}, view.History)
	require.Equal(t, ops.Hash(), view.OpsHash)
	require.False(t, view.Bound)
}

func TestExecuteFailureRefundsDepositor(t *testing.T) {
	h := newHarness()
	h.router.Register(target, targets.Reverter{Reason: "slippage"})
	ops := nativeOps()
	id := h.fund(t, 2, ops, 500)

	res, err := h.exec.Execute(context.Background(), escrow.Invocation{Account: id, Ops: ops, Caller: relayer})
	require.NoError(t, err)
	require.Equal(t, escrow.StateFailed, res.Outcome)
	require.Equal(t, "slippage", res.Reason)

	recs := h.records(t)
	require.Len(t, recs, 2)
	require.Equal(t, events.KindFailed, recs[0].Kind)
	require.Equal(t, relayer, recs[0].Relayer)
	require.Equal(t, target, recs[0].Target)
	require.Equal(t, "slippage", recs[0].Reason)
	require.Equal(t, events.KindRefund, recs[1].Kind)
	require.Equal(t, depositor, recs[1].Recipient)
	require.Equal(t, uint64(500), recs[1].Amount.Uint64())

	require.Zero(t, h.balance(t, escrow.NativeToken, id))
	require.Zero(t, h.balance(t, escrow.NativeToken, target))
	require.Equal(t, uint64(500), h.balance(t, escrow.NativeToken, depositor))

	view, _ := h.registry.Get(id)
	require.Equal(t, []escrow.State{
		escrow.StatePending, escrow.StateFunded, escrow.StateExecuting,
		escrow.StateFailed, escrow.StateRefunded, escrow.StateDestroyed,
	}, view.History)
}

func TestExecuteFailureRefundsExplicitRecipient(t *testing.T) {
	h := newHarness()
	h.router.Register(target, targets.Reverter{Data: []byte{0xde, 0xad}})
	ops := nativeOps()
	ops.RefundRecipient = explicitR
	id := h.fund(t, 3, ops, 77)

	res, err := h.exec.Execute(context.Background(), escrow.Invocation{Account: id, Ops: ops})
	require.NoError(t, err)
	require.Equal(t, escrow.NoReason, res.Reason)

	recs := h.records(t)
	require.Len(t, recs, 2)
	require.Equal(t, escrow.NoReason, recs[0].Reason)
	require.Equal(t, explicitR, recs[1].Recipient)
	require.Equal(t, uint64(77), h.balance(t, escrow.NativeToken, explicitR))
	require.Zero(t, h.balance(t, escrow.NativeToken, depositor))
}

func TestExecuteTwiceFailsWithoutEvents(t *testing.T) {
	h := newHarness()
	ops := nativeOps()
	id := h.fund(t, 4, ops, 10)

	_, err := h.exec.Execute(context.Background(), escrow.Invocation{Account: id, Ops: ops})
	require.NoError(t, err)
	require.Len(t, h.records(t), 1)

	// a fresh deposit to the dead identifier does not revive it
	require.NoError(t, h.ledger.Mint(context.Background(), escrow.NativeToken, id, uint256.NewInt(10)))
	_, err = h.exec.Execute(context.Background(), escrow.Invocation{Account: id, Ops: ops})
	require.ErrorIs(t, err, escrow.ErrConsumed)
	_, err = h.exec.RunDelegated(context.Background(), escrow.Invocation{Account: id, Ops: ops})
	require.ErrorIs(t, err, escrow.ErrConsumed)
	require.Len(t, h.records(t), 1)

	_, err = h.registry.Open(creator, salt(4), ops, depositor)
	require.ErrorIs(t, err, escrow.ErrConsumed)
}

type allowanceSpy struct {
	seen *uint256.Int
}

func (s *allowanceSpy) Invoke(ctx context.Context, call escrow.Call) ([]byte, error) {
	over := new(uint256.Int).AddUint64(call.Amount, 1)
	if err := call.Self.TransferFrom(ctx, call.Token, call.From, call.Self.Owner(), over); err == nil {
		return nil, errors.New("allowance exceeded the resolved balance")
	}
	s.seen = call.Amount.Clone()
	return nil, call.Self.TransferFrom(ctx, call.Token, call.From, call.Self.Owner(), call.Amount)
}

func TestTokenApprovalIsExact(t *testing.T) {
	h := newHarness()
	spy := &allowanceSpy{}
	h.router.Register(target, spy)
	ops := tokenOps()
	id := h.fund(t, 5, ops, 250)
	// a later top-up is picked up because balance is read at execution time
	require.NoError(t, h.ledger.Mint(context.Background(), token, id, uint256.NewInt(50)))

	res, err := h.exec.Execute(context.Background(), escrow.Invocation{Account: id, Ops: ops})
	require.NoError(t, err)
	require.Equal(t, escrow.StateSucceeded, res.Outcome)
	require.Equal(t, uint64(300), spy.seen.Uint64())
	require.Equal(t, uint64(300), h.balance(t, token, target))

	left, err := h.ledger.Allowance(context.Background(), token, id, ops.Approval)
	require.NoError(t, err)
	require.True(t, left.IsZero())
}

func TestTokenSuccessSweepsResidual(t *testing.T) {
	h := newHarness()
	h.router.Register(target, targets.Sink{Limit: uint256.NewInt(60)})
	ops := tokenOps()
	ops.RefundRecipient = explicitR
	id := h.fund(t, 6, ops, 100)
	require.NoError(t, h.ledger.Mint(context.Background(), escrow.NativeToken, id, uint256.NewInt(9)))

	_, err := h.exec.Execute(context.Background(), escrow.Invocation{Account: id, Ops: ops})
	require.NoError(t, err)

	require.Equal(t, uint64(60), h.balance(t, token, target))
	require.Equal(t, uint64(40), h.balance(t, token, explicitR))
	require.Equal(t, uint64(9), h.balance(t, escrow.NativeToken, explicitR))
	require.Zero(t, h.balance(t, token, id))

	recs := h.records(t)
	require.Len(t, recs, 3)
	require.Equal(t, events.KindSucceeded, recs[0].Kind)
	require.Equal(t, uint64(100), recs[0].Amount.Uint64())
	require.Equal(t, events.KindRefund, recs[1].Kind)
	require.Equal(t, token, recs[1].Token)
	require.Equal(t, escrow.NativeToken, recs[2].Token)

	left, _ := h.ledger.Allowance(context.Background(), token, id, ops.Approval)
	require.True(t, left.IsZero())
}

func TestTokenFailureRevertsApprovalAndRefunds(t *testing.T) {
	h := newHarness()
	h.router.Register(target, escrow.TargetFunc(func(ctx context.Context, call escrow.Call) ([]byte, error) {
		// pulls, then fails: the pull must be undone
		if err := call.Self.TransferFrom(ctx, call.Token, call.From, call.Self.Owner(), call.Amount); err != nil {
			return nil, err
		}
		return nil, escrow.RevertWithReason("expired quote")
	}))
	ops := tokenOps()
	id := h.fund(t, 7, ops, 40)

	res, err := h.exec.Execute(context.Background(), escrow.Invocation{Account: id, Ops: ops})
	require.NoError(t, err)
	require.Equal(t, "expired quote", res.Reason)
	require.Zero(t, h.balance(t, token, target))
	require.Equal(t, uint64(40), h.balance(t, token, depositor))

	left, _ := h.ledger.Allowance(context.Background(), token, id, ops.Approval)
	require.True(t, left.IsZero())
}

func TestExecuteUnfundedLeavesAccountUsable(t *testing.T) {
	h := newHarness()
	ops := nativeOps()
	view, err := h.registry.Open(creator, salt(8), ops, depositor)
	require.NoError(t, err)

	_, err = h.exec.Execute(context.Background(), escrow.Invocation{Account: view.ID, Ops: ops})
	require.ErrorIs(t, err, escrow.ErrNotFunded)
	require.Empty(t, h.records(t))

	got, _ := h.registry.Get(view.ID)
	require.Equal(t, escrow.StatePending, got.State)

	// deposit observed only through the ledger, never recorded on the registry
	require.NoError(t, h.ledger.Mint(context.Background(), escrow.NativeToken, view.ID, uint256.NewInt(5)))
	res, err := h.exec.Execute(context.Background(), escrow.Invocation{Account: view.ID, Ops: ops})
	require.NoError(t, err)
	require.Equal(t, escrow.StateSucceeded, res.Outcome)
	require.Equal(t, []escrow.State{
		escrow.StatePending, escrow.StateFunded, escrow.StateExecuting,
		escrow.StateSucceeded, escrow.StateDestroyed,
	}, res.View.History)
}

func TestExecuteRejectsForeignOps(t *testing.T) {
	h := newHarness()
	ops := nativeOps()
	id := h.fund(t, 9, ops, 1)

	other := ops.Clone()
	other.Target = explicitR
	_, err := h.exec.Execute(context.Background(), escrow.Invocation{Account: id, Ops: other})
	require.ErrorIs(t, err, escrow.ErrOpsMismatch)

	_, err = h.exec.Execute(context.Background(), escrow.Invocation{Account: common.HexToAddress("0x1234"), Ops: ops})
	require.ErrorIs(t, err, escrow.ErrUnknownAccount)

	_, err = h.exec.Execute(context.Background(), escrow.Invocation{Account: id, Ops: ops})
	require.NoError(t, err)
}

func TestUnboundAccountBindsOnFirstAttempt(t *testing.T) {
	h := newHarness()
	ops := nativeOps()
	view, err := h.registry.OpenUnbound(creator, salt(10), ops.InitCodeHash(), depositor)
	require.NoError(t, err)
	require.False(t, view.Bound)

	bound, err := h.registry.Open(creator, salt(10), ops, depositor)
	require.NoError(t, err)
	require.Equal(t, view.ID, bound.ID)

	unbound, err := h.registry.OpenUnbound(creator, salt(11), ops.InitCodeHash(), depositor)
	require.NoError(t, err)
	require.NoError(t, h.ledger.Mint(context.Background(), escrow.NativeToken, unbound.ID, uint256.NewInt(3)))

	bad := ops.Clone()
	bad.ExecutionData = []byte{0xff}
	_, err = h.exec.Execute(context.Background(), escrow.Invocation{Account: unbound.ID, Ops: bad})
	require.ErrorIs(t, err, escrow.ErrOpsMismatch)

	_, err = h.exec.Execute(context.Background(), escrow.Invocation{Account: unbound.ID, Ops: ops})
	require.NoError(t, err)
}

func TestRefundFailureRollsBackEverything(t *testing.T) {
	h := newHarness()
	h.router.Register(target, targets.Reverter{Reason: "no"})
	h.ledger.Reject(depositor)
	ops := nativeOps()
	id := h.fund(t, 12, ops, 20)

	_, err := h.exec.Execute(context.Background(), escrow.Invocation{Account: id, Ops: ops})
	var refundErr *escrow.RefundError
	require.ErrorAs(t, err, &refundErr)
	require.Equal(t, depositor, refundErr.Recipient)
	require.ErrorIs(t, err, ledger.ErrRecipientRejected)

	require.Empty(t, h.records(t))
	require.Equal(t, uint64(20), h.balance(t, escrow.NativeToken, id))
	view, _ := h.registry.Get(id)
	require.Equal(t, escrow.StateFunded, view.State)
}

type failingLog struct{ events.MemoryLog }

func (*failingLog) Append(context.Context, ...events.Record) ([]events.Record, error) {
	return nil, errors.New("disk full")
}

func TestEventLogFailureAborts(t *testing.T) {
	h := newHarness()
	h.exec = escrow.NewExecutor(h.registry, h.ledger, h.router, &failingLog{}, nil)
	ops := nativeOps()
	id := h.fund(t, 13, ops, 8)

	_, err := h.exec.Execute(context.Background(), escrow.Invocation{Account: id, Ops: ops})
	require.ErrorIs(t, err, escrow.ErrEventLog)
	require.Equal(t, uint64(8), h.balance(t, escrow.NativeToken, id))
	require.Zero(t, h.balance(t, escrow.NativeToken, target))
}

func TestConcurrentExecuteRunsOnce(t *testing.T) {
	h := newHarness()
	ops := nativeOps()
	id := h.fund(t, 14, ops, 64)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.exec.Execute(context.Background(), escrow.Invocation{Account: id, Ops: ops})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !errors.Is(err, escrow.ErrConsumed) && !errors.Is(err, escrow.ErrExecuting) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	require.Len(t, h.records(t), 1)
	require.Equal(t, uint64(64), h.balance(t, escrow.NativeToken, target))
}

func TestAttachedValueIsForwarded(t *testing.T) {
	h := newHarness()
	ops := nativeOps()
	view, err := h.registry.Open(creator, salt(15), ops, common.Address{})
	require.NoError(t, err)
	require.NoError(t, h.ledger.Mint(context.Background(), escrow.NativeToken, relayer, uint256.NewInt(30)))

	res, err := h.exec.Execute(context.Background(), escrow.Invocation{
		Account: view.ID,
		Ops:     ops,
		Caller:  relayer,
		Value:   uint256.NewInt(30),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(30), res.Amount.Uint64())
	require.Equal(t, uint64(30), h.balance(t, escrow.NativeToken, target))
	require.Zero(t, h.balance(t, escrow.NativeToken, relayer))
}

func TestCancelledContextAborts(t *testing.T) {
	h := newHarness()
	ops := nativeOps()
	id := h.fund(t, 16, ops, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.exec.Execute(ctx, escrow.Invocation{Account: id, Ops: ops})
	require.ErrorIs(t, err, context.Canceled)

	view, _ := h.registry.Get(id)
	require.Equal(t, escrow.StateFunded, view.State)
}

func TestUnfundedAttemptKeepsBinding(t *testing.T) {
	h := newHarness()
	ops := nativeOps()
	view, err := h.registry.OpenUnbound(creator, salt(20), ops.InitCodeHash(), depositor)
	require.NoError(t, err)

	_, err = h.exec.Execute(context.Background(), escrow.Invocation{Account: view.ID, Ops: ops})
	require.ErrorIs(t, err, escrow.ErrNotFunded)

	after, err := h.registry.Get(view.ID)
	require.NoError(t, err)
	require.True(t, after.Bound)
	require.Equal(t, ops.Hash(), after.OpsHash)
	require.Equal(t, escrow.StatePending, after.State)

	other := ops.Clone()
	other.ExecutionData = []byte{0xee}
	_, err = h.exec.Execute(context.Background(), escrow.Invocation{Account: view.ID, Ops: other})
	require.ErrorIs(t, err, escrow.ErrOpsMismatch)
}

type gate struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gate) Invoke(ctx context.Context, call escrow.Call) ([]byte, error) {
	close(g.entered)
	<-g.release
	return nil, nil
}

func TestDepositDuringExecutionIsRefused(t *testing.T) {
	h := newHarness()
	g := &gate{entered: make(chan struct{}), release: make(chan struct{})}
	h.router.Register(target, g)
	ops := nativeOps()
	id := h.fund(t, 21, ops, 10)

	done := make(chan error, 1)
	go func() {
		_, err := h.exec.Execute(context.Background(), escrow.Invocation{Account: id, Ops: ops})
		done <- err
	}()
	<-g.entered

	credited := false
	_, err := h.registry.Deposit(id, depositor, func() error {
		credited = true
		return nil
	})
	require.ErrorIs(t, err, escrow.ErrExecuting)
	require.False(t, credited)

	close(g.release)
	require.NoError(t, <-done)

	_, err = h.registry.Deposit(id, depositor, func() error {
		credited = true
		return nil
	})
	require.ErrorIs(t, err, escrow.ErrConsumed)
	require.False(t, credited)
}

func TestDepositCreditsUnderClaim(t *testing.T) {
	h := newHarness()
	ops := nativeOps()
	view, err := h.registry.Open(creator, salt(22), ops, common.Address{})
	require.NoError(t, err)

	_, err = h.registry.Deposit(view.ID, depositor, func() error {
		return errors.New("mint failed")
	})
	require.Error(t, err)
	after, _ := h.registry.Get(view.ID)
	require.Equal(t, escrow.StatePending, after.State)

	after, err = h.registry.Deposit(view.ID, depositor, func() error {
		return h.ledger.Mint(context.Background(), escrow.NativeToken, view.ID, uint256.NewInt(4))
	})
	require.NoError(t, err)
	require.Equal(t, escrow.StateFunded, after.State)
	require.Equal(t, depositor, after.Depositor)

	_, err = h.exec.Execute(context.Background(), escrow.Invocation{Account: view.ID, Ops: ops})
	require.NoError(t, err)
	require.Equal(t, uint64(4), h.balance(t, escrow.NativeToken, target))
}
