package events

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var (
	acctA   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	acctB   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	relayer = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	target  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

func sampleBatch() []Record {
	return []Record{
		Failed(acctA, relayer, target, common.Address{}, "boom"),
		Refunded(acctA, relayer, common.Address{}, uint256.NewInt(42)),
	}
}

// exerciseLog runs the behaviour every backend must share.
func exerciseLog(t *testing.T, log Log) {
	t.Helper()
	ctx := context.Background()

	first, err := log.Append(ctx, sampleBatch()...)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Less(t, first[0].Seq, first[1].Seq)
	require.False(t, first[0].Time.IsZero())

	second, err := log.Append(ctx, Succeeded(acctB, relayer, target, common.Address{}, uint256.NewInt(7)))
	require.NoError(t, err)
	require.Greater(t, second[0].Seq, first[1].Seq)

	all, err := log.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, KindFailed, all[0].Kind)
	require.Equal(t, "boom", all[0].Reason)
	require.Equal(t, KindRefund, all[1].Kind)
	require.Equal(t, uint64(42), all[1].Amount.Uint64())
	require.Equal(t, relayer, all[1].Recipient)

	onlyA, err := log.List(ctx, Filter{Account: &acctA})
	require.NoError(t, err)
	require.Len(t, onlyA, 2)

	refunds, err := log.List(ctx, Filter{Kind: KindRefund})
	require.NoError(t, err)
	require.Len(t, refunds, 1)

	tail, err := log.List(ctx, Filter{AfterSeq: first[1].Seq})
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, acctB, tail[0].Account)

	limited, err := log.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestMemoryLog(t *testing.T) {
	exerciseLog(t, NewMemoryLog())
}

func TestMemoryLogUsesClock(t *testing.T) {
	fixed := time.Unix(1_700_000_000, 0)
	log := NewMemoryLog()
	log.Now = func() time.Time { return fixed }

	out, err := log.Append(context.Background(), sampleBatch()...)
	require.NoError(t, err)
	require.True(t, out[0].Time.Equal(fixed))
}

func TestFileLogPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.jsonl")
	log, err := NewFileLog(path)
	require.NoError(t, err)
	exerciseLog(t, log)

	reopened, err := NewFileLog(path)
	require.NoError(t, err)
	all, err := reopened.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, uint64(42), all[1].Amount.Uint64())

	next, err := reopened.Append(context.Background(), Refunded(acctB, relayer, common.Address{}, uint256.NewInt(1)))
	require.NoError(t, err)
	require.Equal(t, all[2].Seq+1, next[0].Seq)
}

func TestSQLiteLog(t *testing.T) {
	log, err := OpenSQLiteLog(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer log.Close()
	exerciseLog(t, log)
}

func TestPostgresLog(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log, err := NewPostgresLog(ctx, dsn)
	require.NoError(t, err)
	defer log.Close()

	out, err := log.Append(ctx, sampleBatch()...)
	require.NoError(t, err)
	require.Len(t, out, 2)

	got, err := log.List(ctx, Filter{AfterSeq: out[0].Seq, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, out[1].Seq, got[0].Seq)
}

func TestEthLogSucceeded(t *testing.T) {
	rec := Succeeded(acctA, relayer, target, common.Address{}, uint256.NewInt(1000))
	l, err := rec.EthLog()
	require.NoError(t, err)
	require.Equal(t, acctA, l.Address)
	require.Equal(t, []common.Hash{TopicSucceeded, common.BytesToHash(relayer.Bytes()), common.BytesToHash(target.Bytes())}, l.Topics)
	require.Equal(t, uint64(1000), new(uint256.Int).SetBytes(l.Data).Uint64())
}

func TestEthLogFailedCarriesReason(t *testing.T) {
	rec := Failed(acctA, relayer, target, common.Address{}, "insufficient output")
	l, err := rec.EthLog()
	require.NoError(t, err)
	require.Equal(t, TopicFailed, l.Topics[0])

	strType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	vals, err := abi.Arguments{{Type: strType}}.Unpack(l.Data)
	require.NoError(t, err)
	require.Equal(t, "insufficient output", vals[0])
}

func TestEthLogRefundAndUnknown(t *testing.T) {
	l, err := Refunded(acctA, relayer, common.Address{}, uint256.NewInt(5)).EthLog()
	require.NoError(t, err)
	require.Len(t, l.Topics, 2)
	require.Equal(t, TopicRefund, l.Topics[0])

	_, err = Record{Kind: "Bogus"}.EthLog()
	require.ErrorIs(t, err, ErrUnknownKind)
}
