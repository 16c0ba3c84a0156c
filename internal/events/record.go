// Package events holds the append-only outcome log consumed by settlement
// reconciliation. The escrow core only ever appends to it.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Kind names an outcome record.
type Kind string

const (
	KindSucceeded Kind = "ExecutionSucceeded"
	KindFailed    Kind = "ExecutionFailed"
	KindRefund    Kind = "RefundIssued"
)

// Event signatures, used for topic0 when rendering records as EVM logs.
const (
	SigSucceeded = "ExecutionSucceeded(address,address,uint256)"
	SigFailed    = "ExecutionFailed(address,address,string)"
	SigRefund    = "RefundIssued(address,uint256)"
)

var (
	TopicSucceeded = crypto.Keccak256Hash([]byte(SigSucceeded))
	TopicFailed    = crypto.Keccak256Hash([]byte(SigFailed))
	TopicRefund    = crypto.Keccak256Hash([]byte(SigRefund))
)

var ErrUnknownKind = errors.New("unknown event kind")

// Record is a single outcome published for an escrow account.
type Record struct {
	Seq       uint64         `json:"seq"`
	Kind      Kind           `json:"kind"`
	Account   common.Address `json:"account"`
	Relayer   common.Address `json:"relayer"`
	Target    common.Address `json:"target"`
	Recipient common.Address `json:"recipient"`
	Token     common.Address `json:"token"`
	Amount    *uint256.Int   `json:"amount,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Time      time.Time      `json:"time"`
}

func Succeeded(account, relayer, target, token common.Address, amount *uint256.Int) Record {
	return Record{
		Kind:    KindSucceeded,
		Account: account,
		Relayer: relayer,
		Target:  target,
		Token:   token,
		Amount:  new(uint256.Int).Set(amount),
	}
}

func Failed(account, relayer, target, token common.Address, reason string) Record {
	return Record{
		Kind:    KindFailed,
		Account: account,
		Relayer: relayer,
		Target:  target,
		Token:   token,
		Reason:  reason,
	}
}

func Refunded(account, recipient, token common.Address, amount *uint256.Int) Record {
	return Record{
		Kind:      KindRefund,
		Account:   account,
		Recipient: recipient,
		Token:     token,
		Amount:    new(uint256.Int).Set(amount),
	}
}

// Filter selects records from a Log. Zero values match everything.
type Filter struct {
	Account  *common.Address
	Kind     Kind
	AfterSeq uint64
	Limit    int
}

func (f Filter) match(r Record) bool {
	if f.Account != nil && *f.Account != r.Account {
		return false
	}
	if f.Kind != "" && f.Kind != r.Kind {
		return false
	}
	return r.Seq > f.AfterSeq
}

// Log is an ordered, append-only sink of outcome records.
type Log interface {
	// Append stores recs as one batch and returns them with Seq assigned.
	// Either every record is stored or none is.
	Append(ctx context.Context, recs ...Record) ([]Record, error)
	List(ctx context.Context, f Filter) ([]Record, error)
}

var stringArgs = abi.Arguments{{Type: mustType("string")}}

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// EthLog renders the record the way an on-chain emitter would log it:
// topic0 is the event signature hash and the indexed addresses follow.
func (r Record) EthLog() (*types.Log, error) {
	out := &types.Log{Address: r.Account}
	switch r.Kind {
	case KindSucceeded:
		out.Topics = []common.Hash{TopicSucceeded, addressTopic(r.Relayer), addressTopic(r.Target)}
		out.Data = amountWord(r.Amount)
	case KindFailed:
		data, err := stringArgs.Pack(r.Reason)
		if err != nil {
			return nil, err
		}
		out.Topics = []common.Hash{TopicFailed, addressTopic(r.Relayer), addressTopic(r.Target)}
		out.Data = data
	case KindRefund:
		out.Topics = []common.Hash{TopicRefund, addressTopic(r.Recipient)}
		out.Data = amountWord(r.Amount)
	default:
		return nil, ErrUnknownKind
	}
	return out, nil
}

func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func amountWord(v *uint256.Int) []byte {
	if v == nil {
		v = new(uint256.Int)
	}
	word := v.Bytes32()
	return word[:]
}

func stamp(recs []Record, next func() uint64, now time.Time) []Record {
	out := make([]Record, len(recs))
	for i, r := range recs {
		r.Seq = next()
		if r.Time.IsZero() {
			r.Time = now
		}
		out[i] = r
	}
	return out
}

func parseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	return uint256.FromDecimal(s)
}

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}
