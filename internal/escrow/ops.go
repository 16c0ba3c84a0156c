package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// NativeToken is the SourceToken sentinel for the chain's native asset.
var NativeToken = common.Address{}

// InitCodePrefix tags every ISA init payload so that the derived address
// commits to the ops encoding under a fixed scheme.
var InitCodePrefix = crypto.Keccak256([]byte("isarelay.escrow.v1"))[:4]

var (
	ErrNoTarget   = errors.New("call ops: target address is required")
	ErrNoApproval = errors.New("call ops: approval address is required for token transfers")
	ErrBadInit    = errors.New("call ops: init code prefix mismatch")
)

// CallOps is the instruction bundle bound to one escrow account.
type CallOps struct {
	Target          common.Address
	Approval        common.Address
	ExecutionData   []byte
	SourceToken     common.Address
	RefundRecipient common.Address
	Relayer         common.Address
	RelayerFee      *uint256.Int
}

var opsArgs = abi.Arguments{
	{Name: "targetAddress", Type: mustType("address")},
	{Name: "approvalAddress", Type: mustType("address")},
	{Name: "executionData", Type: mustType("bytes")},
	{Name: "sourceToken", Type: mustType("address")},
	{Name: "refundRecipient", Type: mustType("address")},
	{Name: "relayerAddress", Type: mustType("address")},
	{Name: "relayerFee", Type: mustType("uint256")},
}

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// IsNative reports whether the ops move the native asset.
func (o CallOps) IsNative() bool {
	return o.SourceToken == NativeToken
}

func (o CallOps) Validate() error {
	if o.Target == (common.Address{}) {
		return ErrNoTarget
	}
	if !o.IsNative() && o.Approval == (common.Address{}) {
		return ErrNoApproval
	}
	return nil
}

func (o CallOps) fee() *big.Int {
	if o.RelayerFee == nil {
		return new(big.Int)
	}
	return o.RelayerFee.ToBig()
}

// Encode ABI-encodes the ordered tuple
// (target, approval, executionData, sourceToken, refundRecipient, relayer, relayerFee).
func (o CallOps) Encode() []byte {
	data := o.ExecutionData
	if data == nil {
		data = []byte{}
	}
	out, err := opsArgs.Pack(o.Target, o.Approval, data, o.SourceToken, o.RefundRecipient, o.Relayer, o.fee())
	if err != nil {
		// every field has a fixed Go type matching its ABI type
		panic(fmt.Sprintf("encode call ops: %v", err))
	}
	return out
}

// DecodeCallOps is the inverse of Encode.
func DecodeCallOps(data []byte) (CallOps, error) {
	vals, err := opsArgs.Unpack(data)
	if err != nil {
		return CallOps{}, fmt.Errorf("decode call ops: %w", err)
	}
	fee, overflow := uint256.FromBig(vals[6].(*big.Int))
	if overflow {
		return CallOps{}, fmt.Errorf("decode call ops: relayer fee overflows uint256")
	}
	return CallOps{
		Target:          vals[0].(common.Address),
		Approval:        vals[1].(common.Address),
		ExecutionData:   common.CopyBytes(vals[2].([]byte)),
		SourceToken:     vals[3].(common.Address),
		RefundRecipient: vals[4].(common.Address),
		Relayer:         vals[5].(common.Address),
		RelayerFee:      fee,
	}, nil
}

// InitCode is the payload whose hash the account identifier commits to.
func (o CallOps) InitCode() []byte {
	return append(common.CopyBytes(InitCodePrefix), o.Encode()...)
}

// OpsFromInitCode recovers the ops from an InitCode payload.
func OpsFromInitCode(initCode []byte) (CallOps, error) {
	if !bytes.HasPrefix(initCode, InitCodePrefix) {
		return CallOps{}, ErrBadInit
	}
	return DecodeCallOps(initCode[len(InitCodePrefix):])
}

func (o CallOps) InitCodeHash() common.Hash {
	return crypto.Keccak256Hash(o.InitCode())
}

func (o CallOps) Hash() common.Hash {
	return crypto.Keccak256Hash(o.Encode())
}

func (o CallOps) Clone() CallOps {
	c := o
	c.ExecutionData = common.CopyBytes(o.ExecutionData)
	if o.RelayerFee != nil {
		c.RelayerFee = new(uint256.Int).Set(o.RelayerFee)
	}
	return c
}
