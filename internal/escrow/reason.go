package escrow

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// NoReason is reported when a failure payload is too short to hold a string.
const NoReason = "Transaction reverted silently"

// minReasonLen is selector(4) + offset word(32) + length word(32).
const minReasonLen = 68

var (
	revertSelector = crypto.Keccak256([]byte("Error(string)"))[:4]
	reasonArgs     = abi.Arguments{{Type: mustType("string")}}
)

// DecodeRevertReason extracts the string from an Error(string)-shaped payload.
// The selector itself is not checked; anything undecodable maps to NoReason.
func DecodeRevertReason(data []byte) string {
	if len(data) < minReasonLen {
		return NoReason
	}
	vals, err := reasonArgs.Unpack(data[4:])
	if err != nil || len(vals) != 1 {
		return NoReason
	}
	reason, ok := vals[0].(string)
	if !ok {
		return NoReason
	}
	return reason
}

// EncodeRevert builds an Error(string) payload.
func EncodeRevert(reason string) []byte {
	packed, err := reasonArgs.Pack(reason)
	if err != nil {
		panic(err)
	}
	return append(append([]byte{}, revertSelector...), packed...)
}
