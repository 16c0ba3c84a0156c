// Package derive computes deterministic escrow identifiers.
package derive

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Discriminator is the byte prefixed to every derivation preimage so that derived
// identifiers can never collide with sender/nonce based ones.
const Discriminator byte = 0xff

// Address returns low160(keccak256(0xff ‖ creator ‖ salt ‖ initCodeHash)).
func Address(creator common.Address, salt [32]byte, initCodeHash common.Hash) common.Address {
	sum := crypto.Keccak256(
		[]byte{Discriminator},
		creator.Bytes(),
		salt[:],
		initCodeHash.Bytes(),
	)
	return common.BytesToAddress(sum[12:])
}

// InitCodeHash hashes an initialization payload.
func InitCodeHash(initCode []byte) common.Hash {
	return crypto.Keccak256Hash(initCode)
}

// AddressFromInitCode hashes initCode and derives the identifier.
func AddressFromInitCode(creator common.Address, salt [32]byte, initCode []byte) common.Address {
	return Address(creator, salt, InitCodeHash(initCode))
}

// ParseSalt decodes a 0x-prefixed hex salt of at most 32 bytes, left padded.
func ParseSalt(s string) ([32]byte, error) {
	var out [32]byte
	s = strings.TrimSpace(s)
	if s == "" {
		return out, fmt.Errorf("salt is required")
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	if len(s)%2 == 1 {
		s = "0x0" + s[2:]
	}
	raw, err := hexutil.Decode(s)
	if err != nil {
		return out, fmt.Errorf("parse salt: %w", err)
	}
	if len(raw) > len(out) {
		return out, fmt.Errorf("salt longer than 32 bytes")
	}
	copy(out[len(out)-len(raw):], raw)
	return out, nil
}

// ParseHash decodes a 32 byte 0x-prefixed hex hash.
func ParseHash(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	raw, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("parse hash: %w", err)
	}
	if len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("hash must be %d bytes, got %d", common.HashLength, len(raw))
	}
	return common.BytesToHash(raw), nil
}
