package escrow

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestDecodeRevertReason(t *testing.T) {
	require.Equal(t, "insufficient output amount", DecodeRevertReason(EncodeRevert("insufficient output amount")))
	require.Equal(t, "", DecodeRevertReason(EncodeRevert("")))
	require.Equal(t, NoReason, DecodeRevertReason(nil))
	require.Equal(t, NoReason, DecodeRevertReason(make([]byte, 67)))

	// Error("Not enough Ether provided.") as emitted by solc
	solc := common.FromHex("0x08c379a0" +
		"0000000000000000000000000000000000000000000000000000000000000020" +
		"000000000000000000000000000000000000000000000000000000000000001a" +
		"4e6f7420656e6f7567682045746865722070726f76696465642e000000000000")
	require.Equal(t, "Not enough Ether provided.", DecodeRevertReason(solc))

	// long enough but the offset points past the payload
	garbage := append([]byte{0x08, 0xc3, 0x79, 0xa0}, make([]byte, 64)...)
	garbage[4+31] = 0xff
	require.Equal(t, NoReason, DecodeRevertReason(garbage))
}

func TestEncodeRevertHasErrorSelector(t *testing.T) {
	out := EncodeRevert("x")
	require.Equal(t, []byte{0x08, 0xc3, 0x79, 0xa0}, out[:4])
	require.Len(t, out, 4+96)
}

func TestRevertErrorMessage(t *testing.T) {
	err := RevertWithReason("nope")
	require.Contains(t, err.Error(), "nope")
	require.Equal(t, "execution reverted", Revert(nil).Error())
}
