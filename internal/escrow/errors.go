package escrow

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrUnknownAccount   = errors.New("escrow account not found")
	ErrConsumed         = errors.New("escrow account already consumed")
	ErrExecuting        = errors.New("escrow account execution in progress")
	ErrOpsMismatch      = errors.New("call ops do not match the bound ops")
	ErrNotFunded        = errors.New("escrow account holds no balance")
	ErrNoRecipient      = errors.New("no refund recipient could be resolved")
	ErrAuthorityRevoked = errors.New("escrow authority used outside its call")
	ErrEventLog         = errors.New("event log append failed")
)

// RevertError carries the raw diagnostic bytes returned by a failed target.
type RevertError struct {
	Data []byte
}

func (e *RevertError) Error() string {
	if len(e.Data) == 0 {
		return "execution reverted"
	}
	return fmt.Sprintf("execution reverted: %s (data %s)", DecodeRevertReason(e.Data), hexutil.Encode(e.Data))
}

// ErrorData mirrors the go-ethereum rpc.DataError accessor.
func (e *RevertError) ErrorData() interface{} {
	return hexutil.Encode(e.Data)
}

// Revert wraps data in a RevertError.
func Revert(data []byte) error {
	return &RevertError{Data: common.CopyBytes(data)}
}

// RevertWithReason builds a RevertError carrying an Error(string) payload.
func RevertWithReason(reason string) error {
	return &RevertError{Data: EncodeRevert(reason)}
}

// RefundError reports a refund transfer the environment refused. The whole
// execution is rolled back when it occurs.
type RefundError struct {
	Account   common.Address
	Recipient common.Address
	Err       error
}

func (e *RefundError) Error() string {
	return fmt.Sprintf("refund from %s to %s: %v", e.Account.Hex(), e.Recipient.Hex(), e.Err)
}

func (e *RefundError) Unwrap() error {
	return e.Err
}
