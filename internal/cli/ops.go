package cli

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"isarelay/internal/derive"
	"isarelay/internal/escrow"
)

// opsFlags collects a CallOps bundle from command flags.
type opsFlags struct {
	target, approval, data, token, refund, relayer, fee string
}

func (o *opsFlags) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.target, "target", "", "target address")
	f.StringVar(&o.approval, "approval", "", "approval (spender) address, required for token ops")
	f.StringVar(&o.data, "data", "0x", "execution data (hex)")
	f.StringVar(&o.token, "token", "", "source token address, empty for native")
	f.StringVar(&o.refund, "refund", "", "refund recipient address")
	f.StringVar(&o.relayer, "relayer", "", "relayer address")
	f.StringVar(&o.fee, "fee", "0", "relayer fee (decimal)")
}

func (o *opsFlags) ops() (escrow.CallOps, error) {
	var (
		ops escrow.CallOps
		err error
	)
	addrs := []struct {
		name string
		raw  string
		dst  *common.Address
	}{
		{"target", o.target, &ops.Target},
		{"approval", o.approval, &ops.Approval},
		{"token", o.token, &ops.SourceToken},
		{"refund", o.refund, &ops.RefundRecipient},
		{"relayer", o.relayer, &ops.Relayer},
	}
	for _, a := range addrs {
		if *a.dst, err = parseAddress(a.name, a.raw); err != nil {
			return escrow.CallOps{}, err
		}
	}
	if ops.ExecutionData, err = hexutil.Decode(normalizeHex(o.data)); err != nil {
		return escrow.CallOps{}, fmt.Errorf("data: %w", err)
	}
	if ops.RelayerFee, err = uint256.FromDecimal(o.fee); err != nil {
		return escrow.CallOps{}, fmt.Errorf("fee: %w", err)
	}
	return ops, ops.Validate()
}

func parseAddress(name, raw string) (common.Address, error) {
	if raw == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", name, raw)
	}
	return common.HexToAddress(raw), nil
}

func normalizeHex(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	return s
}

// NewEncodeOpsCommand prints the init code that binds a CallOps bundle.
func NewEncodeOpsCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &opsFlags{}
	cmd := &cobra.Command{
		Use:   "encode-ops",
		Short: "Encode call ops into init code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := flags.ops()
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format,
				field{"initCode", hexutil.Encode(ops.InitCode())},
				field{"initCodeHash", ops.InitCodeHash().Hex()},
				field{"opsHash", ops.Hash().Hex()},
			)
		},
	}
	flags.bind(cmd)
	return cmd
}

// NewDeriveCommand computes the escrow address for a creator, salt and either
// explicit ops or a precomputed init code hash.
func NewDeriveCommand(rootOpts *RootOptions) *cobra.Command {
	var creator, salt, initCodeHash string
	flags := &opsFlags{}

	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Derive an escrow address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !common.IsHexAddress(creator) {
				return fmt.Errorf("creator: invalid address %q", creator)
			}
			s, err := derive.ParseSalt(salt)
			if err != nil {
				return err
			}

			var hash common.Hash
			if initCodeHash != "" {
				if hash, err = derive.ParseHash(initCodeHash); err != nil {
					return err
				}
			} else {
				ops, err := flags.ops()
				if err != nil {
					return err
				}
				hash = ops.InitCodeHash()
			}

			addr := derive.Address(common.HexToAddress(creator), s, hash)
			return emit(cmd.OutOrStdout(), rootOpts.Format,
				field{"address", addr.Hex()},
				field{"initCodeHash", hash.Hex()},
				field{"salt", common.Hash(s).Hex()},
			)
		},
	}
	cmd.Flags().StringVar(&creator, "creator", "", "creator address")
	cmd.Flags().StringVar(&salt, "salt", "", "salt (hex, up to 32 bytes)")
	cmd.Flags().StringVar(&initCodeHash, "init-code-hash", "", "precomputed init code hash; ops flags are ignored when set")
	_ = cmd.MarkFlagRequired("creator")
	_ = cmd.MarkFlagRequired("salt")
	flags.bind(cmd)
	return cmd
}
