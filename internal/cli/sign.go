package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"isarelay/internal/hmacauth"
)

// NewSignCommand prints the auth headers for a relayer request body.
func NewSignCommand(rootOpts *RootOptions) *cobra.Command {
	var secret, relayer, bodyFile string
	var at int64

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a relay request body",
		Long:  "Sign a request body read from --body-file (or stdin when it is -) and print the headers to send.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("RELAYER_HMAC_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("secret is required")
			}
			if !common.IsHexAddress(relayer) {
				return fmt.Errorf("relayer: invalid address %q", relayer)
			}

			var (
				body []byte
				err  error
			)
			if bodyFile == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(bodyFile)
			}
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}

			if at == 0 {
				at = time.Now().Unix()
			}
			ts := strconv.FormatInt(at, 10)
			addr := common.HexToAddress(relayer)
			return emit(cmd.OutOrStdout(), rootOpts.Format,
				field{hmacauth.HeaderTimestamp, ts},
				field{hmacauth.HeaderRelayer, addr.Hex()},
				field{hmacauth.HeaderSignature, hmacauth.Sign(secret, ts, addr, body)},
			)
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "shared HMAC secret (defaults to $RELAYER_HMAC_SECRET)")
	cmd.Flags().StringVar(&relayer, "relayer", "", "relayer address")
	cmd.Flags().StringVar(&bodyFile, "body-file", "-", "request body file, - for stdin")
	cmd.Flags().Int64Var(&at, "timestamp", 0, "unix timestamp to sign, defaults to now")
	return cmd
}
