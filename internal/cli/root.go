// Package cli implements isactl, the offline toolbox for escrow identifiers,
// instruction encoding and relayer request signing.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "json" | "text"
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the isactl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "isactl",
		Short: "Single-use escrow toolbox",
		Long:  "Derive escrow addresses, encode call ops, decode revert reasons and sign relay requests.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range ValidFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewDeriveCommand(opts))
	cmd.AddCommand(NewEncodeOpsCommand(opts))
	cmd.AddCommand(NewDecodeReasonCommand(opts))
	cmd.AddCommand(NewSignCommand(opts))

	return cmd
}

// field is one line of text output.
type field struct {
	Key   string
	Value string
}

// emit writes fields as "key: value" lines or as one JSON object.
func emit(w io.Writer, format string, fields ...field) error {
	if format == "json" {
		obj := make(map[string]string, len(fields))
		for _, f := range fields {
			obj[f.Key] = f.Value
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(obj)
	}
	for _, f := range fields {
		if _, err := fmt.Fprintf(w, "%s: %s\n", f.Key, f.Value); err != nil {
			return err
		}
	}
	return nil
}
