package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/born-ml/bert2onnx/internal/export"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the bert2onnx version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bert2onnx %s\n", export.Version)
		},
	}
}
