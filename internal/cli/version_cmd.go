package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	cortex "github.com/tilakbaserock/pan-cortex-data-lake-go"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if getOutputFormat(cmd) == outputJSON {
				return PrintJSON(cmd.OutOrStdout(), map[string]string{
					"product": cortex.ProductName,
					"version": cortex.Version,
				})
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "cdl version %s (%s)\n", cortex.Version, cortex.UserAgent())
			return err
		},
	}
}
