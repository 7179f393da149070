package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/street-directory/internal/backup"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the directory to a YAML document",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initDirectory(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		var out io.Writer = os.Stdout
		if path, _ := cmd.Flags().GetString("output"); path != "" && path != "-" {
			f, err := os.Create(path)
			if err != nil {
				return eris.Wrapf(err, "export: create %s", path)
			}
			defer f.Close() //nolint:errcheck
			out = f
		}

		stats, err := backup.Export(ctx, env.Postalcodes, env.Streets, out)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "exported %d postal codes, %d streets\n", stats.Postalcodes, stats.Streets)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Reconcile a YAML document into the directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var in io.Reader = os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return eris.Wrapf(err, "import: open %s", args[0])
			}
			defer f.Close() //nolint:errcheck
			in = f
		}

		env, err := initDirectory(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := backup.Import(ctx, in, env.Postalcodes, env.Streets)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "imported %d postal codes, %d streets\n", stats.Postalcodes, stats.Streets)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	rootCmd.AddCommand(exportCmd, importCmd)
}
