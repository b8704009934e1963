package main

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/versionvault/internal/pattern"
)

var (
	patternsFormat string
	historyProduct string
	historyLimit   int
	historyFormat  string
)

// timeNow is replaced in tests.
var timeNow = time.Now

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "List learned acquisition patterns, best first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Check("store"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		patterns, err := pattern.New(st, cfg.Pattern).List(ctx)
		if err != nil {
			return eris.Wrap(err, "list patterns")
		}
		return writeOutput(os.Stdout, patternsFormat, patterns)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List stored versions for a product, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Check("store"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ListHistory(ctx, historyProduct, historyLimit)
		if err != nil {
			return eris.Wrap(err, "list history")
		}
		return writeOutput(os.Stdout, historyFormat, entries)
	},
}

func init() {
	patternsCmd.Flags().StringVar(&patternsFormat, "format", "json", "output format: json or yaml")

	historyCmd.Flags().StringVar(&historyProduct, "product-id", "", "product id")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "max versions (0 = all)")
	historyCmd.Flags().StringVar(&historyFormat, "format", "json", "output format: json or yaml")
	_ = historyCmd.MarkFlagRequired("product-id")

	rootCmd.AddCommand(patternsCmd, historyCmd)
}
