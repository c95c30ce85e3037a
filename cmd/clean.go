package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanq16/prebuf/internal/app"
	"github.com/tanq16/prebuf/internal/output"
)

func newCleanCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "clean [URL...] [--all]",
		Short: "Remove cached objects from the durable store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("provide URLs or --all")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, err := app.OpenStore(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			urls := args
			if all {
				metas, err := st.List(ctx)
				if err != nil {
					return err
				}
				urls = urls[:0:0]
				for _, meta := range metas {
					urls = append(urls, meta.URL)
				}
			}
			var failed int
			for _, url := range urls {
				if err := st.Delete(ctx, url); err != nil {
					output.PrintError(fmt.Sprintf("Could not remove %s: %v", url, err))
					failed++
					continue
				}
				output.PrintSuccess(fmt.Sprintf("Removed %s", url))
			}
			if failed > 0 {
				return fmt.Errorf("%d removal(s) failed", failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Remove every cached object")
	return cmd
}
