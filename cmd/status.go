package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanq16/prebuf/internal/app"
	"github.com/tanq16/prebuf/internal/output"
	"github.com/tanq16/prebuf/internal/utils"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List what the durable store holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			metas, err := st.List(ctx)
			if err != nil {
				return err
			}
			if len(metas) == 0 {
				output.PrintInfo("Store is empty")
				return nil
			}
			output.PrintHeader(fmt.Sprintf("%d cached object(s) in %s store", len(metas), cfg.Store.Type))
			for _, meta := range metas {
				obj, err := st.Load(ctx, meta.URL)
				if err != nil {
					output.PrintError(fmt.Sprintf("  %s %s: %v", output.StyleSymbols["fail"], meta.URL, err))
					continue
				}
				covered := obj.Bytes()
				size := "unknown size"
				percent := 0
				if obj.Total > 0 {
					size = utils.FormatBytes(uint64(obj.Total))
					percent = int(covered * 100 / obj.Total)
				}
				line := fmt.Sprintf("  %s %s", output.StyleSymbols["bullet"], meta.URL)
				detail := fmt.Sprintf("%d%% of %s, %d chunk(s), updated %s", percent, size, len(obj.Chunks), meta.UpdatedAt.Format("2006-01-02 15:04:05"))
				if obj.Complete() {
					output.PrintSuccess(line)
				} else {
					output.PrintWarning(line)
				}
				fmt.Println("      " + output.FDebug(detail))
			}
			return nil
		},
	}
}
