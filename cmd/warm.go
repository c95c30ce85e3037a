package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tanq16/prebuf/internal/app"
	"github.com/tanq16/prebuf/internal/bytesize"
	"github.com/tanq16/prebuf/internal/output"
	"github.com/tanq16/prebuf/internal/utils"
	"gopkg.in/yaml.v3"
)

func readBatchList(path string) ([]utils.BatchEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading list file: %v", err)
	}
	var entries []utils.BatchEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error parsing list file: %v", err)
	}
	var valid []utils.BatchEntry
	for _, entry := range entries {
		if entry.URL == "" {
			output.PrintWarning("Skipping entry without link")
			continue
		}
		valid = append(valid, entry)
	}
	return valid, nil
}

func newWarmCmd() *cobra.Command {
	var listFile, chunkSize string
	var parallelism, percent int

	cmd := &cobra.Command{
		Use:   "warm [URL...] [--list FILE]",
		Short: "Buffer media URLs into the durable store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("chunk-size") {
				size, err := bytesize.Parse(chunkSize)
				if err != nil {
					return err
				}
				cfg.Buffer.ChunkSize = size
			}
			if cmd.Flags().Changed("parallelism") {
				cfg.Buffer.Parallelism = parallelism
			}
			if cmd.Flags().Changed("percent") {
				cfg.Buffer.PrefetchPercent = percent
			}

			var entries []utils.BatchEntry
			for _, link := range args {
				entries = append(entries, utils.BatchEntry{URL: link})
			}
			if listFile != "" {
				listed, err := readBatchList(listFile)
				if err != nil {
					return err
				}
				entries = append(entries, listed...)
			}
			if len(entries) == 0 {
				return errors.New("no URL or list file provided")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				a.Close(closeCtx)
			}()

			return warm(ctx, a, entries)
		},
	}

	cmd.Flags().StringVarP(&listFile, "list", "l", "", "YAML file with a list of {link, percent} entries")
	cmd.Flags().StringVarP(&chunkSize, "chunk-size", "s", "", "Chunk size (eg. 2Mi, 512Ki)")
	cmd.Flags().IntVarP(&parallelism, "parallelism", "c", utils.DefaultParallelism, "Concurrent chunk fetches per URL")
	cmd.Flags().IntVarP(&percent, "percent", "p", 100, "Prefetch target in percent")
	return cmd
}

// warm starts every entry with its own options snapshot and waits for all
// terminal events or for ctx.
func warm(ctx context.Context, a *app.App, entries []utils.BatchEntry) error {
	mgr := output.NewManager()
	interactive := output.IsTerminal()
	if interactive {
		mgr.StartDisplay()
	}

	base := a.Controller.Options()
	var wg sync.WaitGroup
	for _, entry := range entries {
		id := mgr.Register(entry.URL)
		opts := base
		if entry.Percent > 0 {
			opts.PrefetchPercent = entry.Percent
		}
		wg.Add(1)
		_, err := a.Controller.StartBufferingWith(entry.URL, opts, func(ev utils.ProgressEvent) {
			switch {
			case ev.Error != "":
				mgr.ReportError(id, errors.New(ev.Error))
				wg.Done()
			case ev.Done:
				mgr.Complete(id, fmt.Sprintf("Buffered %s (%d%%)", entry.URL, ev.Buffered))
				wg.Done()
			default:
				mgr.Progress(id, ev)
			}
		})
		if err != nil {
			mgr.ReportError(id, err)
			wg.Done()
		}
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		output.PrintWarning("Interrupted, keeping bytes received so far")
	}

	if interactive {
		mgr.StopDisplay()
	} else {
		mgr.ShowSummary()
	}
	if _, failed, _ := mgr.Counts(); failed > 0 {
		return fmt.Errorf("%d URL(s) failed", failed)
	}
	return nil
}
