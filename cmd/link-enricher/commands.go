package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/link-enricher/pkg/api"
	"github.com/Sternrassler/link-enricher/pkg/enrich"
	"github.com/Sternrassler/link-enricher/pkg/logging"
	"github.com/Sternrassler/link-enricher/pkg/queue"
	"github.com/Sternrassler/link-enricher/pkg/ratelimit"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		addr     string
		noServer bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the enrichment queue and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			var wg sync.WaitGroup
			errCh := make(chan error, 2)

			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := a.sched.Run(ctx); err != nil {
					errCh <- fmt.Errorf("scheduler: %w", err)
					stop()
				}
			}()

			if !noServer {
				srv := api.NewServer(api.Deps{
					Store:     a.store,
					Scheduler: a.sched,
					Limiter:   a.limiter,
					Ready:     a.ready,
				}, logging.NewLogger("api"))

				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := srv.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
						errCh <- fmt.Errorf("http server: %w", err)
						stop()
					}
				}()
			}

			wg.Wait()
			close(errCh)
			return <-errCh
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&noServer, "no-server", false, "Run the queue without the HTTP API")
	return cmd
}

func newEnrichCmd(opts *rootOptions) *cobra.Command {
	var drain bool

	cmd := &cobra.Command{
		Use:   "enrich [item-id...]",
		Short: "Enrich specific items now, or run one queue cycle",
		Long: `With item ids, each item is enriched immediately; requests refused by the
rate limiter are reported, not retried. Without ids, one queue cycle runs, or
with --drain, cycles repeat until no eligible item is left.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			enabled := true
			cfg.Queue.Enabled = &enabled

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if len(args) > 0 {
				return enrichItems(ctx, out, a.sched, args)
			}
			return runCycles(ctx, out, a, drain)
		},
	}

	cmd.Flags().BoolVar(&drain, "drain", false, "Repeat cycles until the queue is empty")
	return cmd
}

func enrichItems(ctx context.Context, out io.Writer, sched *queue.Scheduler, ids []string) error {
	failed := 0
	for _, id := range ids {
		it, err := sched.EnrichNow(ctx, id)
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s\t%s\n", id, err)
			continue
		}
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", it.ID, it.Status, it.Category, it.Name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d items not enriched", failed, len(ids))
	}
	return nil
}

func runCycles(ctx context.Context, out io.Writer, a *app, drain bool) error {
	for {
		outcome := a.sched.Tick(ctx)
		fmt.Fprintf(out, "cycle: %s\n", outcome)

		if !drain {
			return nil
		}

		wait := a.sched.Delay()
		switch outcome {
		case queue.OutcomeIdle, queue.OutcomeDisabled:
			return nil
		case queue.OutcomeError:
			return fmt.Errorf("queue cycle failed")
		case queue.OutcomeCooldown:
			remaining, err := a.limiter.CooldownRemaining(ctx)
			if err != nil {
				return err
			}
			if remaining > wait {
				wait = remaining
			}
			fmt.Fprintf(out, "cooldown: waiting %s\n", ratelimit.FormatRemaining(wait))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func newImportCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file|->",
		Short: "Import links from a file",
		Long: `Imports links into the catalog. A JSON array of {name, url, category,
description} objects is added directly; any other text is sent to the
provider to extract the links first. Duplicate URLs are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}

			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			var stats queue.ImportStats
			var links []enrich.ImportedLink
			if json.Unmarshal(data, &links) == nil && len(links) > 0 {
				stats, err = a.sched.ImportLinks(ctx, links)
			} else {
				stats, err = a.sched.ImportRaw(ctx, string(data))
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "total: %d, added: %d, duplicates: %d, errors: %d\n",
				stats.Total, stats.Added, stats.Duplicates, stats.Errors)
			return nil
		},
	}
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search the catalog by meaning",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			ids, err := a.sched.Search(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, id := range ids {
				it, err := a.store.Get(ctx, id)
				if err != nil {
					continue
				}
				fmt.Fprintf(out, "%s\t%s\t%s\n", it.ID, it.Name, it.URL)
			}
			fmt.Fprintf(out, "%d matches\n", len(ids))
			return nil
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and rate limit status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.store.List(ctx)
			if err != nil {
				return err
			}
			state, err := a.limiter.GetState(ctx)
			if err != nil {
				return err
			}
			remaining, err := a.limiter.CooldownRemaining(ctx)
			if err != nil {
				return err
			}

			printStatus(cmd.OutOrStdout(), queue.Summarize(items), state, remaining, cfg.RateLimit.RequestsPerMinute)
			return nil
		},
	}
}

func printStatus(out io.Writer, sum queue.Summary, state ratelimit.State, remaining time.Duration, maxRequests int) {
	fmt.Fprintf(out, "Items:      %d (pending %d, queued %d, processing %d, done %d, error %d)\n",
		sum.Total, sum.Pending, sum.Queued, sum.Processing, sum.Done, sum.Error)
	fmt.Fprintf(out, "Requests:   %d/%d in current window\n", state.RequestsThisWindow, maxRequests)
	fmt.Fprintf(out, "Errors:     %d consecutive\n", state.ConsecutiveErrors)
	if remaining > 0 {
		fmt.Fprintf(out, "Cooldown:   %s remaining\n", ratelimit.FormatRemaining(remaining))
	} else {
		fmt.Fprintln(out, "Cooldown:   none")
	}
}
