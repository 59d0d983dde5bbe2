package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/conorfennell/readback/internal/api"
	"github.com/conorfennell/readback/internal/feedimport"
	"github.com/conorfennell/readback/internal/importer"
	"github.com/conorfennell/readback/internal/web"
)

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// serveHTTP runs srv until ctx is done, then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local API, replaying queued mutations whenever the server is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.openClient()
			if err != nil {
				return err
			}
			defer c.Close()

			imp := importer.New(c.db, c.queue, a.cfg.Import.ReposDir)
			feeds := feedimport.New(c.queue, c.db)

			if c.prober != nil {
				go c.prober.Start(ctx)
			}
			go func() {
				if err := ignoreCanceled(c.queue.Run(ctx)); err != nil {
					slog.Error("sync loop stopped", "error", err)
				}
			}()
			if a.cfg.Import.Watch {
				go func() {
					if err := ignoreCanceled(imp.Watch(ctx, nil, importer.DefaultDebounce)); err != nil {
						slog.Error("source watcher stopped", "error", err)
					}
				}()
			}

			srv := &http.Server{
				Addr:              a.cfg.Listen,
				Handler:           web.NewServer(c.db, c.queue, imp, feeds),
				ReadHeaderTimeout: 10 * time.Second,
			}
			slog.Info("server starting", "addr", a.cfg.Listen, "server_url", a.cfg.Sync.ServerURL)
			return serveHTTP(ctx, srv)
		},
	}
}

func newRemoteCommand(a *app) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Run the bundled mutation server",
		Long:  "Run the reference mutation server. Repeated deliveries with the same idempotency key return the original resource.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := api.OpenSQLStore(a.cfg.Remote.DSN)
			if err != nil {
				return err
			}
			defer store.Close()

			handler := api.New(store)
			handler.Strict = strict
			srv := &http.Server{
				Addr:              a.cfg.Remote.Listen,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}
			slog.Info("mutation server starting", "addr", a.cfg.Remote.Listen, "strict", strict)
			return serveHTTP(cmd.Context(), srv)
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "reject highlights and notes for unknown articles")
	return cmd
}

func newDrainCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay queued mutations once and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.openClient()
			if err != nil {
				return err
			}
			defer c.Close()

			if !c.probe(ctx) {
				fmt.Fprintln(cmd.ErrOrStderr(), "server unreachable, nothing sent")
			}
			report, err := c.queue.Drain(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func newPendingCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Show how many mutations await the server and which were rejected",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.openClient()
			if err != nil {
				return err
			}
			defer c.Close()

			n, err := c.queue.PendingCount(ctx)
			if err != nil {
				return err
			}
			dead, err := c.queue.DeadLetters(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d pending, %d rejected\n", n, len(dead))
			for _, m := range dead {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s %s attempts=%d: %s\n", m.ID, m.Kind, m.AttemptCount, m.LastError)
			}
			return nil
		},
	}
}

func newImportCommand(a *app) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "import [source...]",
		Short: "Add highlight sources (directories or git URLs) and import all sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.openClient()
			if err != nil {
				return err
			}
			defer c.Close()

			imp := importer.New(c.db, c.queue, a.cfg.Import.ReposDir)
			for _, path := range args {
				if _, err := imp.AddSource(ctx, path); err != nil {
					return err
				}
			}
			res, err := imp.Run(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			if !watch {
				return nil
			}
			return ignoreCanceled(imp.Watch(ctx, nil, importer.DefaultDebounce))
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep running and re-import on changes")
	return cmd
}

func newFeedCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "feed <url>",
		Short: "Save every entry of an RSS or Atom feed as an article",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.openClient()
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := feedimport.New(c.queue, c.db).Import(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}
