package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/conorfennell/readback/internal/config"
	"github.com/conorfennell/readback/internal/connectivity"
	"github.com/conorfennell/readback/internal/logging"
	"github.com/conorfennell/readback/internal/remote"
	"github.com/conorfennell/readback/internal/storage"
	"github.com/conorfennell/readback/internal/syncqueue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfg     *config.Config
	logFile io.Closer
}

func newRootCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "readback",
		Short:         "Read-it-later client with spaced review of highlights",
		Long:          "readback saves articles, highlights and notes while offline, replays them to the server once it is reachable, and schedules highlights for review.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logFile = logging.Setup(cfg.Log)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logFile != nil {
				return a.logFile.Close()
			}
			return nil
		},
	}

	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(newServeCommand(a))
	cmd.AddCommand(newRemoteCommand(a))
	cmd.AddCommand(newDrainCommand(a))
	cmd.AddCommand(newPendingCommand(a))
	cmd.AddCommand(newImportCommand(a))
	cmd.AddCommand(newFeedCommand(a))

	return cmd
}

// client bundles the local store and the outbox over it.
type client struct {
	db      *storage.DB
	queue   *syncqueue.Queue
	monitor connectivity.Monitor
	prober  *connectivity.Prober // nil when no server is configured
}

func (a *app) openClient() (*client, error) {
	db, err := storage.Open(a.cfg.DB)
	if err != nil {
		return nil, err
	}
	slog.Debug("database opened", "path", a.cfg.DB)

	c := &client{db: db}
	var transport syncqueue.Transport
	if a.cfg.Sync.ServerURL == "" {
		slog.Warn("no sync.server_url configured, mutations stay queued locally")
		c.monitor = connectivity.NewStatic(false)
	} else {
		rc := remote.NewClient(a.cfg.Sync.ServerURL, a.cfg.Sync.Timeout)
		c.prober = connectivity.NewProber(rc, a.cfg.Sync.ProbeInterval, a.cfg.Sync.ProbeTimeout)
		c.monitor = c.prober
		transport = rc
	}

	c.queue = syncqueue.New(db, transport, c.monitor, syncqueue.Options{
		SendTimeout: a.cfg.Sync.Timeout,
		Rate:        rate.Limit(a.cfg.Sync.Rate),
		Burst:       a.cfg.Sync.Burst,
		LeaseTTL:    a.cfg.Sync.LeaseTTL,
	})
	return c, nil
}

// probe runs one reachability check so one-shot commands see the real state.
func (c *client) probe(ctx context.Context) bool {
	if c.prober == nil {
		return false
	}
	return c.prober.Probe(ctx)
}

func (c *client) Close() error {
	return c.db.Close()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
