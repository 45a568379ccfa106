package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/susu3304/pointsbot/internal/api"
	"github.com/susu3304/pointsbot/internal/attachment"
	"github.com/susu3304/pointsbot/internal/authz"
	"github.com/susu3304/pointsbot/internal/bot"
	"github.com/susu3304/pointsbot/internal/commands"
	"github.com/susu3304/pointsbot/internal/config"
	"github.com/susu3304/pointsbot/internal/ledger"
	"github.com/susu3304/pointsbot/internal/llm"
	"github.com/susu3304/pointsbot/internal/logging"
	"github.com/susu3304/pointsbot/internal/syncer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:          "pointsbot",
	Short:        "Discord points ledger bot",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger, err = logging.New(cfg.LogLevel, cfg.LogFormat)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runBot,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to Discord and serve commands (and the API when WEB_BIND is set)",
	Args:  cobra.NoArgs,
	RunE:  runBot,
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print the balances stored in the configured ledger backend",
	Args:  cobra.NoArgs,
	RunE:  printSnapshot,
}

func init() {
	rootCmd.AddCommand(runCmd, snapshotCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBot(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	l := ledger.NewStore()
	ledgerSync := syncer.New(store, l, logger.Named("syncer"))
	if err := ledgerSync.Load(ctx); err != nil {
		// An unreadable remote document leaves flushes conflicting until an
		// owner resyncs.
		logger.Warn("starting with an empty ledger", zap.Error(err))
	}

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}
	gate := authz.NewGate(cfg.OwnerID)
	if cfg.OwnerID == "" {
		logger.Warn("BOT_OWNER_ID is not set, owner-only commands are disabled")
	}

	dispatcher := commands.New(commands.Config{
		Ledger:      l,
		Sync:        ledgerSync,
		Gate:        gate,
		Sandbox:     newExecutor(cfg, logger.Named("sandbox")),
		Assistant:   llm.NewAssistant(backend, logger.Named("llm")),
		Attachments: attachment.NewFetcher(nil, 0),
		Logger:      logger.Named("commands"),
	})

	discordBot, err := bot.New(cfg.DiscordToken, dispatcher, logger.Named("bot"))
	if err != nil {
		return err
	}
	if err := discordBot.Start(); err != nil {
		return err
	}
	defer discordBot.Stop()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.WebBind != "" {
		apiServer := api.New(cfg, l, ledgerSync, gate, logger.Named("api"))
		g.Go(apiServer.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return apiServer.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	})

	return g.Wait()
}

func printSnapshot(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	if store == nil {
		return errors.New("the memory backend keeps nothing between runs")
	}

	data, revision, err := store.Read(ctx)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	snap, _, err := ledger.Decode(data)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(snap.Accounts))
	for id := range snap.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "revision %s, %d accounts, %d guilds\n", revision, len(snap.Accounts), len(snap.Guilds))
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tBALANCE\tHISTORY")
	for _, id := range ids {
		a := snap.Accounts[id]
		fmt.Fprintf(tw, "%s\t%d\t%d\n", id, a.Balance, len(a.History))
	}
	fmt.Fprintf(tw, "total\t%d\t\n", snap.TotalBalance())
	return tw.Flush()
}
