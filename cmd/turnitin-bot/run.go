package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sandunsahiru/turnitin-bot/internal/bot"
	"github.com/sandunsahiru/turnitin-bot/internal/browser"
	"github.com/sandunsahiru/turnitin-bot/internal/config"
	"github.com/sandunsahiru/turnitin-bot/internal/entitlement"
	"github.com/sandunsahiru/turnitin-bot/internal/identity"
	"github.com/sandunsahiru/turnitin-bot/internal/notify"
	"github.com/sandunsahiru/turnitin-bot/internal/processor"
	"github.com/sandunsahiru/turnitin-bot/internal/queue"
	"github.com/sandunsahiru/turnitin-bot/internal/turnitin"
)

var runResumeQueue bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bot and the queue processor",
	Long: `Connects to Telegram, restores the durable submission queue, and
serves users until interrupted. Items left mid-flight by a previous run
are picked up on the first drain.`,
	RunE: runBot,
}

func init() {
	runCmd.Flags().BoolVar(&runResumeQueue, "resume", true, "Trigger a drain at startup for items left in the queue")
	rootCmd.AddCommand(runCmd)
}

func runBot(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return fmt.Errorf("failed to connect to Telegram: %w", err)
	}

	var ent *entitlement.Store
	if cfg.DatabaseURL != "" {
		ent, err = entitlement.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to subscription database: %w", err)
		}
		defer ent.Close()
	} else {
		log.Printf("[MAIN] No DATABASE_URL set, subscription checks disabled")
	}

	store := queue.NewStore(cfg.QueueFile)
	tracker := identity.NewTracker(cfg.TrackingFile)
	sessions := browser.NewManager(browser.Config{
		Email:       cfg.TurnitinEmail,
		Password:    cfg.TurnitinPassword,
		BaseURL:     cfg.TurnitinBaseURL,
		ProxyURL:    cfg.ProxyURL,
		CookiesFile: cfg.CookiesFile,
		DownloadDir: cfg.DownloadsDir,
		MaxAge:      cfg.SessionMaxAge,
		MaxUses:     cfg.SessionMaxUses,
	})

	sink := notify.NewTelegram(api)
	client := turnitin.NewClient(cfg, tracker, sink)
	proc := processor.New(cfg, store, tracker, sessions, client, sink)

	if runResumeQueue && len(store.All()) > 0 {
		log.Printf("[MAIN] Queue has %d item(s) from a previous run", len(store.All()))
		proc.Trigger(ctx)
	}

	b := bot.New(api, cfg, store, proc, sink, ent)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return retryLoop(gctx, store, proc) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Printf("[MAIN] Shutting down")
	return nil
}

// retryLoop periodically re-triggers the processor so items stranded
// by a crashed pass or a timed-out score wait get another chance
// without waiting for the next user upload.
func retryLoop(ctx context.Context, store *queue.Store, proc *processor.Processor) error {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stranded := 0
			for _, it := range store.All() {
				if !it.Terminal() {
					stranded++
				}
			}
			if stranded > 0 {
				log.Printf("[MAIN] Retry sweep: %d unfinished item(s)", stranded)
				proc.Trigger(ctx)
			}
		}
	}
}
