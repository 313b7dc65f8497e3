package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"trendbot/internal/broker"
	"trendbot/internal/config"
	"trendbot/internal/engine"
	"trendbot/internal/journal"
	"trendbot/internal/logging"
	"trendbot/internal/lot"
	"trendbot/internal/md"
	"trendbot/internal/notify"
	"trendbot/internal/server"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("bot stopped")
	}
	log.Info().Msg("bot shutdown complete")
}

func run(cfg config.Config) error {
	runID := uuid.NewString()
	logger := log.With().Str("run_id", runID).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChan
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	recorder, db, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close decision journal")
		}
	}()

	feed, brk, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}
	notifier := newNotifier(cfg)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.CallTimeout)
		defer cancel()
		if err := notifier.Close(closeCtx); err != nil {
			logger.Warn().Err(err).Msg("pending notifications not delivered")
		}
	}()

	eng, err := engine.New(cfg, engine.Deps{
		Feed:     feed,
		Broker:   brk,
		Notifier: notifier,
		Journal:  recorder,
		RunID:    runID,
	})
	if err != nil {
		return err
	}

	logger.Info().
		Str("broker", brk.Name()).
		Str("symbol", cfg.Symbol).
		Str("interval", cfg.Interval).
		Int("short_window", cfg.ShortWindow).
		Int("long_window", cfg.LongWindow).
		Bool("kill_switch", cfg.KillSwitch).
		Msg("starting bot")

	g, gctx := errgroup.WithContext(ctx)
	if cfg.StatusAddr != "" {
		g.Go(func() error { return server.Serve(gctx, cfg.StatusAddr, eng) })
	}
	g.Go(func() error {
		if err := eng.ReconcileWithRetry(gctx, cfg.ReconcileAttempts); err != nil {
			return err
		}
		g.Go(func() error { return eng.DriftLoop(gctx, cfg.DriftInterval) })
		return eng.Run(gctx)
	})
	err = g.Wait()

	if db != nil {
		results, qerr := db.Results(runID)
		if qerr != nil {
			logger.Warn().Err(qerr).Msg("run summary unavailable")
		} else {
			logger.Info().Interface("results", results).Msg("run summary")
		}
	}
	return err
}

func newBackend(ctx context.Context, cfg config.Config) (md.Feed, broker.Broker, error) {
	switch cfg.Broker {
	case config.BackendBinance:
		client := broker.NewBinanceClient(cfg.BinanceAPIKey, cfg.BinanceAPISecret, cfg.Testnet)
		return md.NewBinanceFeed(client), broker.NewBinance(client), nil

	case config.BackendAlpaca:
		constraint := lot.NewConstraint(cfg.AlpacaMinQty, cfg.AlpacaMaxQty, cfg.AlpacaStepSize)
		return md.NewAlpacaFeed(cfg.AlpacaAPIKey, cfg.AlpacaAPISecret), broker.NewAlpaca(broker.AlpacaConfig{
			APIKey:     cfg.AlpacaAPIKey,
			APISecret:  cfg.AlpacaAPISecret,
			BaseURL:    cfg.AlpacaBaseURL,
			Timeout:    cfg.OrderTimeout,
			Constraint: constraint,
		}), nil

	case config.BackendPaper:
		// Paper trading prices and lot rules come from Binance public endpoints.
		client := broker.NewBinanceClient("", "", cfg.Testnet)
		live := broker.NewBinance(client)
		callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		defer cancel()
		assets, err := live.Assets(callCtx, cfg.Symbol)
		if err != nil {
			return nil, nil, fmt.Errorf("paper assets: %w", err)
		}
		constraint, err := live.LotConstraint(callCtx, cfg.Symbol)
		if err != nil {
			return nil, nil, fmt.Errorf("paper lot constraint: %w", err)
		}
		return md.NewBinanceFeed(client), broker.NewPaper(broker.PaperConfig{
			Symbol:       cfg.Symbol,
			Assets:       assets,
			Constraint:   constraint,
			QuoteBalance: cfg.PaperQuoteBalance,
			BaseBalance:  cfg.PaperBaseBalance,
			Quoter:       live,
		}), nil
	}
	return nil, nil, fmt.Errorf("unsupported broker %s", cfg.Broker)
}

func newNotifier(cfg config.Config) *notify.Dispatcher {
	senders := []notify.Sender{notify.Log{}}

	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, cfg.CallTimeout)
		if err != nil {
			log.Warn().Err(err).Msg("telegram notifications disabled")
		} else {
			senders = append(senders, tg)
		}
	}
	if cfg.DiscordWebhook != "" {
		senders = append(senders, notify.NewDiscord(cfg.DiscordWebhook))
	}
	if cfg.EmailAddress != "" && cfg.EmailPassword != "" {
		to := cfg.EmailTo
		if len(to) == 0 {
			to = []string{cfg.EmailAddress}
		}
		senders = append(senders, notify.NewEmail(notify.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.EmailAddress,
			Password: cfg.EmailPassword,
			To:       to,
		}))
	}

	names := make([]string, 0, len(senders))
	for _, s := range senders {
		names = append(names, s.Name())
	}
	log.Info().Strs("senders", names).Msg("notifications configured")
	return notify.NewDispatcher(cfg.CallTimeout, senders...)
}

// openJournal also returns the SQLite journal, if any, for the run summary.
func openJournal(cfg config.Config) (journal.Recorder, *journal.SQLite, error) {
	var recorders journal.Multi
	if cfg.JournalPath != "" {
		j, err := journal.OpenNDJSON(cfg.JournalPath)
		if err != nil {
			return nil, nil, fmt.Errorf("decision journal: %w", err)
		}
		recorders = append(recorders, j)
	}
	var db *journal.SQLite
	if cfg.JournalDB != "" {
		j, err := journal.OpenSQLite(cfg.JournalDB)
		if err != nil {
			_ = recorders.Close()
			return nil, nil, fmt.Errorf("decision journal db: %w", err)
		}
		db = j
		recorders = append(recorders, j)
	}
	if len(recorders) == 0 {
		return journal.Discard{}, nil, nil
	}
	return recorders, db, nil
}
