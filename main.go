package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Martian-dev/jobmail-sync/internal/api"
	"github.com/Martian-dev/jobmail-sync/internal/auth"
	"github.com/Martian-dev/jobmail-sync/internal/config"
	eventsqlite "github.com/Martian-dev/jobmail-sync/internal/eventstore/sqlite"
	"github.com/Martian-dev/jobmail-sync/internal/extract"
	"github.com/Martian-dev/jobmail-sync/internal/llm"
	natsjs "github.com/Martian-dev/jobmail-sync/internal/nats"
	"github.com/Martian-dev/jobmail-sync/internal/providers/gmail"
	"github.com/Martian-dev/jobmail-sync/internal/recordstore"
	"github.com/Martian-dev/jobmail-sync/internal/sheets"
	"github.com/Martian-dev/jobmail-sync/internal/sync"
	"github.com/Martian-dev/jobmail-sync/internal/tokenstore"
)

// Published outbox rows are kept this long for the history view.
const outboxRetention = 30 * 24 * time.Hour

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("exit", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	kv, err := openKV(ctx, cfg.Store)
	if err != nil {
		return err
	}
	store := tokenstore.New(kv)
	defer store.Close()

	tokens := auth.NewManager(auth.OAuthConfig{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  cfg.Google.RedirectURL,
		AuthURL:      cfg.Google.AuthURL,
		TokenURL:     cfg.Google.TokenURL,
	}, store, logger.Named("auth"))

	sessions, err := newSessionVerifier(ctx, cfg.Session)
	if err != nil {
		return err
	}

	var gmailOpts []gmail.Option
	if cfg.Google.GmailURL != "" {
		gmailOpts = append(gmailOpts, gmail.WithEndpoint(cfg.Google.GmailURL))
	}
	var provider sync.MailProvider = gmail.New(gmailOpts...)
	if cfg.Sync.MailboxRPS > 0 {
		provider = sync.RateLimited(provider, rate.NewLimiter(rate.Limit(cfg.Sync.MailboxRPS), max(cfg.Sync.MailboxBurst, 1)))
	}

	inference, err := llm.NewClient(llm.Config{
		Provider:          cfg.Inference.Provider,
		BaseURL:           cfg.Inference.BaseURL,
		AccountID:         cfg.Inference.AccountID,
		APIToken:          cfg.Inference.APIToken,
		Timeout:           cfg.Inference.Timeout,
		RequestsPerSecond: cfg.Inference.RequestsPerSecond,
		Burst:             cfg.Inference.Burst,
		BreakerFailures:   cfg.Inference.BreakerFailures,
		BreakerCooldown:   cfg.Inference.BreakerCooldown,
	}, logger.Named("llm"))
	if err != nil {
		return err
	}
	extractor := extract.New(inference, extract.Options{
		Model:         cfg.Inference.Model,
		Temperature:   cfg.Inference.Temperature,
		MaxTokens:     cfg.Inference.MaxTokens,
		MaxInputChars: cfg.Inference.MaxInputChars,
	}, logger.Named("extract"))

	records := recordstore.NewClient(cfg.Records.BaseURL, cfg.Records.APIKey, cfg.Records.Timeout)

	runner := &sync.Runner{
		Tokens:    tokens,
		State:     store,
		Provider:  provider,
		Extractor: extractor,
		Records:   records,
		Options: sync.Options{
			PageCap:          cfg.Sync.PageCap,
			PageSize:         cfg.Sync.PageSize,
			DefaultLookback:  cfg.Sync.DefaultLookback,
			JobLikeThreshold: cfg.Sync.JobLikeThreshold,
		},
		Log: logger.Named("sync"),
	}

	var history api.History
	if cfg.Events.NATSURL != "" {
		events, err := startChangeFeed(ctx, cfg.Events, logger.Named("events"))
		if err != nil {
			return err
		}
		defer events.Close()
		runner.Events = events
		history = events
	}

	manager := sync.NewManager(runner, store, cfg.Sync.MaxConcurrentUsers, logger.Named("manager")).
		WithPassTimeout(cfg.Sync.PassTimeout)
	defer manager.StopAll()
	go manager.Start(ctx, cfg.Sync.ScheduleInterval)

	if sq, ok := kv.(*tokenstore.SQLite); ok {
		go housekeep(ctx, time.Hour, logger, func(ctx context.Context) (int64, error) {
			return sq.PurgeExpired(ctx)
		})
	}

	var sheetOpts []sheets.Option
	if cfg.Google.SheetsURL != "" {
		sheetOpts = append(sheetOpts, sheets.WithEndpoint(cfg.Google.SheetsURL))
	}
	deps := api.Deps{
		Tokens:            tokens,
		Identity:          auth.NewUserInfoClient(cfg.Google.UserInfoURL),
		Sessions:          sessions,
		Syncer:            manager,
		Status:            store,
		Records:           records,
		Mirror:            sheets.New(cfg.Sheets.SpreadsheetID, cfg.Sheets.Tab, logger.Named("sheets"), sheetOpts...),
		History:           history,
		Model:             extractor.Model(),
		CronSecret:        cfg.HTTP.CronSecret,
		CORSOrigins:       cfg.HTTP.CORSOrigins,
		ConnectedRedirect: cfg.HTTP.ConnectedRedirect,
		Log:               logger.Named("api"),
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.New(deps).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	manager.StopAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openKV(ctx context.Context, c config.StoreConfig) (tokenstore.KV, error) {
	switch c.Backend {
	case "redis":
		return tokenstore.OpenRedis(ctx, tokenstore.RedisConfig{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
	default:
		return tokenstore.OpenSQLite(c.SQLitePath)
	}
}

func newSessionVerifier(ctx context.Context, c config.SessionConfig) (*auth.SessionVerifier, error) {
	if c.JWKSURL != "" {
		return auth.NewJWKSVerifier(ctx, c.JWKSURL, c.JWKSRefresh)
	}
	return auth.NewHMACVerifier(c.Secret)
}

// changeFeed owns the outbox database and the NATS connection.
type changeFeed struct {
	*eventsqlite.Store
	publisher *natsjs.Publisher
}

func (f *changeFeed) Close() error {
	f.publisher.Close()
	return f.Store.Close()
}

func startChangeFeed(ctx context.Context, c config.EventsConfig, logger *zap.Logger) (*changeFeed, error) {
	outbox, err := eventsqlite.Open(c.OutboxPath)
	if err != nil {
		return nil, err
	}
	publisher, err := natsjs.NewPublisher(c.NATSURL)
	if err != nil {
		outbox.Close()
		return nil, err
	}
	if err := publisher.EnsureStream(ctx); err != nil {
		publisher.Close()
		outbox.Close()
		return nil, err
	}

	dispatcher := &natsjs.Dispatcher{Outbox: outbox, Publisher: publisher, Log: logger}
	go dispatcher.Run(ctx)
	go housekeep(ctx, time.Hour, logger, func(ctx context.Context) (int64, error) {
		return outbox.PurgePublished(ctx, time.Now().Add(-outboxRetention))
	})

	return &changeFeed{Store: outbox, publisher: publisher}, nil
}

// housekeep runs purge every interval until ctx ends.
func housekeep(ctx context.Context, interval time.Duration, logger *zap.Logger, purge func(context.Context) (int64, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purge(ctx)
			if err != nil {
				logger.Warn("purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("purged rows", zap.Int64("rows", n))
			}
		}
	}
}
