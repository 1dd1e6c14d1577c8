// Command server runs the WeChat relay: it terminates WeChat callback
// traffic, generates replies through an Ark chat model, and delivers them
// either inline in the callback response or asynchronously through the
// customer-service push API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wrelay/wechat-relay/internal/config"
	httpapi "github.com/wrelay/wechat-relay/internal/http"
	"github.com/wrelay/wechat-relay/internal/llm"
	"github.com/wrelay/wechat-relay/internal/observability"
	"github.com/wrelay/wechat-relay/internal/repo"
	"github.com/wrelay/wechat-relay/internal/services"
	"github.com/wrelay/wechat-relay/internal/sysutil"
	"github.com/wrelay/wechat-relay/internal/taskq"
	"github.com/wrelay/wechat-relay/internal/wechat"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// .env is a developer convenience; production uses real env vars.
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file, using process environment")
	}

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if err := repo.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL,
		sysutil.FirstNonEmpty(os.Getenv("SERVICE_VERSION"), version))
	if err != nil {
		log.Fatal().Err(err).Msg("setup tracing")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	if !cfg.Ark.Enabled() {
		log.Fatal().Msg("ARK_API_KEY and ARK_MODEL are required")
	}
	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL: cfg.Ark.BaseURL,
		APIKey:  cfg.Ark.APIKey,
		Model:   cfg.Ark.Model,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init chat model")
	}
	completer, err := llm.New(chatModel, cfg.Ark.SystemPrompt)
	if err != nil {
		log.Fatal().Err(err).Msg("init completer")
	}

	// The WeChat API client is only needed for push delivery and moderation;
	// inline mode with moderation off runs without platform credentials.
	var (
		deliverer services.Deliverer
		moderator services.Moderator
	)
	if cfg.Mode == config.ModePush || cfg.ModerationEnabled {
		wc := wechat.NewClient(cfg.WeChat.AppID, cfg.WeChat.AppSecret, cfg.WeChat.APIBase)
		if cfg.Mode == config.ModePush {
			deliverer = wechat.PushDeliverer{C: wc}
		}
		if cfg.ModerationEnabled {
			moderator = wechat.ContentModerator{C: wc}
		}
	}

	pool := taskq.NewPool(cfg.Workers, cfg.QueueDepth)
	defer pool.Close()

	orch := services.NewOrchestrator(db, httpapi.NewMessageStore(), completer, moderator, deliverer, pool)
	orch.ReplyWait = cfg.ReplyWait

	r := gin.New()
	httpapi.RegisterRoutes(r, db, orch, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	log.Info().
		Str("addr", srv.Addr).
		Str("mode", cfg.Mode).
		Bool("moderation", cfg.ModerationEnabled).
		Str("version", version).
		Msg("relay listening")

	if err := runServer(ctx, srv); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("relay stopped")
}

// runServer serves until the context is cancelled, then drains connections
// within a bounded shutdown window.
func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
