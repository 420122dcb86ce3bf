// Package worker wires the core components into a runnable process:
// config, logging, rate limiting, a chosen persistence adapter, the Redis
// transport, the scheduler, and the control plane's inbound/outbound loops.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linkedin-agent/feedworker/internal/config"
	"github.com/linkedin-agent/feedworker/internal/controlplane"
	"github.com/linkedin-agent/feedworker/internal/models"
	"github.com/linkedin-agent/feedworker/internal/pubsub"
	pubsubredis "github.com/linkedin-agent/feedworker/internal/pubsub/redis"
	"github.com/linkedin-agent/feedworker/internal/scheduler"
	"github.com/linkedin-agent/feedworker/internal/storage"
	"github.com/linkedin-agent/feedworker/internal/storage/postgres"
	"github.com/linkedin-agent/feedworker/internal/storage/sqlite"
	"github.com/linkedin-agent/feedworker/pkg/logger"
	"github.com/linkedin-agent/feedworker/pkg/ratelimit"
)

// Worker owns every long-lived resource the process holds: the store
// connection, the pub/sub client, the scheduler, and the background loops
// that bridge the control plane's typed events onto the outbound transport.
type Worker struct {
	cfg   *config.Config
	log   *logger.Logger
	repo  storage.Repository
	bus   *pubsubredis.Adapter
	plane *controlplane.Plane
	sched *scheduler.Scheduler
	cron  *cron.Cron
}

// New constructs a Worker and every adapter it depends on, but starts
// nothing yet.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Worker, error) {
	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	if err := repo.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate repository: %w", err)
	}

	bus := pubsubredis.New(cfg.PubSub.Addr, cfg.PubSub.Password, cfg.PubSub.DB, log)
	if err := bus.Ping(ctx); err != nil {
		return nil, &models.TypedError{Type: models.ErrorTypeRedis, Err: fmt.Errorf("connect to redis: %w", err)}
	}

	plane := controlplane.New(256, log)
	limiter := ratelimit.NewHostLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	sched := scheduler.New(repo, plane, limiter, log)

	var cronRunner *cron.Cron
	if cfg.Scheduler.ReloadCron != "" {
		cronRunner = cron.New(cron.WithLogger(cronAdapter{log}))
	}

	return &Worker{cfg: cfg, log: log, repo: repo, bus: bus, plane: plane, sched: sched, cron: cronRunner}, nil
}

func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return postgres.Open(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	default:
		return sqlite.New(cfg.Database.DSN)
	}
}

// Run starts every background loop and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	started := w.sched.Init(ctx)
	w.log.Info().Int("feeds_started", started).Msg("scheduler initialized")

	if w.cron != nil {
		if _, err := w.cron.AddFunc(w.cfg.Scheduler.ReloadCron, func() {
			w.log.Info().Msg("running scheduled feed reload")
			w.sched.ReloadFeeds(context.Background())
		}); err != nil {
			return fmt.Errorf("schedule reload cron: %w", err)
		}
		w.cron.Start()
	}

	go w.subscribeCommands(ctx)
	go w.publishItems(ctx)
	go w.publishErrors(ctx)
	go w.serveHealth(ctx)

	<-ctx.Done()
	w.shutdown()
	return nil
}

func (w *Worker) shutdown() {
	w.log.Info().Msg("shutting down worker")
	if w.cron != nil {
		w.cron.Stop()
	}
	w.sched.Destroy()
	_ = w.bus.Publish(context.Background(), pubsub.ChannelStatus, []byte(`{"status":"shutdown"}`))
	_ = w.bus.Close()
	_ = w.repo.Close()
}

func (w *Worker) subscribeCommands(ctx context.Context) {
	err := w.bus.Subscribe(ctx, pubsub.ChannelCommands, func(channel, payload string) {
		cmd, err := controlplane.DecodeCommand(payload)
		if err != nil {
			w.log.Warn().Err(err).Str("payload", payload).Msg("dropping malformed or unknown command")
			return
		}
		w.applyCommand(ctx, cmd)
	})
	if err != nil && ctx.Err() == nil {
		w.log.Error().Err(err).Msg("command subscription ended unexpectedly")
	}
}

func (w *Worker) applyCommand(ctx context.Context, cmd controlplane.Command) {
	switch cmd.Kind {
	case controlplane.CommandAdd:
		w.sched.Add(ctx, feedConfigFrom(cmd))
	case controlplane.CommandRemove:
		w.sched.Remove(ctx, cmd.URL)
	case controlplane.CommandReplace:
		w.sched.Replace(ctx, feedConfigFrom(cmd))
	}
}

func (w *Worker) publishItems(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-w.plane.Items():
			payload := itemEnvelope(evt)
			channel := pubsub.ItemChannel(evt.Item.Category)
			if err := w.bus.Publish(ctx, channel, payload); err != nil {
				w.emitItemSaveError(evt, err)
			}
		}
	}
}

// emitItemSaveError routes an outbound-publish failure through the same
// error taxonomy every other core-component failure uses, rather than only
// logging it: item_save_error covers exactly this failure during the
// new-item emit step.
func (w *Worker) emitItemSaveError(evt controlplane.ItemEvent, err error) {
	feedID := evt.Item.Website
	message := fmt.Sprintf("publish item %s: %v", evt.Item.URL, err)
	w.log.Warn().Err(err).Str("url", evt.Item.URL).Msg("failed to publish item")
	w.plane.PublishError(controlplane.ErrorEvent{
		Type: models.ErrorTypeItemSave, Message: message, FeedID: &feedID,
	})
	w.repo.LogError(context.Background(), models.ErrorRecord{
		Type: models.ErrorTypeItemSave, FeedID: &feedID, Message: message,
	})
}

func (w *Worker) publishErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-w.plane.Errors():
			if err := w.bus.Publish(ctx, pubsub.ChannelErrors, errorEnvelope(evt)); err != nil {
				w.log.Warn().Err(err).Msg("failed to publish error event")
			}
		}
	}
}

func (w *Worker) serveHealth(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("OK"))
	})

	srv := &http.Server{Addr: w.cfg.HTTP.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	w.log.Info().Str("addr", w.cfg.HTTP.Addr).Msg("health endpoint listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		w.log.Error().Err(err).Msg("health server failed")
	}
}

// cronAdapter adapts *logger.Logger to cron.Logger.
type cronAdapter struct{ log *logger.Logger }

func (c cronAdapter) Info(msg string, keysAndValues ...interface{}) {
	c.log.Info().Msgf(msg, keysAndValues...)
}

func (c cronAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error().Err(err).Msgf(msg, keysAndValues...)
}
