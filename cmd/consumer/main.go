package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total messages consumed per topic",
	}, []string{"topic"})
	msgsInvalid = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received per topic",
	}, []string{"topic"})
	geoUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_geo_updates_total",
		Help: "Total successful driver location updates",
	})
	geoErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_geo_errors_total",
		Help: "Total driver location updates that failed after retries",
	})
	responsesApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_responses_applied_total",
		Help: "Driver responses applied, by action and result",
	}, []string{"action", "result"})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, geoUpdates, geoErrors, responsesApplied)
}

// driverResponse is a driver's answer to an offer, as published by the
// driver gateway onto the responses topic.
type driverResponse struct {
	RequestID string `json:"request_id"`
	DriverID  string `json:"driver_id"`
	Action    string `json:"action"` // accept or decline
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()
	locator := geo.NewRedisGeo(rc, cfg.RedisGeoKey)

	var (
		store storage.RequestStore
		ready = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN, logging.Component(logger, "store"))
		if err != nil {
			logger.Error("open postgres", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		store = ps
		ready = func(ctx context.Context) error {
			return errors.Join(rc.Ping(ctx).Err(), ps.Ping(ctx))
		}
	} else {
		store = storage.NewRedisStore(rc, logging.Component(logger, "store"))
	}
	responder := matcher.NewResponder(store, logging.Component(logger, "responses"))

	go serveOps(cfg.MetricsAddr, ready, logger)

	newReader := func(topic string) *kafka.Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.KafkaBrokers,
			Topic:    topic,
			GroupID:  cfg.KafkaGroup,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		})
	}
	locations := newReader(cfg.KafkaLocationTopic)
	responses := newReader(cfg.KafkaResponseTopic)
	defer locations.Close()
	defer responses.Close()

	logger.Info("consumer started",
		"brokers", cfg.KafkaBrokers,
		"group", cfg.KafkaGroup,
		"location_topic", cfg.KafkaLocationTopic,
		"response_topic", cfg.KafkaResponseTopic,
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		consume(ctx, locations, logging.Component(logger, "locations"), func(ctx context.Context, m kafka.Message) error {
			var d models.Driver
			if err := json.Unmarshal(m.Value, &d); err != nil || d.ID == "" {
				return errInvalidMessage
			}
			if err := updateGeoWithRetry(ctx, locator, d, cfg.RetryAttempts, cfg.RetryDelay); err != nil {
				geoErrors.Inc()
				return fmt.Errorf("update driver %s: %w", d.ID, err)
			}
			geoUpdates.Inc()
			return nil
		})
	}()
	go func() {
		defer wg.Done()
		consume(ctx, responses, logging.Component(logger, "responses"), func(ctx context.Context, m kafka.Message) error {
			var resp driverResponse
			if err := json.Unmarshal(m.Value, &resp); err != nil || resp.RequestID == "" || resp.DriverID == "" {
				return errInvalidMessage
			}
			return applyResponseWithRetry(ctx, responder, resp, cfg.RetryAttempts, cfg.RetryDelay)
		})
	}()
	wg.Wait()
	logger.Info("consumer stopped")
}

var errInvalidMessage = errors.New("invalid message")

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume reads r until ctx is done. Read errors back off exponentially;
// handler errors are logged and the message is skipped.
func consume(ctx context.Context, r messageReader, logger *slog.Logger, handle func(context.Context, kafka.Message) error) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		msgsConsumed.WithLabelValues(m.Topic).Inc()
		if err := handle(ctx, m); err != nil {
			if errors.Is(err, errInvalidMessage) {
				msgsInvalid.WithLabelValues(m.Topic).Inc()
			}
			logger.Warn("message skipped", "topic", m.Topic, "offset", m.Offset, "error", err)
		}
	}
}

// updateGeoWithRetry applies one location report. Offline drivers are removed
// from the index.
func updateGeoWithRetry(ctx context.Context, locator geo.Locator, d models.Driver, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if d.Online {
			err = locator.Upsert(ctx, d)
		} else {
			err = locator.Remove(ctx, d.ID)
		}
		if err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
	}
	return err
}

// applyResponseWithRetry hands a driver response to the responder. Store
// outcomes that cannot change on retry (late accept, unknown request) are
// final.
func applyResponseWithRetry(ctx context.Context, r dispatch.Responder, resp driverResponse, attempts int, delay time.Duration) error {
	var apply func(context.Context, string, string) error
	switch resp.Action {
	case "accept":
		apply = r.AcceptOffer
	case "decline":
		apply = r.DeclineOffer
	default:
		return fmt.Errorf("%w: unknown action %q", errInvalidMessage, resp.Action)
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = apply(ctx, resp.RequestID, resp.DriverID)
		switch {
		case err == nil:
			responsesApplied.WithLabelValues(resp.Action, "ok").Inc()
			return nil
		case errors.Is(err, storage.ErrPreconditionFailed):
			responsesApplied.WithLabelValues(resp.Action, "late").Inc()
			return nil
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInvalidTransition):
			responsesApplied.WithLabelValues(resp.Action, "rejected").Inc()
			return err
		}
		if i == attempts-1 {
			break
		}
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
	}
	responsesApplied.WithLabelValues(resp.Action, "error").Inc()
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func serveOps(addr string, ready func(context.Context) error, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ready(r.Context()); err != nil {
			http.Error(w, "backends not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}
