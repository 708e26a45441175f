package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/app"
	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch",
		Name:      "consumer_messages_consumed_total",
		Help:      "Total driver location messages consumed",
	})
	msgsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch",
		Name:      "consumer_messages_invalid_total",
		Help:      "Total invalid messages received",
	})
	pingsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch",
		Name:      "consumer_pings_applied_total",
		Help:      "Location pings written to presence",
	})
	pingErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch",
		Name:      "consumer_ping_errors_total",
		Help:      "Location pings that could not be applied",
	})
)

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel, "location-consumer")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := a.Ready(r.Context()); err != nil {
				http.Error(w, "backends not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	consumer := ingest.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, logger)
	defer consumer.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	handle := func(ctx context.Context, p models.LocationPing) error {
		msgsConsumed.Inc()
		if err := applyWithRetry(ctx, a.Rides, p, 3, 200*time.Millisecond); err != nil {
			pingErrors.Inc()
			return err
		}
		pingsApplied.Inc()
		return nil
	}
	onInvalid := func(err error) {
		msgsInvalid.Inc()
		logger.Warn("invalid message", "error", err)
	}
	if err := consumer.Run(ctx, handle, onInvalid); err != nil {
		logger.Error("consumer stopped", "error", err)
	}
	logger.Info("shutting down consumer")
}

// LocationApplier is the part of the rides service the consumer drives.
type LocationApplier interface {
	UpdateDriverLocation(ctx context.Context, driverID string, lat, lng float64) error
}

// applyWithRetry retries transient failures with doubling delay. Validation
// errors are permanent and returned at once.
func applyWithRetry(ctx context.Context, svc LocationApplier, p models.LocationPing, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = svc.UpdateDriverLocation(ctx, p.DriverID, p.Lat, p.Lng)
		if err == nil || apperr.Is(err, apperr.KindValidation) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		}
		delay *= 2
	}
	return err
}
