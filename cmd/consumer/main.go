// The consumer process drains the dispatch event streams: driver location
// updates are folded into the Redis registry, and completed rides trigger a
// payment hold through the gateway.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/registry"
)

var (
	msgsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total messages consumed, by topic",
	}, []string{"topic"})
	msgsInvalid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received, by topic",
	}, []string{"topic"})
	registryUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_registry_updates_total",
		Help: "Total successful registry updates",
	})
	registryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_registry_errors_total",
		Help: "Total registry update errors",
	})
	paymentHolds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_payment_holds_total",
		Help: "Total payment holds placed",
	})
	paymentErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_payment_errors_total",
		Help: "Total payment hold failures",
	})
)

func main() {
	_ = godotenv.Load()

	// allow some flags for local runs
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger(os.Getenv("LOG_LEVEL"))

	brokers := splitBrokers(os.Getenv("KAFKA_BROKERS"))
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "ride-dispatch-consumer"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	geoKey := os.Getenv("REDIS_GEO_KEY")
	if geoKey == "" {
		geoKey = "drivers_geo"
	}
	reg := registry.NewRedisRegistry(redisAddr, os.Getenv("REDIS_PASSWORD"), geoKey)
	defer reg.Close()

	collector := payments.NewStripeClient()

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := reg.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		consumeLocations(ctx, brokers, group, reg, logger)
	}()
	go func() {
		defer wg.Done()
		consumePayments(ctx, brokers, group, collector, logger)
	}()
	wg.Wait()
}

// consumeLocations folds driver_location_updated events into the registry
// with retry and exponential backoff per message.
func consumeLocations(ctx context.Context, brokers []string, group string, reg registry.Registry, logger *slog.Logger) {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: notify.TopicDriverLocationUpdated, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()
	logger.Info("location consumer listening", "topic", notify.TopicDriverLocationUpdated, "brokers", brokers, "group", group)

	readLoop(ctx, r, logger, func(m kafka.Message) {
		msgsConsumed.WithLabelValues(notify.TopicDriverLocationUpdated).Inc()
		var upd notify.LocationUpdate
		if err := json.Unmarshal(m.Value, &upd); err != nil {
			msgsInvalid.WithLabelValues(notify.TopicDriverLocationUpdated).Inc()
			logger.Error("invalid location message", "error", err)
			return
		}
		entry := models.DriverEntry{
			DriverID:     upd.DriverID,
			Loc:          upd.Loc,
			Available:    upd.Available,
			VehicleClass: upd.VehicleClass,
		}
		if err := upsertWithRetry(ctx, reg, entry, 3, 200*time.Millisecond); err != nil {
			registryErrors.Inc()
			logger.Error("registry update failed", "driver_id", upd.DriverID, "error", err)
			return
		}
		registryUpdates.Inc()
	})
}

// consumePayments places a manual-capture hold for each completed ride.
func consumePayments(ctx context.Context, brokers []string, group string, collector payments.Collector, logger *slog.Logger) {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: notify.TopicRideCompletedForPayment, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()
	logger.Info("payment consumer listening", "topic", notify.TopicRideCompletedForPayment, "brokers", brokers, "group", group)

	readLoop(ctx, r, logger, func(m kafka.Message) {
		msgsConsumed.WithLabelValues(notify.TopicRideCompletedForPayment).Inc()
		var due notify.PaymentDue
		if err := json.Unmarshal(m.Value, &due); err != nil {
			msgsInvalid.WithLabelValues(notify.TopicRideCompletedForPayment).Inc()
			logger.Error("invalid payment message", "error", err)
			return
		}
		id, err := collector.Hold(ctx, payments.MinorUnits(due.Amount), strings.ToLower(due.Currency), due.CustomerID)
		if err != nil {
			paymentErrors.Inc()
			logger.Error("payment hold failed", "ride_id", due.RideID, "error", err)
			return
		}
		paymentHolds.Inc()
		logger.Info("payment hold placed", "ride_id", due.RideID, "payment_intent", id)
	})
}

// readLoop reads until ctx is done, backing off on broker errors.
func readLoop(ctx context.Context, r *kafka.Reader, logger *slog.Logger, handle func(kafka.Message)) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("consumer shutting down", "topic", r.Config().Topic)
				return
			}
			logger.Error("kafka read error", "error", err, "backoff", backoff.String())
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		handle(m)
	}
}

// upsertWithRetry updates the registry with retry/backoff.
func upsertWithRetry(ctx context.Context, reg registry.Registry, d models.DriverEntry, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = reg.Upsert(ctx, d); err == nil {
			return nil
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return err
}

func splitBrokers(v string) []string {
	out := []string{}
	for _, b := range strings.Split(v, ",") {
		if s := strings.TrimSpace(b); s != "" {
			out = append(out, s)
		}
	}
	return out
}
