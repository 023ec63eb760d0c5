package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/storefront/internal/admission"
	"github.com/joao-fontenele/storefront/internal/catalog"
	"github.com/joao-fontenele/storefront/internal/checkout"
	"github.com/joao-fontenele/storefront/internal/config"
	"github.com/joao-fontenele/storefront/internal/fulfillment"
	"github.com/joao-fontenele/storefront/internal/health"
	"github.com/joao-fontenele/storefront/internal/messaging"
	"github.com/joao-fontenele/storefront/internal/orders"
	"github.com/joao-fontenele/storefront/internal/payment"
	"github.com/joao-fontenele/storefront/internal/telemetry"
	"github.com/joao-fontenele/storefront/internal/webhook"
)

const (
	serviceName    = "storefront"
	serviceVersion = "0.1.0"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, serviceName, serviceVersion, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider(serviceName, serviceVersion)
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	db, err := telemetry.OpenDB(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	processor, err := payment.NewStripeProcessor(payment.StripeConfig{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		APIURL:        cfg.StripeAPIURL,
		Currency:      cfg.Currency,
		MaxRetries:    cfg.ProcessorMaxRetries,
		HTTPClient: &http.Client{
			Timeout:   cfg.UpstreamTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	})
	if err != nil {
		logger.Error("failed to create payment processor", "error", err)
		os.Exit(1)
	}

	var gate admission.Gate = admission.NewMemoryGate()
	if cfg.AdmissionBackend == config.AdmissionPostgres {
		gate = admission.NewPostgresGate(db)
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go admission.RunSweeper(sweepCtx, gate, cfg.AdmissionSweepInterval, logger)

	var notifier fulfillment.Notifier
	switch {
	case len(cfg.KafkaBrokers) > 0:
		producer := messaging.NewProducer(cfg.KafkaBrokers, fulfillment.Topic, cfg.UpstreamTimeout)
		defer func() { _ = producer.Close() }()
		notifier = fulfillment.NewKafkaNotifier(producer)
	case cfg.FulfillmentURL != "":
		notifier = fulfillment.NewHTTPNotifier(cfg.FulfillmentURL, &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		})
	default:
		logger.Warn("fulfillment disabled, neither KAFKA_BROKERS nor FULFILLMENT_URL is set")
	}
	dispatcher := fulfillment.NewDispatcher(notifier, 10*time.Second, logger)

	productRepo := catalog.NewProductRepository(db)
	orderRepo := orders.NewOrderRepository(db)
	ledger := orders.NewEventLedger(db)

	checkoutService := checkout.NewService(productRepo, orderRepo, processor, checkout.Options{
		AppURL:          cfg.AppURL,
		DuplicateWindow: cfg.DuplicateWindow,
		UpstreamTimeout: cfg.UpstreamTimeout,
	}, logger)
	reconciler := webhook.NewReconciler(processor, orderRepo, ledger, dispatcher, cfg.UpstreamTimeout, logger)

	catalogHandler := catalog.NewHandler(productRepo, logger)
	ordersHandler := orders.NewHandler(orderRepo, logger)
	checkoutHandler := checkout.NewHandler(checkoutService, gate, checkout.Limits{
		MaxRequests:  cfg.AdmissionMaxRequests,
		Window:       cfg.AdmissionWindow,
		CheckTimeout: cfg.UpstreamTimeout,
	}, logger)
	webhookHandler := webhook.NewHandler(reconciler, logger)
	healthHandler := health.NewHandler(db, processor, cfg.UpstreamTimeout, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /products", telemetry.WithHTTPRoute(catalogHandler.HandleList))
	mux.HandleFunc("GET /products/{id}", telemetry.WithHTTPRoute(catalogHandler.HandleGet))
	mux.HandleFunc("POST /checkout", telemetry.WithHTTPRoute(checkoutHandler.HandleCreate))
	mux.HandleFunc("POST /webhooks/payment", telemetry.WithHTTPRoute(webhookHandler.HandlePayment))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(ordersHandler.HandleGet))
	mux.HandleFunc("GET /orders/session/{sessionId}", telemetry.WithHTTPRoute(ordersHandler.HandleGetBySession))
	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.HandleFunc("GET /health/payment", telemetry.WithHTTPRoute(healthHandler.HandlePayment))
	mux.Handle("GET /metrics", metricsHandler)

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: otelhttp.NewHandler(mux, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
			otelhttp.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/metrics" && r.URL.Path != "/health"
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("starting storefront service",
			"port", cfg.Port,
			"admission_backend", cfg.AdmissionBackend,
			"kafka", len(cfg.KafkaBrokers) > 0,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	stopSweeper()
	dispatcher.Wait()
}
