package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"callbridge-server/pkg/config"
	"callbridge-server/pkg/database"
	"callbridge-server/pkg/gateway"
	httpserver "callbridge-server/pkg/http"
	"callbridge-server/pkg/messaging"
	"callbridge-server/pkg/metrics"
	"callbridge-server/pkg/rag"
	"callbridge-server/pkg/ratelimit"
	"callbridge-server/pkg/realtime"
	"callbridge-server/pkg/recording"
	"callbridge-server/pkg/registry"
	"callbridge-server/pkg/storage"
	"callbridge-server/pkg/telephony"
	"callbridge-server/pkg/webhook"
)

var logger = logrus.New()

// noopScheduler stands in for the report publisher when AMQP is
// disabled; webhook enrichment still completes every call record.
type noopScheduler struct{}

func (noopScheduler) ScheduleReport(callSID, transcript string) {}

func main() {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.ApplyLogging(logger); err != nil {
		logger.WithError(err).Fatal("Failed to configure logging")
	}

	metrics.StartMetrics(logger, cfg.HTTP.EnableMetrics)

	location, err := time.LoadLocation(cfg.Storage.TimeZone)
	if err != nil {
		logger.WithError(err).Fatal("Invalid storage time zone")
	}

	// Persistence.
	var store *database.CallStore
	var db *database.MySQLDatabase
	if cfg.Database.Enabled {
		db, err = database.NewMySQLDatabase(database.MySQLConfig{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			Database:        cfg.Database.Database,
			Username:        cfg.Database.Username,
			Password:        cfg.Database.Password,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}
		defer db.Close()

		if err := db.Migrate(); err != nil {
			logger.WithError(err).Fatal("Failed to run database migrations")
		}
		store = database.NewCallStore(db, logger)
	} else {
		logger.Fatal("DB_ENABLED=false is not supported; call records require a database")
	}

	// Recording storage, optional.
	var blob *storage.BlobStore
	var resolver *recording.Resolver
	if cfg.Storage.Enabled {
		blob, err = storage.NewBlobStore(rootCtx, storage.Config{
			Endpoint:        cfg.Storage.Endpoint,
			Region:          cfg.Storage.Region,
			Bucket:          cfg.Storage.Bucket,
			FallbackBuckets: cfg.Storage.FallbackBuckets,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			PresignTTL:      cfg.Storage.PresignTTL,
			UsePathStyle:    cfg.Storage.Endpoint != "",
		}, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize recording storage")
		}
		resolver = recording.NewResolver(blob, location, logger)
	} else {
		logger.Info("Recording storage disabled; audio webhooks keep vendor URLs only")
	}

	// Report pipeline, optional.
	var publisher *messaging.ReportPublisher
	var scheduler gateway.ReportScheduler = noopScheduler{}
	if cfg.Messaging.Enabled {
		publisher = messaging.NewReportPublisher(logger, messaging.Config{
			URL:        cfg.Messaging.URL,
			QueueName:  cfg.Messaging.QueueName,
			Exchange:   cfg.Messaging.Exchange,
			RoutingKey: cfg.Messaging.RoutingKey,
		})
		if err := publisher.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP unavailable at startup; publisher will retry on demand")
		}
		defer publisher.Disconnect()
		scheduler = publisher
	}

	// Session collaborators.
	control := telephony.NewClient(telephony.Config{
		BaseURL:    cfg.Telephony.BaseURL,
		AccountSID: cfg.Telephony.AccountSID,
		AuthToken:  cfg.Telephony.AuthToken,
		Timeout:    cfg.Telephony.Timeout,
	}, logger)
	if control == nil {
		logger.Warn("Telephony credentials not set; transfer and outbound dialing disabled")
	}

	retrieval := rag.NewClient(rag.Config{
		BaseURL: cfg.Retrieval.BaseURL,
		APIKey:  cfg.Retrieval.APIKey,
		Timeout: cfg.Retrieval.Timeout,
	}, logger)

	reg := registry.NewCallRegistry(logger)

	factory := gateway.NewRealtimeSessionFactory(
		realtime.BridgeConfig{
			URL:         cfg.Realtime.URL,
			APIKey:      cfg.Realtime.APIKey,
			Model:       cfg.Realtime.Model,
			DialTimeout: cfg.Realtime.DialTimeout,
		},
		realtime.SessionConfig{
			Instructions:     cfg.Realtime.Instructions,
			Greeting:         cfg.Realtime.Greeting,
			Voice:            cfg.Realtime.Voice,
			VADThreshold:     cfg.Realtime.VADThreshold,
			VADSilenceMs:     cfg.Realtime.VADSilenceMs,
			VADPrefixMs:      cfg.Realtime.VADPrefixMs,
			EndCallEnabled:   cfg.Realtime.EndCallEnabled,
			EscalationNumber: cfg.Realtime.EscalationNumber,
		},
		control, retrieval, logger)

	streamGateway := gateway.NewGateway(reg, factory, scheduler, logger)

	// Webhook reconciliation.
	var uploader webhook.RecordingUploader
	if blob != nil {
		uploader = blob
	}
	reconciler := webhook.NewReconciler(store, uploader, webhook.ReconcilerConfig{
		ServiceNumber: cfg.Telephony.PhoneNumber,
		VendorAPIKey:  cfg.Webhook.VendorAPIKey,
		ReplayWindow:  cfg.Webhook.ReplayWindow,
		Location:      location,
	}, logger)
	webhookHandler := webhook.NewHandler(reconciler, webhook.HandlerConfig{
		Secret:          cfg.Webhook.Secret,
		SignatureHeader: cfg.Webhook.SignatureHeader,
		ReplayWindow:    cfg.Webhook.ReplayWindow,
	}, logger)

	// Call API.
	var dialer httpserver.Dialer
	if control != nil {
		dialer = control
	}
	var recordingResolver httpserver.RecordingResolver
	if resolver != nil {
		recordingResolver = resolver
	}
	streamURL := ""
	if cfg.HTTP.PublicBaseURL != "" {
		streamURL = cfg.HTTP.PublicBaseURL + "/voice/answer"
	}
	callAPI := httpserver.NewCallAPI(store, dialer, recordingResolver,
		cfg.Telephony.PhoneNumber, streamURL, logger)

	// HTTP surface.
	server := httpserver.NewServer(logger, &httpserver.Config{
		Port:          cfg.HTTP.Port,
		ReadTimeout:   cfg.HTTP.ReadTimeout,
		WriteTimeout:  cfg.HTTP.WriteTimeout,
		EnableMetrics: cfg.HTTP.EnableMetrics,
	})
	server.SetDatabase(db)
	if publisher != nil {
		server.SetPublisher(publisher)
	}
	server.SetSessionCounter(reg)

	if cfg.RateLimit.Enabled {
		server.SetRateLimitMiddleware(ratelimit.NewHTTPMiddleware(&ratelimit.Config{
			Enabled: true,
			Window:  cfg.RateLimit.Window,
			Limit:   cfg.RateLimit.Limit,
		}, logger))
	}

	server.RegisterHandler("/media-stream", http.HandlerFunc(streamGateway.HandleStream))
	server.RegisterProtectedHandler("/webhooks/voice", webhookHandler)
	server.RegisterProtectedHandler("/api/calls/dial", http.HandlerFunc(callAPI.DialHandler))
	server.RegisterHandler("GET /api/calls/{call_sid}/recording", http.HandlerFunc(callAPI.RecordingHandler))

	server.Start()

	// Retention sweep.
	if blob != nil && cfg.Storage.RetentionDays > 0 {
		go runRetentionSweep(rootCtx, blob, cfg.Storage.RetentionDays)
	}

	logger.WithFields(logrus.Fields{
		"port":    cfg.HTTP.Port,
		"storage": cfg.Storage.Enabled,
		"amqp":    cfg.Messaging.Enabled,
	}).Info("Call bridge server started")

	// Wait for shutdown signal.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Shutting down")

	rootCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}

	logger.Info("Shutdown complete")
}

// runRetentionSweep deletes recordings older than the retention window
// once a day.
func runRetentionSweep(ctx context.Context, blob *storage.BlobStore, retentionDays int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	sweep := func() {
		cutoff := time.Now().AddDate(0, 0, -retentionDays)
		sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()

		deleted, err := blob.DeleteOlderThan(sweepCtx, "recordings/", cutoff)
		if err != nil {
			logger.WithError(err).Warn("Retention sweep failed")
			return
		}
		logger.WithFields(logrus.Fields{
			"deleted":        deleted,
			"retention_days": retentionDays,
		}).Info("Retention sweep finished")
	}

	sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
