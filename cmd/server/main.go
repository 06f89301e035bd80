package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/attestd/internal/config"
	"github.com/terminal-bench/attestd/internal/handlers"
	"github.com/terminal-bench/attestd/internal/logging"
	"github.com/terminal-bench/attestd/internal/metrics"
	"github.com/terminal-bench/attestd/internal/middleware"
	"github.com/terminal-bench/attestd/internal/models"
	"github.com/terminal-bench/attestd/internal/repository"
	"github.com/terminal-bench/attestd/internal/services/approval"
	"github.com/terminal-bench/attestd/internal/services/archive"
	"github.com/terminal-bench/attestd/internal/services/audit"
	"github.com/terminal-bench/attestd/internal/services/integrity"
	"github.com/terminal-bench/attestd/internal/services/notification"
	"github.com/terminal-bench/attestd/internal/services/operator"
	"github.com/terminal-bench/attestd/internal/services/safety"
	"github.com/terminal-bench/attestd/pkg/crypto"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	logger := logging.New(cfg)
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, cleanup, err := buildService(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize services")
	}
	defer cleanup()

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMin)
	done := make(chan struct{})
	defer close(done)
	limiter.StartCleanup(5*time.Minute, done)

	router := handlers.NewRouter(handlers.Dependencies{
		Config:    cfg,
		Service:   svc.integrity,
		Directory: operator.NewDirectory(cfg.OperatorKeys, cfg.JWTSecret, cfg.TokenTTL),
		Limiter:   limiter,
		Metrics:   svc.metrics,
		Logger:    logging.Component(logger, "http"),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", srv.Addr).Info("attestd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown")
	}
	logger.Info("server exiting")
}

type services struct {
	integrity *integrity.Service
	metrics   *metrics.Metrics
}

// buildService wires the optional backends named in cfg. The returned
// cleanup closes whatever was opened.
func buildService(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*services, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*services, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	m := metrics.New(nil)
	m.Registry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	auditOpts := []audit.Option{audit.WithLogger(logging.Component(logger, "audit"))}
	approvalOpts := []approval.Option{
		approval.WithDefaultTimeout(cfg.ApprovalTimeout),
		approval.WithLogger(logging.Component(logger, "approval")),
	}

	var (
		auditRepo    *repository.AuditRepository
		approvalRepo *repository.ApprovalRepository
	)
	if cfg.DatabaseURL != "" {
		db, err := repository.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { db.Close() })
		if err := repository.Migrate(ctx, db); err != nil {
			return fail(err)
		}
		auditRepo = repository.NewAuditRepository(db)
		approvalRepo = repository.NewApprovalRepository(db)
		auditOpts = append(auditOpts, audit.WithSink(auditRepo))
		approvalOpts = append(approvalOpts, approval.WithSink(approvalRepo))
		logger.Info("persisting audit entries and approvals to postgres")
	}

	var archiveOpts []archive.Option
	if cfg.SigningKey != "" {
		signer, err := crypto.NewSecp256k1SignerFromHex(cfg.SigningKey)
		if err != nil {
			return fail(errors.Wrap(err, "load signing key"))
		}
		auditOpts = append(auditOpts, audit.WithSigner(signer))
		archiveOpts = append(archiveOpts, archive.WithVerifier(signer))
		logger.WithField("public_key", signer.PublicKeyHex()).Info("signing audit entries")
	}
	if cfg.ApproverKey != "" {
		verifier, err := crypto.NewPublicKeyVerifier(cfg.ApproverKey)
		if err != nil {
			return fail(errors.Wrap(err, "load approver key"))
		}
		approvalOpts = append(approvalOpts, approval.WithVerifier(verifier))
	}

	opts := []integrity.Option{
		integrity.WithMetrics(m),
		integrity.WithLogger(logging.Component(logger, "integrity")),
	}

	notifier, rdb, err := notification.NewRedisService(cfg.RedisURL)
	if err != nil {
		return fail(err)
	}
	if rdb != nil {
		closers = append(closers, func() { rdb.Close() })
		opts = append(opts, integrity.WithNotifier(notifier))
	}

	if cfg.MinioEndpoint != "" {
		store, err := archive.NewMinioStore(archive.MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Secure:    cfg.MinioSecure,
		})
		if err != nil {
			return fail(err)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return fail(err)
		}

		if cfg.EncryptionKey != "" {
			enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
			if err != nil {
				return fail(errors.Wrap(err, "load encryption key"))
			}
			archiveOpts = append(archiveOpts, archive.WithEncryptor(enc))
		}
		opts = append(opts, integrity.WithArchiver(archive.NewService(store, cfg.ArchiveChunk, archiveOpts...)))
	}

	log := audit.NewLog(auditOpts...)
	registry := approval.NewRegistry(approvalOpts...)
	if auditRepo != nil {
		if err := resume(ctx, log, registry, auditRepo, approvalRepo, logger); err != nil {
			return fail(err)
		}
		opts = append(opts, integrity.WithApprovalHistory(approvalRepo))
	}

	svc := integrity.New(safety.NewValidator(cfg.Limits), log, registry, opts...)
	return &services{integrity: svc, metrics: m}, cleanup, nil
}

// resume reloads the persisted trail and the pending requests. Archive
// claims are not stored, so approved requests are left in Postgres. A
// stored trail that fails verification stops startup.
func resume(ctx context.Context, log *audit.Log, registry *approval.Registry, auditRepo *repository.AuditRepository, approvalRepo *repository.ApprovalRepository, logger *logrus.Logger) error {
	entries, err := auditRepo.List(ctx)
	if err != nil {
		return errors.Wrap(err, "load audit trail")
	}
	if err := log.Resume(entries); err != nil {
		return errors.Wrap(err, "resume audit trail")
	}

	reqs, err := approvalRepo.ListByStatus(ctx, models.ApprovalPending)
	if err != nil {
		return errors.Wrap(err, "load approvals")
	}
	loaded := registry.Resume(reqs)

	logger.WithFields(logrus.Fields{
		"audit_entries": len(entries),
		"approvals":     loaded,
	}).Info("resumed from postgres")
	return nil
}
