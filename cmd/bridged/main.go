// Command bridged is the bridge daemon: it owns the browser session, the
// delivery queue and the local control plane.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/starbridge/internal/auth"
	"github.com/austindbirch/starbridge/internal/browser"
	"github.com/austindbirch/starbridge/internal/clipboard"
	"github.com/austindbirch/starbridge/internal/config"
	"github.com/austindbirch/starbridge/internal/content"
	"github.com/austindbirch/starbridge/internal/control"
	"github.com/austindbirch/starbridge/internal/db"
	"github.com/austindbirch/starbridge/internal/delivery"
	"github.com/austindbirch/starbridge/internal/dispatch"
	"github.com/austindbirch/starbridge/internal/health"
	"github.com/austindbirch/starbridge/internal/intake"
	"github.com/austindbirch/starbridge/internal/journal"
	"github.com/austindbirch/starbridge/internal/logging"
	"github.com/austindbirch/starbridge/internal/metrics"
	"github.com/austindbirch/starbridge/internal/poll"
	"github.com/austindbirch/starbridge/internal/queue"
	"github.com/austindbirch/starbridge/internal/rpc"
	"github.com/austindbirch/starbridge/internal/session"
	"github.com/austindbirch/starbridge/internal/simulate"
	"github.com/austindbirch/starbridge/internal/tracing"
)

const inboxOrigin = "inbox"

func main() {
	cfg := config.FromEnv()
	logging.Configure(os.Stdout, cfg.LogLevel, cfg.LogPretty)
	logging.SetDefaultService(cfg.AppName)
	defer func() { _ = logging.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.New("bridged")

	shutdownTracing, err := tracing.InitTracing(ctx, cfg.AppName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// Browser
	sess, err := browser.Launch(ctx, browser.Options{
		RemoteURL:  cfg.Browser.RemoteURL,
		ProfileDir: cfg.Browser.ProfileDir,
		Headless:   cfg.Browser.Headless,
		UserAgent:  cfg.Target.UserAgent,
		TargetURL:  cfg.Target.BaseURL,
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("browser launch failed")
	}
	defer sess.Close()

	openCtx, cancelOpen := context.WithTimeout(ctx, 30*time.Second)
	if err := sess.Open(openCtx); err != nil {
		// Not fatal: the user may still need to sign in.
		logger.Plain().WithError(err).Warn("target application not reachable yet")
	}
	cancelOpen()

	strategies, err := buildStrategies(cfg, sess)
	if err != nil {
		logger.Plain().WithError(err).Fatal("strategy setup failed")
	}

	q := queue.New(queue.WithOnChange(metrics.SetQueuePending))
	feed := dispatch.NewFeed(cfg.Dispatch.NoticeBuffer)
	opts := []dispatch.Option{dispatch.WithNotifier(feed)}

	checks := map[string]health.Pinger{"browser": sess}

	// Journal
	var history control.History
	if cfg.DB.Enabled {
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			logger.Plain().WithError(err).Fatal("db connect failed")
		}
		defer pool.Close()

		store := journal.New(pool)
		if err := store.Migrate(ctx); err != nil {
			logger.Plain().WithError(err).Fatal("journal migration failed")
		}
		opts = append(opts, dispatch.WithJournal(store))
		history = store
		checks["db"] = store
	}

	// NSQ intake and dead letters
	if cfg.NSQ.Enabled {
		pub, err := intake.NewPublisher(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.SourcesTopic, cfg.NSQ.DLQTopic)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer pub.Stop()
		checks["nsq"] = pub
		if cfg.NSQ.PublishDLQ {
			opts = append(opts, dispatch.WithDeadLetters(pub))
		}

		consumer, err := intake.NewConsumer(cfg.NSQ.SourcesTopic, cfg.NSQ.Channel,
			cfg.NSQ.NsqdTCPAddr, cfg.NSQ.LookupHTTPAddr, intake.NewHandler(q))
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
		}
		if err := consumer.Start(); err != nil {
			logger.Plain().WithError(err).Fatal("nsq consumer connect failed")
		}
		defer consumer.Stop()

		backlog := intake.NewBacklogMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.SourcesTopic, cfg.NSQ.Channel)
		go backlog.Run(ctx, cfg.NSQ.StatsInterval)
	}

	locator := session.NewLocator(sess, cfg.Target.BaseURL)
	d := dispatch.New(q, locator, strategies, clipboard.New(), opts...)

	// Vault
	var producer content.Producer
	noteOpts := content.Options{
		IncludeFrontmatter: cfg.Vault.IncludeFrontmatter,
		IncludeMetadata:    cfg.Vault.IncludeMetadata,
	}
	if cfg.Vault.Dir != "" {
		producer = content.NewVault(cfg.Vault.Dir, noteOpts)
	}
	if cfg.Vault.InboxDir != "" {
		w := content.NewWatcher(cfg.Vault.InboxDir, noteOpts, func(rec content.Record) {
			id, err := q.Enqueue(rec)
			if err != nil {
				logger.Plain().WithError(err).WithField("path", rec.Path).Warn("inbox note rejected")
				return
			}
			metrics.RecordEnqueued(inboxOrigin)
			logger.Plain().WithEntry(id).WithField("title", rec.Title).Info("inbox note enqueued")
		})
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Plain().WithError(err).Error("inbox watcher stopped")
			}
		}()
	}

	go d.RunAuto(ctx, cfg.Dispatch.AutoInterval)

	// Control plane
	var validator *auth.JWTValidator
	if cfg.Control.TokenSecret != "" {
		validator, err = auth.NewJWTValidator(cfg.Control.TokenSecret, cfg.Control.Issuer, cfg.Control.Audience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("token validator setup failed")
		}
	} else {
		logger.Plain().Warn("CONTROL_TOKEN_SECRET unset, control plane is unauthenticated")
	}

	ctl, err := control.New(control.Deps{
		Queue:      q,
		Dispatcher: d,
		Sessions:   locator,
		Producer:   producer,
		Dumper:     sess,
		Notices:    feed,
		History:    history,
	}, control.Options{
		DumpPath:    cfg.Control.DumpPath,
		CORSOrigins: cfg.Control.CORSOrigins,
		Validator:   validator,
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("control plane setup failed")
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HTTPHandler(checks))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", ctl.Handler())

	httpSrv := &http.Server{Addr: cfg.Control.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("control plane listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("control plane failed")
		}
	}()

	<-ctx.Done()
	logger.Plain().Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	// Wait for an in-progress delivery so the page is not left mid-dialog.
	d.Lock()
	d.Unlock()
}

// buildStrategies returns the rpc and ui strategies, preferred first.
func buildStrategies(cfg config.Config, sess *browser.Session) ([]delivery.Strategy, error) {
	var caller rpc.Caller
	if cfg.Browser.InPageRPC {
		caller = browser.NewPageCaller(sess)
	} else {
		caller = rpc.NewHTTPCaller(cfg.Target.BaseURL, cfg.Target.UserAgent, sess)
	}
	rpcStrategy := rpc.NewStrategy(caller, cfg.RPCURL(), cfg.Target.RPCID, poll.Policy{
		Interval: cfg.Dispatch.PollInterval,
		Attempts: cfg.Dispatch.PollAttempts,
	})

	table, err := simulate.LoadTable(cfg.Dispatch.UITable)
	if err != nil {
		return nil, err
	}
	uiStrategy := simulate.NewStrategy(browser.NewDriver(sess), table, cfg.Dispatch.StepSettle, poll.Policy{
		Interval: cfg.Dispatch.LookupInterval,
		Attempts: cfg.Dispatch.LookupAttempts,
	})

	return delivery.Order(cfg.Dispatch.Preferred, rpcStrategy, uiStrategy), nil
}
