package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"librarydesk/config"
	"librarydesk/internal/audit"
	"librarydesk/internal/catalog"
	"librarydesk/internal/circulation"
	"librarydesk/internal/membership"
	"librarydesk/internal/notification"
	"librarydesk/internal/platform/database"
	"librarydesk/internal/platform/httpx"
	"librarydesk/internal/platform/telemetry"
	"librarydesk/internal/report"
	"librarydesk/internal/scheduler"
	"librarydesk/pkg/eventstore"
	"librarydesk/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, &cfg.Telemetry, log)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	db, err := database.Open(&cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := database.RunMigrations(db.DB, log); err != nil {
			return err
		}
	}

	queue, err := newQueue(cfg, log)
	if err != nil {
		return err
	}
	mailer, err := newMailer(cfg, log)
	if err != nil {
		return err
	}

	app, err := newApp(cfg, db, queue, mailer, log)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           app.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.dispatcher.Run(workerCtx, app.circ)
	}()
	app.scheduler.Start()

	serverErr := make(chan error, 1)
	go func() {
		log.Info("librarydesk listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			cancelWorkers()
			wg.Wait()
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}
	app.scheduler.Stop(shutdownCtx)
	cancelWorkers()
	queue.Close()
	wg.Wait()
	return nil
}

// app is the wired server: the HTTP router plus its background workers.
type app struct {
	router     http.Handler
	circ       circulation.Service
	dispatcher *notification.Dispatcher
	scheduler  *scheduler.Scheduler
}

func newApp(cfg *config.Config, db *sqlx.DB, queue notification.Queue, mailer notification.Mailer, log *zap.Logger) (*app, error) {
	loc, _ := cfg.Loan.Location()
	dailyFine, _ := cfg.Loan.DailyFineAmount()

	es := eventstore.NewEventStore(db.DB)
	catalogSvc := catalog.NewService(es, db, log)
	membershipSvc := membership.NewService(es, db, log)

	composer := notification.Composer{Currency: cfg.Loan.Currency, Location: loc, Now: time.Now}
	dispatcher := notification.NewDispatcher(queue, mailer, composer, notification.Options{
		Workers:        cfg.Notification.Workers,
		MaxAttempts:    cfg.Notification.MaxAttempts,
		RetryDelay:     cfg.Notification.RetryDelay,
		SendsPerMinute: cfg.Notification.SendsPerMinute,
	}, log)

	circulationSvc := circulation.NewService(
		circulation.NewPostgresLedger(db, es),
		membershipSvc,
		catalogSvc,
		dispatcher,
		circulation.Policy{
			LoanPeriod: cfg.Loan.Period,
			Fine: circulation.FinePolicy{
				DailyRate:         dailyFine,
				ResetOnTimeReturn: cfg.Loan.ResetFineOnTimeReturn,
			},
			Currency: cfg.Loan.Currency,
			Location: loc,
		},
		log,
	)
	reportSvc := report.NewService(db, circulationSvc, loc, log)
	auditor := audit.NewAuditor(db, log)
	reminders := notification.NewReminders(circulationSvc, dispatcher, loc, log)

	sched := scheduler.New(loc, log)
	jobs := []struct {
		name string
		spec string
		task scheduler.Task
	}{
		{"overdue_sweep", cfg.Schedule.OverdueSweep, circulationSvc.SweepOverdue},
		{"due_reminders", cfg.Schedule.DueReminders, reminders.SendDueReminders},
		{"overdue_notices", cfg.Schedule.OverdueNotices, reminders.SendOverdueNotices},
		{"integrity_audit", cfg.Schedule.IntegrityAudit, func(ctx context.Context) (int, error) {
			r := auditor.Run(ctx)
			if !r.Healthy {
				return len(r.Violations), errors.New("ledger integrity violated")
			}
			return len(r.Violations), nil
		}},
	}
	for _, j := range jobs {
		if err := sched.Add(j.name, j.spec, j.task); err != nil {
			return nil, err
		}
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(httpx.RequestLogger(log))
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})

	scanLimiter := rate.NewLimiter(rate.Limit(cfg.Server.ScanRatePerSecond), cfg.Server.ScanBurst)
	circulation.NewHandler(circulationSvc).Routes(router, httpx.RateLimit(scanLimiter))
	catalog.NewHandler(catalogSvc).Routes(router)
	membership.NewHandler(membershipSvc).Routes(router)
	report.NewHandler(reportSvc).Routes(router)
	audit.NewHandler(auditor).Routes(router)
	scheduler.NewHandler(sched).Routes(router)

	return &app{
		router:     router,
		circ:       circulationSvc,
		dispatcher: dispatcher,
		scheduler:  sched,
	}, nil
}

func newQueue(cfg *config.Config, log *zap.Logger) (notification.Queue, error) {
	if cfg.Notification.Queue == "redis" {
		rdb, err := notification.DialRedis(&cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		return notification.NewRedisQueue(rdb, cfg.Notification.QueueKey), nil
	}
	return notification.NewMemoryQueue(cfg.Notification.MemoryQueueSize), nil
}

func newMailer(cfg *config.Config, log *zap.Logger) (notification.Mailer, error) {
	if cfg.Mail.SMTPHost == "" {
		log.Warn("no SMTP host configured, notifications are only logged")
		return notification.NewLogMailer(log), nil
	}
	return notification.NewSMTPMailer(&cfg.Mail)
}
