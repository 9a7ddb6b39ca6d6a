package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-docflow/cmd/docflow/cli"
	"github.com/odyssey-erp/odyssey-docflow/internal/app"
	"github.com/odyssey-erp/odyssey-docflow/internal/commission"
	"github.com/odyssey-erp/odyssey-docflow/internal/conversion"
	"github.com/odyssey-erp/odyssey-docflow/internal/documents"
	"github.com/odyssey-erp/odyssey-docflow/internal/inventory"
	"github.com/odyssey-erp/odyssey-docflow/internal/observability"
	"github.com/odyssey-erp/odyssey-docflow/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-docflow/internal/platform/db"
	"github.com/odyssey-erp/odyssey-docflow/internal/reconciliation"
	"github.com/odyssey-erp/odyssey-docflow/jobs"
	"github.com/odyssey-erp/odyssey-docflow/migrations"
)

const usage = `usage: docflow [command]

commands:
  serve                      run the HTTP API (default)
  migrate [up|down [N]|version]
                             apply or roll back the embedded schema migrations
  reconcile [--as-of DATE] [--json]
                             reconcile open promissory notes now
  rebuild-balances [--verify-only]
                             compare cached stock balances with the ledger and repair them
  jobs trigger NAME [--repair]
                             enqueue reconcile or ledger-integrity on the worker queue
  jobs stats [--json]        print default queue statistics
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		if err := serve(ctx, cfg, logger); err != nil {
			logger.Error("serve", slog.Any("error", err))
			os.Exit(1)
		}
	case "migrate":
		os.Exit(runMigrate(cfg, logger, args))
	case "reconcile", "rebuild-balances":
		os.Exit(runOps(ctx, cfg, logger, cmd, args))
	case "jobs":
		os.Exit(runJobs(ctx, cfg, args))
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: cfg.PGMaxConns})
	if err != nil {
		return err
	}
	defer pool.Close()

	var rdb *redis.Client
	if client, err := cache.New(ctx, cfg.RedisOptions()); err != nil {
		logger.Warn("redis unavailable, running without cache and locks", slog.Any("error", err))
	} else {
		rdb = client
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	services, err := app.NewServices(cfg, pool, rdb, metrics, logger)
	if err != nil {
		return err
	}

	inspector := asynq.NewInspector(cfg.AsynqRedis())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:                logger,
		Config:                cfg,
		DocumentsHandler:      documents.NewHandler(logger, services.Documents),
		ConversionHandler:     conversion.NewHandler(logger, services.Engine),
		InventoryHandler:      inventory.NewHandler(logger, services.Ledger),
		CommissionHandler:     commission.NewHandler(logger, services.Commissions),
		ReconciliationHandler: reconciliation.NewHandler(logger, services.Reconciliation),
		JobHandler:            jobs.NewHandler(inspector, logger),
		Metrics:               metrics,
		DB:                    pool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}
	return app.Serve(ctx, server, 10*time.Second, logger)
}

func runOps(ctx context.Context, cfg *app.Config, logger *slog.Logger, cmd string, args []string) int {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	asOf := fs.String("as-of", "", "reconciliation date (YYYY-MM-DD or RFC3339)")
	jsonOut := fs.Bool("json", false, "print JSON")
	verifyOnly := fs.Bool("verify-only", false, "report drift without repairing")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	pool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer pool.Close()

	services, err := app.NewServices(cfg, pool, nil, nil, logger)
	if err != nil {
		logger.Error("wire services", slog.Any("error", err))
		return 1
	}
	ops := cli.NewOpsCLI(services.Reconciliation, services.Ledger)
	if cmd == "reconcile" {
		return ops.ReconcileCommand(ctx, cli.ReconcileOptions{AsOf: *asOf, JSONOutput: *jsonOut})
	}
	return ops.BalancesCommand(ctx, cli.BalancesOptions{VerifyOnly: *verifyOnly})
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	sub, args := args[0], args[1:]
	fs := flag.NewFlagSet("jobs "+sub, flag.ContinueOnError)
	repair := fs.Bool("repair", false, "rebuild balances when drift is found")
	jsonOut := fs.Bool("json", false, "print JSON")

	jobsCLI, err := cli.NewJobsCLI(cfg.AsynqRedis())
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return 1
	}
	defer jobsCLI.Close()

	switch sub {
	case "trigger":
		if len(args) == 0 {
			fmt.Fprintln(os.Stderr, "jobs trigger: job name is required")
			return 2
		}
		name := args[0]
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return jobsCLI.TriggerCommand(ctx, cli.TriggerOptions{Name: name, Repair: *repair})
	case "stats":
		if err := fs.Parse(args); err != nil {
			return 2
		}
		return jobsCLI.StatsCommand(ctx, cli.StatsOptions{JSONOutput: *jsonOut})
	default:
		fmt.Fprintf(os.Stderr, "jobs: unknown subcommand %q\n", sub)
		return 2
	}
}

func runMigrate(cfg *app.Config, logger *slog.Logger, args []string) int {
	action := "up"
	if len(args) > 0 {
		action = args[0]
	}
	m, err := db.NewMigrator(migrations.FS, cfg.PGDSN, logger)
	if err != nil {
		logger.Error("open migrator", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("close migrator", slog.Any("error", err))
		}
	}()

	switch action {
	case "up":
		err = m.Up()
	case "down":
		steps := 1
		if len(args) > 1 {
			if steps, err = strconv.Atoi(args[1]); err != nil || steps <= 0 {
				fmt.Fprintf(os.Stderr, "migrate down: invalid step count %q\n", args[1])
				return 2
			}
		}
		err = m.Down(steps)
	case "version":
		var (
			v     uint
			dirty bool
		)
		if v, dirty, err = m.Version(); err == nil {
			fmt.Printf("version=%d dirty=%t\n", v, dirty)
		}
	default:
		fmt.Fprintf(os.Stderr, "migrate: unknown action %q\n", action)
		return 2
	}
	if err != nil {
		logger.Error("migrate", slog.String("action", action), slog.Any("error", err))
		return 1
	}
	return 0
}
