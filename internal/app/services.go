package app

import (
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-docflow/internal/accounting"
	"github.com/odyssey-erp/odyssey-docflow/internal/catalog"
	"github.com/odyssey-erp/odyssey-docflow/internal/commission"
	"github.com/odyssey-erp/odyssey-docflow/internal/conversion"
	"github.com/odyssey-erp/odyssey-docflow/internal/documents"
	"github.com/odyssey-erp/odyssey-docflow/internal/inventory"
	"github.com/odyssey-erp/odyssey-docflow/internal/observability"
	"github.com/odyssey-erp/odyssey-docflow/internal/platform/lock"
	"github.com/odyssey-erp/odyssey-docflow/internal/reconciliation"
	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

// Services is the wired service graph shared by the server, the worker and the CLI.
type Services struct {
	Catalog        catalog.Catalog
	Documents      *documents.Service
	Ledger         *inventory.Ledger
	Engine         *conversion.Engine
	Commissions    *commission.Service
	Reconciliation *reconciliation.Service
}

// NewServices wires every domain service onto the pool. rdb may be nil, in which case
// catalog caching and distributed locks are off and the redis sequencer is unavailable.
func NewServices(cfg *Config, pool *pgxpool.Pool, rdb *redis.Client, metrics *observability.Metrics, logger *slog.Logger) (*Services, error) {
	if cfg == nil || pool == nil {
		return nil, errors.New("app: config and pool are required")
	}
	timeout := cfg.PersistenceTimeout

	var cat catalog.Catalog = catalog.NewRepository(pool)
	if rdb != nil && cfg.CatalogCacheTTL > 0 {
		cat = catalog.NewCachedCatalog(cat, rdb, cfg.CatalogCacheTTL, logger)
	}

	var seq documents.Sequencer = documents.NewPGSequencer(pool)
	if cfg.SequenceBackend == "redis" {
		if rdb == nil {
			return nil, errors.New("app: SEQUENCE_BACKEND=redis needs a reachable redis")
		}
		seq = documents.NewRedisSequencer(rdb)
	}

	var locker *lock.Locker
	if rdb != nil && cfg.UseRedisLocks {
		locker = lock.New(rdb, cfg.ConversionLockTTL, logger)
	}

	audit := shared.NewAuditLogger(pool)

	docs := documents.NewService(documents.NewRepository(pool), seq, cat, audit, timeout, logger)
	ledger := inventory.NewLedger(inventory.NewRepository(pool), cat, audit, inventory.Config{
		AllowNegativeStock: cfg.AllowNegativeStock,
		PersistenceTimeout: timeout,
	}, logger)
	engine := conversion.NewEngine(conversion.NewPGStore(pool), seq, ledger, locker, audit, conversion.Config{
		PersistenceTimeout: timeout,
	}, logger)
	if metrics != nil {
		engine.SetObserver(metrics)
	}

	rates, err := cfg.CommissionRates()
	if err != nil {
		return nil, err
	}
	var fallback accounting.AccountResolver
	if cfg.CommissionPayoutAccount != "" {
		fallback = accounting.StaticResolver{Account: cfg.CommissionPayoutAccount}
	}
	commissions := commission.NewService(
		commission.NewRepository(pool),
		docs,
		rates,
		accounting.NewPGResolver(pool, fallback),
		audit,
		commission.Config{ExcludedProducts: cfg.CommissionExcludedProducts, PersistenceTimeout: timeout},
		logger,
	)
	docs.OnSaleConfirmed(commissions.HandleSaleConfirmed)

	recon := reconciliation.NewService(documents.NewRepository(pool), engine, audit, reconciliation.Config{
		Concurrency:        cfg.ReconcileConcurrency,
		ItemTimeout:        cfg.ReconcileItemTimeout,
		PersistenceTimeout: timeout,
	}, logger)

	return &Services{
		Catalog:        cat,
		Documents:      docs,
		Ledger:         ledger,
		Engine:         engine,
		Commissions:    commissions,
		Reconciliation: recon,
	}, nil
}
