package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fintide/ledgerpilot/internal/anomaly"
	"github.com/fintide/ledgerpilot/internal/calibration"
	"github.com/fintide/ledgerpilot/internal/config"
	"github.com/fintide/ledgerpilot/internal/domain"
	"github.com/fintide/ledgerpilot/internal/export"
	"github.com/fintide/ledgerpilot/internal/gates"
	"github.com/fintide/ledgerpilot/internal/ingest"
	"github.com/fintide/ledgerpilot/internal/journal"
	"github.com/fintide/ledgerpilot/internal/memory"
	"github.com/fintide/ledgerpilot/internal/metrics"
	"github.com/fintide/ledgerpilot/internal/persistence"
	"github.com/fintide/ledgerpilot/internal/persistence/postgres"
	"github.com/fintide/ledgerpilot/internal/pipeline"
	"github.com/fintide/ledgerpilot/internal/promoter"
	"github.com/fintide/ledgerpilot/internal/retrain"
	"github.com/fintide/ledgerpilot/internal/rules"
)

// app wires the engine from configuration. Tenancy data (policy, chart of
// accounts) and the learning state live in process; transaction, journal and
// export storage move to PostgreSQL when configured.
type app struct {
	cfg   config.Config
	log   zerolog.Logger
	clock domain.Clock

	store    *persistence.MemoryStore
	txns     persistence.TxnRepo
	journal  persistence.JournalRepo
	exports  persistence.ExportRepo
	retrains persistence.RetrainRepo
	blobs    persistence.BlobStore
	audit    persistence.AuditSink

	rules     *rules.Engine
	versions  *rules.VersionStore
	models    *retrain.Registry
	calreg    *calibration.Registry
	promoter  *promoter.Promoter
	engine    *pipeline.Engine
	ingestor  *ingest.Ingestor
	exporter  *export.Exporter
	retrainer *retrain.Retrainer

	promReg *prometheus.Registry
	metrics *metrics.Set
}

func newApp(cfg config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, clock: domain.RealClock()}

	a.store = persistence.NewMemoryStore()
	a.txns = a.store.Txns()
	a.journal = a.store.Journal()
	a.exports = a.store.Exports()
	a.retrains = a.store.Retrains()

	if cfg.Postgres.Enabled {
		db, err := postgres.Open(cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.txns = postgres.NewTxnRepo(db, cfg.Postgres.QueryTimeout)
		a.journal = postgres.NewJournalRepo(db, cfg.Postgres.QueryTimeout)
		a.exports = postgres.NewExportRepo(db, cfg.Postgres.QueryTimeout)
	}

	blobs, err := persistence.NewFSBlobStore(cfg.Blobs.Dir)
	if err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}
	a.blobs = blobs
	a.audit = persistence.NewLogAuditSink(log)

	a.promReg = prometheus.NewRegistry()
	a.metrics = metrics.New(a.promReg)

	a.rules = rules.NewEngine()
	a.versions = rules.NewVersionStore(a.clock, blobs, log)
	a.models = retrain.NewRegistry()
	a.calreg = calibration.NewRegistry()
	a.promoter = promoter.New(a.versions, cfg.Promotion, a.clock, a.audit, log)
	a.retrainer = retrain.NewRetrainer(cfg.Retrain, a.models, a.calreg, blobs, a.clock, log)
	a.ingestor = ingest.New(nil, a.clock, log)
	a.exporter = export.NewExporter(a.exports, a.store, a.clock, log)

	var cache memory.VectorCache = memory.NewLocalVectorCache()
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = memory.NewRedisVectorCache(rdb, 0, log)
	}
	// No embedding or LLM provider is bound here; those tiers degrade to
	// zero-score signals until one is wired in.
	mem := memory.New(nil, cache, cfg.Memory, log)

	a.engine, err = pipeline.New(cfg.Pipeline, cfg.Blend, pipeline.Deps{
		Rules:       a.rules,
		Versions:    a.versions,
		Memory:      mem,
		Models:      a.models,
		Calibration: a.calreg,
		Gate:        gates.NewPolicy(log),
		Builder:     journal.NewBuilder(a.store, a.clock, log),
		Anomalies:   anomaly.NewEstimator(0),
		Promoter:    a.promoter,
		Txns:        a.txns,
		Journal:     a.journal,
		Tenants:     a.store,
		Audit:       a.audit,
		Metrics:     a.metrics,
		Clock:       a.clock,
	}, log)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// labeledHistory assembles the retraining corpus from posted entries joined
// with their source transactions.
func (a *app) labeledHistory(ctx context.Context, tenantID, cashCode string) ([]retrain.LabeledTxn, error) {
	jes, err := a.journal.ListByStatus(ctx, tenantID, domain.JEPosted)
	if err != nil {
		return nil, err
	}
	var out []retrain.LabeledTxn
	for _, je := range jes {
		if je.TxnID == "" {
			continue
		}
		txn, err := a.txns.Get(ctx, tenantID, je.TxnID)
		if err != nil {
			continue
		}
		account := ""
		for _, ln := range je.Lines {
			if ln.AccountCode != cashCode {
				account = ln.AccountCode
				break
			}
		}
		if account == "" {
			continue
		}
		out = append(out, retrain.LabeledTxn{Txn: txn, Account: account})
	}
	return out, nil
}
