package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fintide/ledgerpilot/internal/domain"
	"github.com/fintide/ledgerpilot/internal/drift"
	"github.com/fintide/ledgerpilot/internal/ingest"
	"github.com/fintide/ledgerpilot/internal/opsserver"
	"github.com/fintide/ledgerpilot/internal/promoter"
	"github.com/fintide/ledgerpilot/internal/reconcile"
	"github.com/fintide/ledgerpilot/internal/vendornorm"
)

type appLoader func(cmd *cobra.Command) (*app, error)

func parseDay(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad date %q (want YYYY-MM-DD): %w", s, err)
	}
	return t, nil
}

func newIngestCmd(load appLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Parse a statement file into canonical transactions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			file, _ := cmd.Flags().GetString("file")
			format, _ := cmd.Flags().GetString("format")
			currency, _ := cmd.Flags().GetString("currency")

			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			ctx := cmd.Context()
			res, err := a.ingestor.Ingest(ctx, f, ingest.Format(format), ingest.Options{
				TenantID:     tenant,
				SourceFileID: file,
				Currency:     currency,
				Existing: func(txnID string) bool {
					ok, _ := a.txns.Exists(ctx, tenant, txnID)
					return ok
				},
			})
			if err != nil {
				return err
			}

			stored := 0
			for _, txn := range res.Transactions {
				txn.CounterpartyNorm = vendornorm.Normalize(txn.CounterpartyRaw)
				if err := a.txns.Insert(ctx, txn); err != nil {
					if errors.Is(err, domain.ErrDuplicate) {
						res.DuplicatesDropped++
						continue
					}
					return err
				}
				stored++
				a.metrics.IngestRows.WithLabelValues(tenant, "stored").Inc()
			}
			log.Info().
				Str("tenant", tenant).
				Int("stored", stored).
				Int("duplicates", res.DuplicatesDropped).
				Int("row_errors", len(res.RowErrors)).
				Msg("ingestion complete")
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "Tenant id")
	cmd.Flags().String("file", "", "Statement file (csv, ofx or pdf)")
	cmd.Flags().String("format", "auto", "File format (auto|csv|ofx|pdf)")
	cmd.Flags().String("currency", "USD", "Fallback currency when the file carries none")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newDecideCmd(load appLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Run the decision pipeline over a stored transaction window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			from, to, err := windowFlags(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			txns, err := a.txns.ListWindow(ctx, tenant, from, to)
			if err != nil {
				return err
			}
			out, err := a.engine.DecideBatch(ctx, tenant, txns)
			if err != nil {
				return err
			}

			byReason := map[string]int{}
			auto := 0
			for _, o := range out {
				if o.Route == domain.RouteAutoPost {
					auto++
					continue
				}
				byReason[string(o.Reason)]++
			}
			log.Info().
				Str("tenant", tenant).
				Int("decided", len(out)).
				Int("auto_post", auto).
				Interface("review_reasons", byReason).
				Msg("batch decided")
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "Tenant id")
	addWindowFlags(cmd)
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newExportCmd(load appLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export posted journal entries as an idempotent CSV batch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			target, _ := cmd.Flags().GetString("target")
			outPath, _ := cmd.Flags().GetString("out")
			if target == "" {
				target = a.cfg.Export.Target
			}

			ctx := cmd.Context()
			jes, err := a.journal.ListByStatus(ctx, tenant, domain.JEPosted)
			if err != nil {
				return err
			}
			f, err := os.Create(outPath)
			if err != nil {
				return err
			}
			defer f.Close()

			res, err := a.exporter.Export(ctx, f, tenant, target, a.cfg.Export.Currency, jes)
			if err != nil {
				return err
			}
			a.metrics.CountExport(tenant, "posted")
			log.Info().
				Str("tenant", tenant).
				Str("target", target).
				Int("new", res.NewCount).
				Int("skipped_duplicate", res.SkippedDuplicateCount).
				Int("rows", res.RowsWritten).
				Msg("export complete")
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "Tenant id")
	cmd.Flags().String("target", "", "Accounting target (defaults to configured target)")
	cmd.Flags().String("out", "export.csv", "Output CSV path")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newReconcileCmd(load appLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Match posted entries against the bank feed and report breaks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			outPath, _ := cmd.Flags().GetString("out")
			tolerance, _ := cmd.Flags().GetInt("tolerance-days")
			from, to, err := windowFlags(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			jes, err := a.journal.ListByStatus(ctx, tenant, domain.JEPosted)
			if err != nil {
				return err
			}
			txns, err := a.txns.ListWindow(ctx, tenant, from, to)
			if err != nil {
				return err
			}

			report := reconcile.NewReconciler(tolerance, a.clock, a.log).Reconcile(tenant, jes, txns)
			f, err := os.Create(outPath)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := reconcile.WriteCSV(f, report); err != nil {
				return err
			}
			log.Info().
				Str("tenant", tenant).
				Int("entries", len(report.Matches)).
				Int("unmatched_txns", len(report.UnmatchedTxns)).
				Str("out", outPath).
				Msg("reconciliation complete")
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "Tenant id")
	cmd.Flags().String("out", "reconcile.csv", "Output CSV path")
	cmd.Flags().Int("tolerance-days", 3, "Heuristic date tolerance in days")
	addWindowFlags(cmd)
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newRetrainCmd(load appLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retrain",
		Short: "Shadow-train a candidate classifier and promote it if it qualifies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			reasons, _ := cmd.Flags().GetStringSlice("reason")
			rollback, _ := cmd.Flags().GetString("rollback")

			ctx := cmd.Context()
			if rollback != "" {
				ev, err := a.retrainer.Rollback(tenant, rollback)
				if err != nil {
					return err
				}
				_ = a.retrains.Insert(ctx, ev)
				log.Info().Str("backup", rollback).Msg("model rollback complete")
				return nil
			}

			policy, err := a.store.GetPolicy(ctx, tenant)
			cash := "1000"
			if err == nil && policy.CashAccountCode != "" {
				cash = policy.CashAccountCode
			}
			records, err := a.labeledHistory(ctx, tenant, cash)
			if err != nil {
				return err
			}
			if dryRun {
				a.cfg.Retrain.DryRun = true
			}
			ev, runErr := a.retrainer.Run(ctx, tenant, records, reasons)
			_ = a.retrains.Insert(ctx, ev)
			if runErr != nil {
				a.metrics.RetrainsTotal.WithLabelValues(tenant, "failed").Inc()
				return runErr
			}
			outcome := "rejected"
			if ev.Promoted {
				outcome = "promoted"
			}
			a.metrics.RetrainsTotal.WithLabelValues(tenant, outcome).Inc()
			log.Info().
				Bool("promoted", ev.Promoted).
				Int("train_n", ev.TrainN).
				Int("valid_n", ev.ValidN).
				Float64("acc_new", ev.AccNew).
				Str("notes", ev.Notes).
				Msg("retrain finished")
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "Tenant id")
	cmd.Flags().Bool("dry-run", false, "Evaluate the candidate without swapping")
	cmd.Flags().StringSlice("reason", nil, "Trigger reasons recorded on the event")
	cmd.Flags().String("rollback", "", "Restore the named model backup instead of training")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newDriftCmd(load appLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Compare recent transactions against the training baseline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			cutoffStr, _ := cmd.Flags().GetString("train-cutoff")
			accuracy, _ := cmd.Flags().GetFloat64("rolling-accuracy")
			baselineHash, _ := cmd.Flags().GetString("baseline")
			cutoff, err := parseDay(cutoffStr)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			records, err := a.labeledHistory(ctx, tenant, "1000")
			if err != nil {
				return err
			}
			var baseTxns, curTxns []domain.Transaction
			var baseAccounts, curAccounts []string
			for _, r := range records {
				if r.Txn.PostedAt.Before(cutoff) {
					baseTxns = append(baseTxns, r.Txn)
					baseAccounts = append(baseAccounts, r.Account)
				} else {
					curTxns = append(curTxns, r.Txn)
					curAccounts = append(curAccounts, r.Account)
				}
			}

			var baseline *drift.Baseline
			if baselineHash != "" {
				payload, err := a.blobs.Get(baselineHash)
				if err != nil {
					return fmt.Errorf("load baseline %s: %w", baselineHash, err)
				}
				baseline, err = drift.DeserializeBaseline(payload)
				if err != nil {
					return err
				}
			} else {
				baseline, err = drift.NewBaseline(tenant, baseTxns, baseAccounts, accuracy, cutoff)
				if err != nil {
					return err
				}
				payload, err := baseline.Serialize()
				if err != nil {
					return err
				}
				hash, err := a.blobs.Put(payload)
				if err != nil {
					return err
				}
				log.Info().Str("baseline", hash).Msg("baseline snapshot stored")
			}
			report := drift.NewMonitor(a.cfg.Drift, a.log).Evaluate(baseline, drift.Window{
				Txns:            curTxns,
				Accounts:        curAccounts,
				RollingAccuracy: accuracy,
				NewRecords:      len(curTxns),
				DaysSinceTrain:  int(time.Since(cutoff).Hours() / 24),
			})
			a.metrics.DriftSignal.WithLabelValues(tenant, "amount_psi").Set(report.Signals.AmountPSI)
			a.metrics.DriftSignal.WithLabelValues(tenant, "term_psi").Set(report.Signals.TermPSI)

			payload, _ := json.MarshalIndent(report, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(payload))
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "Tenant id")
	cmd.Flags().String("train-cutoff", "", "Training cutoff date (YYYY-MM-DD)")
	cmd.Flags().Float64("rolling-accuracy", 0, "Current rolling accuracy on confirmed decisions")
	cmd.Flags().String("baseline", "", "Content hash of a stored baseline snapshot (default: rebuild and store)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("train-cutoff")
	return cmd
}

func newRulesCmd(load appLoader) *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage rule versions and candidate promotions",
	}

	publish := &cobra.Command{
		Use:   "publish",
		Short: "Publish a ruleset file as a new immutable version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			file, _ := cmd.Flags().GetString("file")
			author, _ := cmd.Flags().GetString("author")

			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var defs []domain.RuleDefinition
			if err := json.Unmarshal(data, &defs); err != nil {
				return fmt.Errorf("parse ruleset: %w", err)
			}
			parent := ""
			if cur := a.versions.Current(tenant); cur != nil {
				parent = cur.VersionID
			}
			v, err := a.versions.Publish(tenant, defs, author, "published from "+file, parent)
			if err != nil {
				return err
			}
			log.Info().Str("version", v.VersionID).Int("rules", len(v.Rules)).Msg("ruleset published")
			return nil
		},
	}
	publish.Flags().String("tenant", "", "Tenant id")
	publish.Flags().String("file", "", "JSON ruleset file")
	publish.Flags().String("author", "ops", "Author recorded on the version")
	_ = publish.MarkFlagRequired("tenant")
	_ = publish.MarkFlagRequired("file")

	promote := &cobra.Command{
		Use:   "promote",
		Short: "Promote a ready candidate into a new rule version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			vendor, _ := cmd.Flags().GetString("vendor")
			account, _ := cmd.Flags().GetString("account")
			author, _ := cmd.Flags().GetString("author")

			v, err := a.promoter.Promote(tenant, vendor, account, author)
			if err != nil {
				return err
			}
			log.Info().Str("version", v.VersionID).Str("vendor", vendor).Str("account", account).Msg("candidate promoted")
			return nil
		},
	}
	promote.Flags().String("tenant", "", "Tenant id")
	promote.Flags().String("vendor", "", "Normalized vendor")
	promote.Flags().String("account", "", "Account code")
	promote.Flags().String("author", "ops", "Author recorded on the version")
	_ = promote.MarkFlagRequired("tenant")
	_ = promote.MarkFlagRequired("vendor")
	_ = promote.MarkFlagRequired("account")

	rollback := &cobra.Command{
		Use:   "rollback",
		Short: "Publish a new version whose rules equal a prior version's",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			target, _ := cmd.Flags().GetString("version")
			author, _ := cmd.Flags().GetString("author")

			v, err := a.versions.Rollback(tenant, target, author)
			if err != nil {
				return err
			}
			log.Info().Str("version", v.VersionID).Str("restored", target).Msg("rules rolled back")
			return nil
		},
	}
	rollback.Flags().String("tenant", "", "Tenant id")
	rollback.Flags().String("version", "", "Version id to restore")
	rollback.Flags().String("author", "ops", "Author recorded on the version")
	_ = rollback.MarkFlagRequired("tenant")
	_ = rollback.MarkFlagRequired("version")

	dryRun := &cobra.Command{
		Use:   "dry-run",
		Short: "Compute the counterfactual impact of a proposed ruleset",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			file, _ := cmd.Flags().GetString("file")
			from, to, err := windowFlags(cmd)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var defs []domain.RuleDefinition
			if err := json.Unmarshal(data, &defs); err != nil {
				return fmt.Errorf("parse ruleset: %w", err)
			}
			sample, err := a.txns.ListWindow(cmd.Context(), tenant, from, to)
			if err != nil {
				return err
			}
			impact := promoter.DryRun(a.rules, a.versions.Current(tenant), defs, sample, 0)
			payload, _ := json.MarshalIndent(impact, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(payload))
			return nil
		},
	}
	dryRun.Flags().String("tenant", "", "Tenant id")
	dryRun.Flags().String("file", "", "JSON ruleset file")
	addWindowFlags(dryRun)
	_ = dryRun.MarkFlagRequired("tenant")
	_ = dryRun.MarkFlagRequired("file")

	rulesCmd.AddCommand(publish, promote, rollback, dryRun)
	return rulesCmd
}

func newTenantCmd(load appLoader) *cobra.Command {
	tenantCmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenant policy and chart of accounts",
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Create or update a tenant's gating policy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			id, _ := cmd.Flags().GetString("tenant")
			threshold, _ := cmd.Flags().GetFloat64("threshold")
			autopost, _ := cmd.Flags().GetBool("autopost")
			strict, _ := cmd.Flags().GetBool("anomaly-blocks")
			coldStart, _ := cmd.Flags().GetInt("cold-start-min")
			budget, _ := cmd.Flags().GetInt64("llm-daily-budget")
			cash, _ := cmd.Flags().GetString("cash-account")

			return a.store.PutPolicy(cmd.Context(), domain.TenantPolicy{
				TenantID:              id,
				Threshold:             threshold,
				AutopostEnabled:       autopost,
				AnomalyBlocksAutopost: strict,
				ColdStartMin:          coldStart,
				LLMDailyBudget:        budget,
				CashAccountCode:       cash,
			})
		},
	}
	set.Flags().String("tenant", "", "Tenant id")
	set.Flags().Float64("threshold", 0.90, "Calibrated auto-post threshold")
	set.Flags().Bool("autopost", false, "Allow proposed entries to post without approval")
	set.Flags().Bool("anomaly-blocks", true, "Anomalous amounts block auto-post")
	set.Flags().Int("cold-start-min", 3, "Consistent confirmations required per vendor")
	set.Flags().Int64("llm-daily-budget", 500, "Adjudication calls per day")
	set.Flags().String("cash-account", "1000", "Cash account code")
	_ = set.MarkFlagRequired("tenant")

	account := &cobra.Command{
		Use:   "add-account",
		Short: "Add an account to the tenant's chart",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			id, _ := cmd.Flags().GetString("tenant")
			code, _ := cmd.Flags().GetString("code")
			name, _ := cmd.Flags().GetString("name")
			accType, _ := cmd.Flags().GetString("type")

			return a.store.PutAccount(cmd.Context(), domain.Account{
				TenantID: id,
				Code:     code,
				Name:     name,
				Type:     domain.AccountType(accType),
				Active:   true,
			})
		},
	}
	account.Flags().String("tenant", "", "Tenant id")
	account.Flags().String("code", "", "Account code")
	account.Flags().String("name", "", "Account name")
	account.Flags().String("type", "expense", "Account type (asset|liability|equity|revenue|expense)")
	_ = account.MarkFlagRequired("tenant")
	_ = account.MarkFlagRequired("code")
	_ = account.MarkFlagRequired("name")

	tenantCmd.AddCommand(set, account)
	return tenantCmd
}

func newOpsCmd(load appLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "ops",
		Short: "Serve health and Prometheus metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			srv := opsserver.New(opsserver.DefaultConfig(a.cfg.Ops.ListenAddr), a.promReg, version, a.log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			return srv.Start()
		},
	}
}

func addWindowFlags(cmd *cobra.Command) {
	cmd.Flags().String("from", "", "Window start (YYYY-MM-DD)")
	cmd.Flags().String("to", "", "Window end (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
}

func windowFlags(cmd *cobra.Command) (time.Time, time.Time, error) {
	fromStr, _ := cmd.Flags().GetString("from")
	toStr, _ := cmd.Flags().GetString("to")
	from, err := parseDay(fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseDay(toStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to.Add(24*time.Hour - time.Nanosecond), nil
}
