// Package main provides the operator CLI for token diagnostics and
// recovery.
//
// Usage:
//
//	trackerctl diagnose -token-id 42
//	trackerctl recover -token-id 42
//	trackerctl bulk-recover -min-failures 5 [-chain solana]
//	trackerctl failing [-min-failures 1] [-chain bsc] [-limit 20]
//	trackerctl analyze
//	trackerctl locks [-threshold 30s]
//	trackerctl relieve-locks [-threshold 30s] [-confirm]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"token-price-tracker/internal/config"
	"token-price-tracker/internal/recovery"
	chstore "token-price-tracker/internal/storage/clickhouse"
	pgstore "token-price-tracker/internal/storage/postgres"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger := log.New(os.Stderr, "", 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cfg, err := config.Load("", true)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	pool, err := pgstore.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatalf("connect to postgres: %v", err)
	}
	defer pool.Close()

	chConn, err := chstore.NewConn(ctx, cfg.Clickhouse.DSN)
	if err != nil {
		logger.Fatalf("connect to clickhouse: %v", err)
	}
	defer chConn.Close()

	svc := recovery.New(
		pgstore.NewTokenStore(pool),
		pgstore.NewTokenCallStore(pool),
		chstore.NewPriceMetricStore(chConn),
		recovery.WithLockInspector(pgstore.NewLockInspector(pool)),
		recovery.WithFailureThreshold(cfg.Scheduler.FailureThreshold),
		recovery.WithLogger(logger),
	)

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "diagnose":
		err = runDiagnose(ctx, svc, args)
	case "recover":
		err = runRecover(ctx, svc, args)
	case "bulk-recover":
		err = runBulkRecover(ctx, svc, args)
	case "failing":
		err = runFailing(ctx, svc, args)
	case "analyze":
		err = runAnalyze(ctx, svc)
	case "locks":
		err = runLocks(ctx, svc, args)
	case "relieve-locks":
		err = runRelieveLocks(ctx, svc, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Fatalf("%s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: trackerctl <diagnose|recover|bulk-recover|failing|analyze|locks|relieve-locks> [flags]")
}

func runDiagnose(ctx context.Context, svc *recovery.Service, args []string) error {
	fs := flag.NewFlagSet("diagnose", flag.ExitOnError)
	tokenID := fs.Int64("token-id", 0, "Token ID to diagnose")
	fs.Parse(args)
	if *tokenID == 0 {
		return fmt.Errorf("-token-id is required")
	}

	report, err := svc.Diagnose(ctx, *tokenID, time.Now().UnixMilli())
	if err != nil {
		return err
	}

	fmt.Printf("Token #%d %s (%s/%s)\n", report.TokenID, report.Name, report.Chain, report.ContractAddress)
	fmt.Printf("  active:             %v\n", report.IsActive)
	fmt.Printf("  failures:           %d\n", report.FailureCount)
	fmt.Printf("  interval:           %ds (effective %ds)\n", report.UpdateInterval, report.EffectiveInterval)
	if report.LastUpdatedAt != nil {
		fmt.Printf("  last updated:       %s ago\n", report.Staleness.Round(time.Second))
	} else {
		fmt.Printf("  last updated:       never\n")
	}
	fmt.Printf("  stored metrics:     %d\n", report.MetricsCount)
	fmt.Printf("  recorded calls:     %d\n", report.CallCount)
	if report.MetricsCount > 0 {
		fmt.Printf("  last price:         %g USD\n", report.LastPrice)
		fmt.Printf("  last liquidity:     %g USD\n", report.LastLiquidity)
	}
	if report.CallDelta != nil {
		fmt.Printf("  vs call price:      %+.1f%%\n", *report.CallDelta)
	}
	fmt.Printf("  recommendation:     %s\n", report.Recommendation)
	return nil
}

func runRecover(ctx context.Context, svc *recovery.Service, args []string) error {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	tokenID := fs.Int64("token-id", 0, "Token ID to recover")
	fs.Parse(args)
	if *tokenID == 0 {
		return fmt.Errorf("-token-id is required")
	}

	if err := svc.Recover(ctx, *tokenID); err != nil {
		return err
	}
	fmt.Printf("Token %d recovered: failures reset, reactivated, due immediately\n", *tokenID)
	return nil
}

func runBulkRecover(ctx context.Context, svc *recovery.Service, args []string) error {
	fs := flag.NewFlagSet("bulk-recover", flag.ExitOnError)
	minFailures := fs.Int("min-failures", 10, "Minimum failure count to recover")
	chain := fs.String("chain", "", "Limit to one chain")
	fs.Parse(args)

	count, err := svc.BulkRecover(ctx, *minFailures, *chain)
	if err != nil {
		return err
	}
	fmt.Printf("Recovered %d tokens\n", count)
	return nil
}

func runFailing(ctx context.Context, svc *recovery.Service, args []string) error {
	fs := flag.NewFlagSet("failing", flag.ExitOnError)
	minFailures := fs.Int("min-failures", 1, "Minimum failure count")
	chain := fs.String("chain", "", "Limit to one chain")
	limit := fs.Int("limit", 20, "Maximum rows")
	fs.Parse(args)

	tokens, err := svc.FailingTokens(ctx, *minFailures, *chain, *limit)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		fmt.Println("No failing tokens")
		return nil
	}

	fmt.Printf("%-8s %-10s %-44s %-9s %-7s\n", "ID", "CHAIN", "ADDRESS", "FAILURES", "ACTIVE")
	for _, t := range tokens {
		fmt.Printf("%-8d %-10s %-44s %-9d %-7v\n", t.TokenID, t.Chain, t.ContractAddress, t.FailedUpdatesCount, t.IsActive)
	}
	return nil
}

func runAnalyze(ctx context.Context, svc *recovery.Service) error {
	stats, err := svc.AnalyzeByChain(ctx)
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		fmt.Println("No tokens tracked")
		return nil
	}

	fmt.Printf("%-10s %-8s %-9s %-12s\n", "CHAIN", "TOKENS", "FAILING", "MAX FAILURES")
	for _, s := range stats {
		fmt.Printf("%-10s %-8d %-9d %-12d\n", s.Chain, s.TotalTokens, s.FailingTokens, s.MaxFailures)
	}
	return nil
}

func runLocks(ctx context.Context, svc *recovery.Service, args []string) error {
	fs := flag.NewFlagSet("locks", flag.ExitOnError)
	threshold := fs.Duration("threshold", recovery.DefaultLockThreshold, "Minimum blocked duration")
	fs.Parse(args)

	sessions, err := svc.DetectLockContention(ctx, *threshold)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No blocked sessions")
		return nil
	}

	for _, s := range sessions {
		fmt.Printf("pid=%d state=%q waiting=%s blocked_by=%v\n  %s\n",
			s.PID, s.State, s.WaitDuration.Round(time.Second), s.BlockedByPIDs, s.Query)
	}
	return nil
}

func runRelieveLocks(ctx context.Context, svc *recovery.Service, args []string) error {
	fs := flag.NewFlagSet("relieve-locks", flag.ExitOnError)
	threshold := fs.Duration("threshold", recovery.DefaultLockThreshold, "Minimum blocked duration")
	confirm := fs.Bool("confirm", false, "Actually terminate the sessions")
	fs.Parse(args)

	pids, err := svc.RelieveContention(ctx, *threshold, *confirm)
	if err != nil {
		return err
	}
	if len(pids) == 0 {
		fmt.Println("Nothing to relieve")
		return nil
	}
	if !*confirm {
		fmt.Printf("Would terminate %d sessions: %v (re-run with -confirm)\n", len(pids), pids)
		return nil
	}
	fmt.Printf("Terminated %d sessions: %v\n", len(pids), pids)
	return nil
}
