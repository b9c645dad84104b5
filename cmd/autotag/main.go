package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/autotag/autotag/internal/api"
	"github.com/autotag/autotag/internal/config"
	"github.com/autotag/autotag/internal/engine"
	"github.com/autotag/autotag/internal/logging"
	"github.com/autotag/autotag/internal/models"
	"github.com/autotag/autotag/internal/rules"
	"github.com/autotag/autotag/internal/service"
	"github.com/autotag/autotag/internal/storage"
)

const usage = `Usage: autotag <command> [flags]

Commands:
  import_rules <file_path>          Import a rule envelope from a JSON file
  tag_transactions <company_code>   Run tagging for a company
  test_rule <company_code> <name>   Evaluate one rule against transactions
  serve                             Run the admin API server

Run 'autotag <command> -h' for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := config.Load()
	log := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, cleanup, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer cleanup()

	eng, err := engine.New(store, log, engine.Options{
		PreserveManualOverrides: cfg.PreserveManualOverrides,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize engine")
	}
	svc := service.New(store, eng, log)

	switch os.Args[1] {
	case "import_rules":
		err = runImportRules(ctx, store, os.Args[2:])
	case "tag_transactions":
		err = runTagTransactions(ctx, store, svc, os.Args[2:])
	case "test_rule":
		err = runTestRule(ctx, store, eng, os.Args[2:])
	case "serve":
		err = runServe(ctx, cfg, svc, store, log)
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openStore picks Postgres when DATABASE_URL is set, otherwise the in-memory
// store for local experiments.
func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (storage.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store")
		return storage.NewMemory(), func() {}, nil
	}
	pg, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

// runImportRules imports a rule envelope from a file. With --generate-sample
// it writes a sample envelope to the path instead.
func runImportRules(ctx context.Context, store storage.Store, args []string) error {
	fs := flag.NewFlagSet("import_rules", flag.ExitOnError)
	createCompany := fs.Bool("create-company", false, "Create the company if it does not exist")
	generateSample := fs.Bool("generate-sample", false, "Write a sample rule envelope to file_path and exit")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("import_rules requires exactly one file_path argument")
	}
	path := fs.Arg(0)

	if *generateSample {
		env := rules.Envelope{
			CompanyCode: "SAMPLE_CO",
			CompanyName: "Sample Company",
			Rules:       rules.SampleRules(),
		}
		data, err := json.MarshalIndent(env, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write sample file: %w", err)
		}
		fmt.Printf("Sample rules written to %s\n", path)
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}

	if *createCompany {
		if err := ensureCompany(ctx, store, data); err != nil {
			return err
		}
	}

	result, err := rules.Import(ctx, store, data)
	if err != nil {
		return err
	}

	fmt.Printf("Imported %d rules\n", result.Imported)
	for _, e := range result.Errors {
		fmt.Println(e)
	}
	return nil
}

// ensureCompany creates the envelope's company when it does not exist yet.
func ensureCompany(ctx context.Context, store storage.Store, data []byte) error {
	var head struct {
		CompanyCode string `json:"company_code"`
		CompanyName string `json:"company_name"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if head.CompanyCode == "" {
		return fmt.Errorf("missing company_code in JSON")
	}

	_, err := store.GetCompany(ctx, head.CompanyCode)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	name := head.CompanyName
	if name == "" {
		name = head.CompanyCode
	}
	company := &models.Company{Code: head.CompanyCode, Name: name, IsActive: true}
	if err := store.CreateCompany(ctx, company); err != nil {
		return fmt.Errorf("create company %q: %w", head.CompanyCode, err)
	}
	fmt.Printf("Created company %s (%s)\n", company.Name, company.Code)
	return nil
}

// runTagTransactions runs tagging in one of three modes: an explicit id list,
// all untagged transactions, or a retag of already-tagged ones.
func runTagTransactions(ctx context.Context, store storage.Store, svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("tag_transactions", flag.ExitOnError)
	idsFlag := fs.String("transaction-ids", "", "Comma-separated transaction ids to tag")
	all := fs.Bool("all", false, "Tag every untagged transaction")
	retag := fs.Bool("retag", false, "Re-run tagging over already-tagged transactions")
	batchSize := fs.Int("batch-size", service.DefaultBatchSize, "Transactions per batch")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("tag_transactions requires exactly one company_code argument")
	}
	companyCode := fs.Arg(0)

	modes := 0
	if *idsFlag != "" {
		modes++
	}
	if *all {
		modes++
	}
	if *retag {
		modes++
	}
	if modes != 1 {
		return fmt.Errorf("exactly one of --transaction-ids, --all or --retag is required")
	}

	var (
		results map[int64]string
		err     error
	)
	switch {
	case *retag:
		var processed int
		processed, err = svc.RetagCompany(ctx, companyCode)
		if err != nil {
			return err
		}
		fmt.Printf("Retagged %d transactions for %s\n", processed, companyCode)

	case *all:
		company, cerr := store.GetCompany(ctx, companyCode)
		if cerr != nil {
			return fmt.Errorf("company %q: %w", companyCode, cerr)
		}
		ids, cerr := store.UntaggedTransactionIDs(ctx, company.ID)
		if cerr != nil {
			return cerr
		}
		results, err = svc.TagTransactions(ctx, ids, companyCode, *batchSize)

	default:
		ids, perr := parseIDs(*idsFlag)
		if perr != nil {
			return perr
		}
		results, err = svc.TagTransactions(ctx, ids, companyCode, *batchSize)
	}
	if err != nil {
		return err
	}

	if results != nil {
		printResults(results)
	}
	return printStats(ctx, svc, companyCode)
}

func parseIDs(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid transaction id %q", p)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no transaction ids given")
	}
	return ids, nil
}

func printResults(results map[int64]string) {
	ids := make([]int64, 0, len(results))
	tagged := 0
	for id, tag := range results {
		ids = append(ids, id)
		if tag != "" {
			tagged++
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fmt.Printf("Processed %d transactions, %d tagged\n", len(results), tagged)
	for _, id := range ids {
		tag := results[id]
		if tag == "" {
			tag = "(none)"
		}
		fmt.Printf("  %d: %s\n", id, tag)
	}
}

func printStats(ctx context.Context, svc *service.Service, companyCode string) error {
	stats, err := svc.Stats(ctx, companyCode)
	if err != nil || stats == nil {
		return err
	}
	fmt.Printf("\nStats for %s:\n", companyCode)
	fmt.Printf("  Total processed:  %d\n", stats.TotalTransactions)
	fmt.Printf("  Tagged:           %d\n", stats.TaggedTransactions)
	fmt.Printf("  Untagged:         %d\n", stats.UntaggedTransactions)
	fmt.Printf("  Tagging rate:     %.1f%%\n", stats.TaggingRate)
	fmt.Printf("  Active rules:     %d\n", stats.ActiveRules)
	for _, tc := range stats.TopTags {
		fmt.Printf("    %s: %d\n", tc.TagCode, tc.Count)
	}
	return nil
}

// runTestRule evaluates a single named rule against one transaction or a
// sample, printing guard and processor outcomes. Without --dry-run, matches
// are persisted as tags.
func runTestRule(ctx context.Context, store storage.Store, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("test_rule", flag.ExitOnError)
	txID := fs.Int64("transaction-id", 0, "Test against one specific transaction")
	sampleSize := fs.Int("sample-size", 5, "Number of sampled transactions when no id is given")
	dryRun := fs.Bool("dry-run", false, "Evaluate only, never write tags")
	fs.Parse(args)

	if fs.NArg() != 2 {
		return fmt.Errorf("test_rule requires company_code and rule_name arguments")
	}
	companyCode, ruleName := fs.Arg(0), fs.Arg(1)

	company, err := store.GetCompany(ctx, companyCode)
	if err != nil {
		return fmt.Errorf("company %q: %w", companyCode, err)
	}
	rule, err := store.GetRule(ctx, company.ID, ruleName)
	if err != nil {
		return fmt.Errorf("rule %q: %w", ruleName, err)
	}

	processor, ok := eng.Processor(rule.RuleType)
	if !ok {
		return fmt.Errorf("no processor for rule type %q", rule.RuleType)
	}

	var txs []*models.Transaction
	if *txID != 0 {
		tx, err := store.GetTransaction(ctx, *txID)
		if err != nil {
			return fmt.Errorf("transaction %d: %w", *txID, err)
		}
		txs = []*models.Transaction{tx}
	} else {
		txs, err = store.SampleTransactions(ctx, *sampleSize)
		if err != nil {
			return err
		}
	}
	if len(txs) == 0 {
		fmt.Println("No transactions to test against")
		return nil
	}

	fmt.Printf("Testing rule '%s' (%s, priority %d) against %d transactions\n", rule.Name, rule.RuleType, rule.Priority, len(txs))
	fmt.Printf("  config:     %s\n", rule.RuleConfig)
	fmt.Printf("  conditions: %s\n\n", rule.Conditions)

	for _, tx := range txs {
		metadata, err := store.GetMetadata(ctx, tx.ID)
		if errors.Is(err, storage.ErrNotFound) {
			metadata = map[string]any{}
		} else if err != nil {
			return err
		}

		fmt.Printf("Transaction %d (product_code=%s, source=%s)\n", tx.ID, tx.ProductCode, tx.Source)

		if err := rules.ValidateMetadata(metadata, company.MetadataSchema); err != nil {
			fmt.Printf("  metadata schema warning: %v\n", err)
		}

		if !eng.GuardPasses(tx, metadata, rule.Conditions) {
			fmt.Println("  guard: FAILED, rule skipped")
			continue
		}
		fmt.Println("  guard: passed")

		tag, err := processor.Process(tx, metadata, rule.RuleConfig)
		if err != nil {
			fmt.Printf("  processor error: %v\n", err)
			continue
		}
		if tag == "" {
			fmt.Println("  result: no match")
			continue
		}
		fmt.Printf("  result: %s\n", tag)

		if !*dryRun {
			err := store.UpsertTag(ctx, &models.TransactionTag{
				TransactionID:   tx.ID,
				CompanyID:       company.ID,
				TagCode:         tag,
				ConfidenceScore: 1.0,
				ProcessingNotes: fmt.Sprintf("Rule '%s' matched: %s", rule.Name, tag),
			})
			if err != nil {
				return fmt.Errorf("persist tag for transaction %d: %w", tx.ID, err)
			}
			fmt.Println("  tag written")
		}
	}
	return nil
}

// runServe runs the admin API server until interrupted.
func runServe(ctx context.Context, cfg config.Config, svc *service.Service, store storage.Store, log zerolog.Logger) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("http-addr", cfg.HTTPAddr, "HTTP server address")
	fs.Parse(os.Args[2:])

	server := api.NewServer(*addr, svc, store, log)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errChan <- err
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signalChan:
		log.Info().Str("signal", sig.String()).Msg("received signal")
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}
