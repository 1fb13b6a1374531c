package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/harvest/auth"
	"github.com/hazyhaar/harvest/dbopen"
	"github.com/hazyhaar/harvest/harvest"
	"github.com/hazyhaar/harvest/instrument"
	"github.com/hazyhaar/harvest/orchestrator"
	"github.com/hazyhaar/harvest/schedule"
	"github.com/hazyhaar/harvest/task"
)

// --- frequency ---

var frequencyAt string

var frequencyCmd = &cobra.Command{
	Use:   "frequency [symbol...]",
	Short: "Show the computed cadence of catalog instruments",
	Long: `Computes the harvesting cadence of the given symbols, or of every
active instrument, with the multiplier breakdown. --at evaluates the
trading session at another instant (RFC 3339).`,
	RunE: runFrequency,
}

func init() {
	frequencyCmd.Flags().StringVar(&frequencyAt, "at", "", "evaluate at this RFC 3339 instant instead of now")
}

func openCatalog(ctx context.Context) (*instrument.SQLiteCatalog, func(), error) {
	db, err := dbopen.Open(filepath.Join(cfg.DataDir, harvest.DBFile), dbopen.WithMkdirAll())
	if err != nil {
		return nil, nil, err
	}
	cat := instrument.NewSQLiteCatalog(db, logger)
	if err := cat.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return cat, func() { db.Close() }, nil
}

func runFrequency(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	at := time.Now()
	if frequencyAt != "" {
		t, err := time.Parse(time.RFC3339, frequencyAt)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		at = t
	}
	cat, closeDB, err := openCatalog(ctx)
	if err != nil {
		return err
	}
	defer closeDB()
	list, err := cat.ListActive(ctx)
	if err != nil {
		return err
	}

	want := map[string]bool{}
	for _, a := range args {
		want[strings.ToUpper(a)] = true
	}
	tables := cfg.Tables
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tCLASS\tEXCHANGE\tPHASE\tMINUTES\tPRIORITY\tTASK\tBASE\tVOL\tCAP\tEXCH\tSESSION")
	found := 0
	for _, inst := range list {
		if len(want) > 0 && !want[strings.ToUpper(inst.Symbol)] {
			continue
		}
		found++
		f, err := tables.Compute(inst, at)
		if err != nil {
			fmt.Fprintf(tw, "%s\t%s\t%s\terror: %v\n", inst.Symbol, inst.AssetClass, inst.Exchange, err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%g\t%g\t%g\t%g\t%g\n",
			inst.Symbol, inst.AssetClass, inst.Exchange, f.Phase, f.Minutes, f.Priority,
			task.ForFrequency(f.Minutes), f.Base, f.Volume, f.MarketCap, f.Exchange, f.Session)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(want) > 0 && found < len(want) {
		return fmt.Errorf("%w: %d of %d symbols not in the active catalog", schedule.ErrUnknownSymbol, len(want)-found, len(want))
	}
	return nil
}

// --- enqueue ---

var (
	enqueuePriority string
	enqueueOptions  string
	enqueueWait     bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <type> [symbol]",
	Short: "Queue one task",
	Long: `Queues a task of the given type (` + typeList() + `). Every type but
market_scan needs a symbol. --wait runs it in-process and prints the report
instead of queueing it.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVarP(&enqueuePriority, "priority", "p", "MEDIUM", "HIGH, MEDIUM or LOW")
	enqueueCmd.Flags().StringVar(&enqueueOptions, "options", "", `handler options as JSON, e.g. '{"limit": 5}'`)
	enqueueCmd.Flags().BoolVar(&enqueueWait, "wait", false, "execute now and print the report")
}

func typeList() string {
	names := make([]string, len(task.Types))
	for i, t := range task.Types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	req := task.Request{Type: task.Type(args[0]), Priority: instrument.Priority(strings.ToUpper(enqueuePriority))}
	if len(args) == 2 {
		req.Symbol = args[1]
	}
	if enqueueOptions != "" {
		if err := json.Unmarshal([]byte(enqueueOptions), &req.Options); err != nil {
			return fmt.Errorf("--options: %w", err)
		}
	}
	if err := req.Validate(); err != nil {
		return err
	}

	svc, err := harvest.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	if enqueueWait {
		svc.Optimizer.Start(ctx)
		rep, err := svc.Orchestrator.Execute(ctx, req)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	id, err := svc.AddTask(ctx, req)
	switch {
	case errors.Is(err, orchestrator.ErrPossiblyQueued):
		logger.Warn("harvester: task possibly queued", "id", id, "error", err)
	case err != nil:
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

// --- import ---

// importRow is one catalog entry of an import file.
type importRow struct {
	Symbol         string  `yaml:"symbol" json:"symbol"`
	Name           string  `yaml:"name" json:"name"`
	AssetClass     string  `yaml:"asset_class" json:"asset_class"`
	Exchange       string  `yaml:"exchange" json:"exchange"`
	Sector         string  `yaml:"sector" json:"sector"`
	Volume24h      float64 `yaml:"volume_24h" json:"volume_24h"`
	AvgVolume30d   float64 `yaml:"avg_volume_30d" json:"avg_volume_30d"`
	MarketCap      float64 `yaml:"market_cap" json:"market_cap"`
	Volatility     float64 `yaml:"volatility" json:"volatility"`
	PriceChangePct float64 `yaml:"price_change_pct" json:"price_change_pct"`
	Inactive       bool    `yaml:"inactive" json:"inactive"`
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Upsert catalog instruments from a YAML or JSON list",
	Long: `Reads a list of instruments and upserts them into the catalog:

  - symbol: RELIANCE.NS
    asset_class: STOCK
    exchange: NSE
    volume_24h: 6500000
    market_cap: 2.1e13

Rows with an unknown asset class are skipped with a warning.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var rows []importRow
	if err := yaml.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("import %s: %w", args[0], err)
	}
	cat, closeDB, err := openCatalog(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	var ok, skipped int
	for _, r := range rows {
		ac, err := instrument.ParseAssetClass(r.AssetClass)
		if err != nil {
			logger.Warn("harvester: import skipped", "symbol", r.Symbol, "error", err)
			skipped++
			continue
		}
		err = cat.Upsert(ctx, instrument.MarketSignals{
			Instrument: instrument.Instrument{
				Symbol: r.Symbol, Name: r.Name, AssetClass: ac, Exchange: r.Exchange,
				Volume24h: r.Volume24h, MarketCap: r.MarketCap, Volatility: r.Volatility,
			},
			Sector:          r.Sector,
			AvgVolume30d:    r.AvgVolume30d,
			PriceChangePct:  r.PriceChangePct,
			TrackingEnabled: !r.Inactive,
		})
		if err != nil {
			logger.Warn("harvester: import skipped", "symbol", r.Symbol, "error", err)
			skipped++
			continue
		}
		ok++
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d, skipped %d\n", ok, skipped)
	return nil
}

// --- hash-password ---

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password <password>",
	Short: "Print the bcrypt hash for auth.password_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := auth.HashPassword(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), h)
		return nil
	},
}
