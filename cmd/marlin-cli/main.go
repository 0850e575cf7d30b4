// marlin-cli is the operator tool for the marlin execution engine: fetching
// and listing signals, running the execution pass, placing and cancelling
// manual orders, and inspecting positions, account state, and risk standing.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"marlin/internal/broker"
	"marlin/internal/config"
	"marlin/internal/domain"
	"marlin/internal/engine"
	msignal "marlin/internal/signal"
	"marlin/internal/store"
	"marlin/internal/util"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: marlin-cli <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  fetch       Fetch signals from the configured provider\n")
		fmt.Fprintf(os.Stderr, "  signals     List stored signals\n")
		fmt.Fprintf(os.Stderr, "  execute     Run pending signals through risk and submission\n")
		fmt.Fprintf(os.Stderr, "  orders      List orders\n")
		fmt.Fprintf(os.Stderr, "  submit      Place a manual order\n")
		fmt.Fprintf(os.Stderr, "  cancel      Cancel an order by ID\n")
		fmt.Fprintf(os.Stderr, "  positions   Show current positions\n")
		fmt.Fprintf(os.Stderr, "  account     Show account cash and equity\n")
		fmt.Fprintf(os.Stderr, "  risk        Report risk-rule standing\n")
		fmt.Fprintf(os.Stderr, "  version     Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}
	cmd, args := os.Args[1], os.Args[2:]

	if cmd == "version" {
		fmt.Printf("marlin-cli %s\n", version)
		return
	}

	if err := dispatch(cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(cmd string, args []string) error {
	_ = godotenv.Load()

	cfgPath := "config/marlin.yaml"
	if p := os.Getenv("MARLIN_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, nil)

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	b, err := broker.New(cfg)
	if err != nil {
		return err
	}
	var provider msignal.Provider
	if cfg.Signals.URL != "" {
		provider = msignal.NewHTTPProvider("remote", cfg.Signals.URL, cfg.Signals.Token,
			cfg.Signals.Timeout.Std())
	}
	eng := engine.New(cfg, b, engine.Stores{Signals: db, Orders: db, Decisions: db},
		store.NewParquetArchive(cfg.Storage.DataDir), provider, logger)

	ctx := context.Background()
	return broker.WithSession(ctx, b, func(broker.Broker) error {
		switch cmd {
		case "fetch":
			return runFetch(ctx, eng)
		case "signals":
			return runSignals(ctx, eng, args)
		case "execute":
			return runExecute(ctx, eng, args)
		case "orders":
			return runOrders(ctx, eng, args)
		case "submit":
			return runSubmit(ctx, eng, args)
		case "cancel":
			return runCancel(ctx, eng, args)
		case "positions":
			return runPositions(ctx, eng)
		case "account":
			return runAccount(ctx, eng)
		case "risk":
			return runRisk(ctx, eng)
		default:
			flag.Usage()
			return fmt.Errorf("unknown command: %s", cmd)
		}
	})
}

func runFetch(ctx context.Context, eng *engine.Engine) error {
	n, err := eng.FetchSignals(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("fetched %d new signal(s)\n", n)
	return nil
}

func runSignals(ctx context.Context, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("signals", flag.ExitOnError)
	pending := fs.Bool("pending", false, "only signals awaiting execution")
	limit := fs.Int("limit", 50, "maximum signals to list")
	fs.Parse(args)

	signals, err := eng.ListSignals(ctx, *pending, *limit)
	if err != nil {
		return err
	}
	if len(signals) == 0 {
		fmt.Println("no signals")
		return nil
	}
	for _, s := range signals {
		state := "pending"
		switch {
		case s.Executed:
			state = "executed order=" + s.OrderID
		case s.Skipped:
			state = "skipped: " + s.SkipReason
		}
		fmt.Printf("%s  %-6s %-4s qty=%-6d price=%-10s %s\n",
			s.ID, s.Symbol, s.Side, s.TargetQty, s.SuggestedPrice, state)
	}
	return nil
}

func runExecute(ctx context.Context, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("execute", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "evaluate without placing orders")
	fs.Parse(args)

	if err := eng.ExecuteSignals(ctx, *dryRun); err != nil {
		return err
	}
	if *dryRun {
		fmt.Println("dry run complete")
	} else {
		fmt.Println("execution pass complete")
	}
	for symbol, reason := range eng.HaltedSymbols() {
		fmt.Printf("HALTED %s: %s\n", symbol, reason)
	}
	return nil
}

func runOrders(ctx context.Context, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("orders", flag.ExitOnError)
	status := fs.String("status", "", "filter by status")
	fs.Parse(args)

	orders, err := eng.ListOrders(ctx, domainStatus(*status))
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		fmt.Println("no orders")
		return nil
	}
	for _, o := range orders {
		fmt.Printf("%s  %-6s %-4s qty=%-6d filled=%-6d price=%-10s %-16s %s\n",
			o.ID, o.Symbol, o.Side, o.Qty, o.FilledQty, o.LimitPrice, o.Status, o.Reason)
	}
	return nil
}

func runSubmit(ctx context.Context, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	symbol := fs.String("symbol", "", "symbol to trade")
	side := fs.String("side", "buy", "buy or sell")
	qty := fs.Int64("qty", 0, "share quantity")
	price := fs.String("price", "0", "limit price; 0 for market")
	fs.Parse(args)

	if *symbol == "" || *qty <= 0 {
		return fmt.Errorf("submit requires -symbol and a positive -qty")
	}
	limit, err := decimal.NewFromString(*price)
	if err != nil {
		return fmt.Errorf("invalid price %q", *price)
	}

	order, err := eng.SubmitOrder(ctx, *symbol, domainSide(*side), *qty, limit)
	if err != nil {
		return err
	}
	fmt.Printf("order %s: %s %s x%d status=%s\n",
		order.ID, order.Side, order.Symbol, order.Qty, order.Status)
	return nil
}

func runCancel(ctx context.Context, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	id := fs.String("id", "", "order ID")
	fs.Parse(args)
	if *id == "" {
		return fmt.Errorf("cancel requires -id")
	}

	order, err := eng.CancelOrder(ctx, *id)
	if err != nil {
		return err
	}
	fmt.Printf("order %s: status=%s filled=%d\n", order.ID, order.Status, order.FilledQty)
	return nil
}

func runPositions(ctx context.Context, eng *engine.Engine) error {
	positions, err := eng.ListPositions(ctx)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		fmt.Println("no positions")
		return nil
	}
	for _, p := range positions {
		fmt.Printf("%-6s qty=%-6d cost=%-10s mark=%-10s value=%-12s pnl=%s (%s)\n",
			p.Symbol, p.Qty, p.AvgCost, p.CurrentPrice,
			p.MarketValue(), p.ProfitLoss(), p.ProfitLossRatio())
	}
	return nil
}

func runAccount(ctx context.Context, eng *engine.Engine) error {
	acct, err := eng.GetAccount(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("cash:         %s\n", acct.Cash)
	fmt.Printf("market value: %s\n", acct.MarketValue)
	fmt.Printf("equity:       %s\n", acct.Equity)
	fmt.Printf("reconciled:   %s\n", acct.LastReconciled.Format("2006-01-02 15:04:05"))
	return nil
}

func runRisk(ctx context.Context, eng *engine.Engine) error {
	alerts, err := eng.CheckRisk(ctx)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Println("all risk rules pass")
		return nil
	}
	for _, a := range alerts {
		if a.Symbol != "" {
			fmt.Printf("%-20s %-6s %s\n", a.Rule, a.Symbol, a.Message)
		} else {
			fmt.Printf("%-20s        %s\n", a.Rule, a.Message)
		}
	}
	return nil
}

func domainSide(s string) domain.Side {
	if s == "sell" {
		return domain.SideSell
	}
	return domain.SideBuy
}

func domainStatus(s string) domain.OrderStatus {
	return domain.OrderStatus(s)
}
