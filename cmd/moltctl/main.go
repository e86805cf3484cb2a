package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mthdroid/moltpredict-skill/internal/client"
	"github.com/mthdroid/moltpredict-skill/internal/core"
	"github.com/mthdroid/moltpredict-skill/internal/identity"
	"github.com/mthdroid/moltpredict-skill/internal/query"
)

const usageText = `moltctl - command line client for the moltpredict settlement API

Commands:
  markets                         list markets
  market <id>                     show one market
  create <question...> <hours>    create a market (hours defaults to 24)
  demo                            create the demo market
  bet <id> <yes|no> <amount>      stake USDC on a side, e.g. bet 1 yes 2.5
  resolve <id> <yes|no>           resolve a market
  claim <id>                      claim winnings
  address                         print the signing address

Environment:
  MOLTPREDICT_URL          API base URL (default http://localhost:8080)
  MOLTPREDICT_PRIVATE_KEY  hex private key used to sign commands
`

func main() {
	baseURL := flag.String("url", envOr("MOLTPREDICT_URL", "http://localhost:8080"), "API base URL")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var opts []client.Option
	if key := os.Getenv("MOLTPREDICT_PRIVATE_KEY"); key != "" {
		signer, err := identity.NewSigner(key)
		if err != nil {
			fatal(err)
		}
		opts = append(opts, client.WithSigner(signer))
	}
	c := client.New(*baseURL, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := runCommand(ctx, c, args[0], args[1:]); err != nil {
		fatal(err)
	}
}

func runCommand(ctx context.Context, c *client.Client, cmd string, args []string) error {
	switch cmd {
	case "markets":
		page, err := c.Markets(ctx, 500, 0)
		if err != nil {
			return err
		}
		if len(page.Markets) == 0 {
			fmt.Println("No markets yet.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tYES (USDC)\tNO (USDC)\tENDS\tQUESTION")
		for _, m := range page.Markets {
			fmt.Fprintf(w, "#%d\t%s\t%s\t%s\t%s\t%s\n", m.ID, statusLabel(m), m.YesPool.Decimal, m.NoPool.Decimal,
				time.Unix(m.EndTime, 0).UTC().Format(time.RFC3339), m.Question)
		}
		return w.Flush()

	case "market":
		id, err := marketArg(args, 1)
		if err != nil {
			return err
		}
		m, err := c.Market(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("#%d [%s] %s\n", m.ID, statusLabel(*m), m.Question)
		fmt.Printf("   creator: %s\n", m.Creator)
		fmt.Printf("   ends:    %s\n", time.Unix(m.EndTime, 0).UTC().Format(time.RFC3339))
		fmt.Printf("   YES: %s USDC | NO: %s USDC | paid out: %s USDC\n", m.YesPool.Decimal, m.NoPool.Decimal, m.PaidOut.Decimal)
		return nil

	case "create":
		if len(args) == 0 {
			return fmt.Errorf("usage: create <question...> <hours>")
		}
		hours := int64(24)
		if n, err := strconv.ParseInt(args[len(args)-1], 10, 64); err == nil && len(args) > 1 {
			hours, args = n, args[:len(args)-1]
		}
		m, err := c.CreateMarket(ctx, strings.Join(args, " "), hours*3600)
		if err != nil {
			return err
		}
		fmt.Printf("Market #%d created, ends %s\n", m.ID, time.Unix(m.EndTime, 0).UTC().Format(time.RFC3339))
		return nil

	case "demo":
		m, err := c.CreateMarket(ctx, core.DemoMarket.Question, core.DemoMarket.DurationSeconds)
		if err != nil {
			return err
		}
		fmt.Printf("Demo market #%d created: %s\n", m.ID, m.Question)
		return nil

	case "bet":
		id, err := marketArg(args, 3)
		if err != nil {
			return err
		}
		b, err := c.Bet(ctx, id, args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Printf("Bet placed: %s USDC on %s | position YES %s / NO %s\n",
			args[2], strings.ToUpper(args[1]), b.Yes.Decimal, b.No.Decimal)
		return nil

	case "resolve":
		id, err := marketArg(args, 2)
		if err != nil {
			return err
		}
		m, err := c.Resolve(ctx, id, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Market #%d resolved: %s\n", m.ID, statusLabel(*m))
		return nil

	case "claim":
		id, err := marketArg(args, 1)
		if err != nil {
			return err
		}
		payout, err := c.Claim(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("Winnings claimed: %s USDC\n", payout.Decimal)
		return nil

	case "address":
		if c.Caller() == (common.Address{}) {
			return fmt.Errorf("MOLTPREDICT_PRIVATE_KEY is not set")
		}
		fmt.Println(c.Caller().Hex())
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func statusLabel(m query.MarketView) string {
	switch m.Status {
	case query.StatusResolvedYes:
		return "YES won"
	case query.StatusResolvedNo:
		return "NO won"
	case query.StatusActive:
		return "Active"
	default:
		return "Ended"
	}
}

func marketArg(args []string, want int) (uint64, error) {
	if len(args) < want {
		return 0, fmt.Errorf("expected %d arguments, got %d", want, len(args))
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid market id %q", args[0])
	}
	return id, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
