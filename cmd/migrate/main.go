package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"clearance.org/internal/auth"
	"clearance.org/internal/config"
	"clearance.org/internal/identity"
	"clearance.org/internal/migrate"
	"clearance.org/internal/obs"
	"clearance.org/internal/store/pg"
)

const usage = "usage: migrate [flags] up|down|version|files|import-eligibility <feed.yaml>"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		dsn        string
		steps      int
		policyFile string
		logLevel   string
	)
	flags := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	flags.StringVar(&dsn, "dsn", os.Getenv("CLEARANCE_PG_DSN"), "PostgreSQL DSN")
	flags.IntVar(&steps, "steps", 1, "number of migrations to roll back with down")
	flags.StringVar(&policyFile, "policy", os.Getenv("CLEARANCE_POLICY_FILE"), "policy file used to validate imported roles")
	flags.StringVar(&logLevel, "log-level", "info", "log level")
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.NArg() == 0 {
		return errors.New(usage)
	}

	logger, err := obs.NewLogger(os.Stderr, logLevel)
	if err != nil {
		return err
	}

	cmd := flags.Arg(0)
	if cmd == "files" {
		files, err := migrate.Files()
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Println(f)
		}
		return nil
	}

	if dsn == "" {
		return errors.New("missing DSN: provide via --dsn or CLEARANCE_PG_DSN")
	}

	switch cmd {
	case "up", "down", "version":
		mgr, err := migrate.NewManager(dsn, migrate.WithLogger(logger))
		if err != nil {
			return err
		}
		switch cmd {
		case "up":
			return mgr.Up()
		case "down":
			return mgr.Down(steps)
		default:
			v, dirty, err := mgr.Version()
			if err != nil {
				return err
			}
			fmt.Printf("version=%d dirty=%t\n", v, dirty)
			return nil
		}
	case "import-eligibility":
		if flags.NArg() < 2 {
			return errors.New(usage)
		}
		return importEligibility(dsn, policyFile, flags.Arg(1), logger)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func importEligibility(dsn, policyFile, path string, logger *slog.Logger) error {
	policy, err := config.LoadPolicy(policyFile)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	recs, err := identity.DecodeFeed(f)
	if err != nil {
		return err
	}

	store, err := pg.Open(dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	svc := identity.NewService(store, auth.NewCredentialVerifier(store, 0), policy.Model, identity.WithCatalog(policy.Catalog))
	res, err := svc.ImportEligibility(ctx, recs)
	if err != nil {
		return err
	}
	logger.Info("eligibility imported",
		slog.Int("inserted", res.Inserted),
		slog.Int("updated", res.Updated),
		slog.Int("unchanged", res.Unchanged),
		slog.Int("rejected", len(res.Rejected)),
	)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
