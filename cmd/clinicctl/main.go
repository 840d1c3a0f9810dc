/*
main.go - Maintenance CLI for the clinic engine

PURPOSE:
  Runs repair and housekeeping operations directly against storage,
  without going through the HTTP server.

COMMANDS:
  list-sales                 Print every sale with its total
  rederive [sale-id]         Re-run derivation for one sale, or all sales
  rebuild-packages           Recount progress for every sold package
  refresh-status             Re-evaluate time-based package statuses
  load-catalog               Insert the default package catalog

CONFIGURATION:
  Same CLINIC_* environment as the server. -db and -storage override it.

EXIT CODES:
  0 success, 1 usage or configuration error, 2 operation failed
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/warp/clinic-engine/clinic"
	"github.com/warp/clinic-engine/clinic/store"
	"github.com/warp/clinic-engine/config"
	"github.com/warp/clinic-engine/factory"
	"github.com/warp/clinic-engine/logging"
)

var errUsage = errors.New("usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	fs := flag.NewFlagSet("clinicctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", cfg.DBPath, "SQLite database path")
	storage := fs.String("storage", string(cfg.StorageMode), "Storage mode: sqlite or memory")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: clinicctl [-db path] [-storage mode] <list-sales|rederive [sale-id]|rebuild-packages|refresh-status|load-catalog>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 1
	}

	cfg.DBPath = *dbPath
	cfg.StorageMode = clinic.StorageMode(*storage)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	logger := logging.Must(cfg.LogLevel)
	defer logger.Sync()

	opened, err := store.Open(cfg.StorageMode, cfg.DBPath)
	if err != nil {
		fmt.Fprintf(stderr, "open storage: %v\n", err)
		return 2
	}
	defer opened.Close()

	opts := cfg.EngineOptions()
	opts.Logger = logger
	engine := clinic.NewEngine(opened.Ports, opts)

	ctx := context.Background()
	if err := dispatch(ctx, engine, fs.Args(), stdout); err != nil {
		if errors.Is(err, errUsage) {
			fs.Usage()
			return 1
		}
		logger.Error("command failed", zap.String("command", fs.Arg(0)), zap.Error(err))
		fmt.Fprintf(stderr, "%s: %v\n", fs.Arg(0), err)
		return 2
	}
	return 0
}

func dispatch(ctx context.Context, engine *clinic.Engine, args []string, out io.Writer) error {
	switch args[0] {
	case "list-sales":
		return listSales(ctx, engine, out)
	case "rederive":
		if len(args) > 2 {
			return errUsage
		}
		if len(args) == 2 {
			return rederiveOne(ctx, engine, args[1], out)
		}
		return rederiveAll(ctx, engine, out)
	case "rebuild-packages":
		return rebuildPackages(ctx, engine, out)
	case "refresh-status":
		changed, err := engine.Tracker.RefreshStatuses(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d package status(es) changed\n", changed)
		return nil
	case "load-catalog":
		return loadCatalog(ctx, engine, out)
	default:
		return errUsage
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func listSales(ctx context.Context, engine *clinic.Engine, out io.Writer) error {
	sales, err := engine.Ledger.ListSales(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCLIENT\tDATE\tITEMS\tTOTAL\tPAYMENT")
	for _, s := range sales {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			s.ID, s.ClientID, s.SaleDate.Format("2006-01-02"), len(s.Items), s.Total.StringFixed(2), s.PaymentMethod)
	}
	return tw.Flush()
}

func rederiveOne(ctx context.Context, engine *clinic.Engine, id string, out io.Writer) error {
	result, err := engine.Ledger.Rederive(ctx, id)
	if result != nil {
		fmt.Fprintf(out, "%s: %s\n", id, result.Summary())
	}
	return err
}

func rederiveAll(ctx context.Context, engine *clinic.Engine, out io.Writer) error {
	results, err := engine.Ledger.RederiveAll(ctx)
	for _, r := range results {
		if r != nil {
			fmt.Fprintf(out, "%s: %s\n", r.SaleID, r.Summary())
		}
	}
	return err
}

func rebuildPackages(ctx context.Context, engine *clinic.Engine, out io.Writer) error {
	pkgs, err := engine.Ports.Packages.List(ctx, clinic.PackageFilter{SoldOnly: true})
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range pkgs {
		rebuilt, err := engine.Tracker.Rebuild(ctx, p.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.ID, err))
			continue
		}
		marker := ""
		if rebuilt.UsedSessions != p.UsedSessions {
			marker = " (repaired)"
		}
		fmt.Fprintf(out, "%s: %d/%d used, %s%s\n",
			p.ID, rebuilt.UsedSessions, rebuilt.TotalSessions, rebuilt.Status, marker)
	}
	return errors.Join(errs...)
}

func loadCatalog(ctx context.Context, engine *clinic.Engine, out io.Writer) error {
	f := factory.NewPackageFactory()
	for _, pj := range factory.DefaultCatalog() {
		if _, err := engine.Ports.Packages.Get(ctx, pj.ID); err == nil {
			fmt.Fprintf(out, "%s: already present\n", pj.ID)
			continue
		} else if !clinic.IsNotFound(err) {
			return err
		}
		pkg, err := f.FromJSON(pj)
		if err != nil {
			return err
		}
		if _, err := engine.Ports.Packages.Insert(ctx, pkg); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: created\n", pj.ID)
	}
	return nil
}
