package cli

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/gmsas95/myrai-meds/internal/app"
	"go.uber.org/zap"
)

// Version is set at build time
var Version = "dev"

// PrintHelp prints the top-level usage
func PrintHelp(w io.Writer) {
	fmt.Fprintln(w, "Myrai Meds - medication schedules and adherence")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  myrai-meds [global flags] [command] [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                          Run the HTTP API and scheduler (default)")
	fmt.Fprintln(w, "  sweep                          Mark overdue doses missed for every user, once")
	fmt.Fprintln(w, "  report --user ID [--format F]  Print an adherence report (pretty, json, yaml)")
	fmt.Fprintln(w, "  reconcile --user ID --medicine ID")
	fmt.Fprintln(w, "                                 Backfill missing dose instances for a medicine")
	fmt.Fprintln(w, "  version                        Show version")
	fmt.Fprintln(w, "  help                           Show this help")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Global flags:")
	fmt.Fprintln(w, "  --config PATH   Path to config file (default: <data>/meds.yaml)")
	fmt.Fprintln(w, "  --data PATH     Path to data directory (default: ~/.local/share/myrai-meds)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  MEDS_STORAGE_BACKEND     sqlite, badger or memory")
	fmt.Fprintln(w, "  MEDS_SCHEDULER_MODE      periodic or on_demand")
	fmt.Fprintln(w, "  MEDS_SCHEDULE_TIMEZONE   IANA zone schedule times are read in")
}

// PrintVersion prints the build version
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "myrai-meds version %s\n", Version)
}

// HandleSweepCommand runs one sweep over every tracker and prints a summary
func HandleSweepCommand(ctx context.Context, application *app.App, out io.Writer) error {
	res, err := application.SweepOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	fmt.Fprintf(out, "Swept %d user(s): %d dose(s) marked missed\n", res.Trackers, res.Missed)
	if res.Failed > 0 || res.Skipped > 0 {
		fmt.Fprintf(out, "  %d failed, %d skipped\n", res.Failed, res.Skipped)
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d user(s) could not be swept", res.Failed)
	}
	return nil
}

// HandleReportCommand prints the adherence report for one user
func HandleReportCommand(ctx context.Context, application *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.SetOutput(out)
	userID := fs.String("user", "", "User ID to report on")
	format := fs.String("format", FormatPretty, "Output format: pretty, json or yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return fmt.Errorf("report requires --user")
	}

	// Nothing else sweeps when the server is not running. A failed sweep still
	// reports on the history already stored.
	if _, err := application.Service.Sweep(ctx, *userID); err != nil {
		application.Logger.Warn("Sweep before report failed",
			zap.String("tracker_id", *userID),
			zap.Error(err),
		)
	}
	report, err := application.Service.Report(ctx, *userID)
	if err != nil {
		return err
	}
	return RenderReport(out, report, *format)
}

// HandleReconcileCommand backfills missing dose instances for one medicine
func HandleReconcileCommand(ctx context.Context, application *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	fs.SetOutput(out)
	userID := fs.String("user", "", "User ID that owns the medicine")
	medicineID := fs.String("medicine", "", "Medicine ID to reconcile")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" || *medicineID == "" {
		return fmt.Errorf("reconcile requires --user and --medicine")
	}

	med, err := application.Service.GetMedicine(ctx, *userID, *medicineID)
	if err != nil {
		return err
	}
	doses, err := application.Service.ReconcileMedicine(ctx, *userID, *medicineID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Reconciled %s: %d missing dose instance(s) backfilled\n", med.Name, len(doses))
	return nil
}
