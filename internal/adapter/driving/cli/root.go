// Package cli is the operator command line: the one-time authorization
// handshake, on-demand syncs and the long-running daemon.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ericfisherdev/xerosync/internal/application"
	"github.com/ericfisherdev/xerosync/internal/domain/model"
)

// ErrRunFailed is returned when an on-demand sync ends with status failed.
var ErrRunFailed = errors.New("sync run failed")

// Syncer runs one sync to completion.
type Syncer interface {
	Run(ctx context.Context, tenantID string, forceFull bool) (model.SyncRun, error)
}

// Authorizer runs the OAuth authorization-code handshake.
type Authorizer interface {
	AuthorizeURL() (authURL, state string)
	CompleteAuthorization(ctx context.Context, callbackURL string, opts application.AuthorizationOptions) (model.Credential, error)
}

// Deps are the services the commands act on.
type Deps struct {
	Sync Syncer
	Auth Authorizer
	// Daemon runs the scheduler and HTTP server until ctx is canceled.
	Daemon func(ctx context.Context) error
	// TenantID is the configured tenant, overridable with --tenant.
	TenantID string
}

type options struct {
	initAuth    bool
	callbackURL string
	syncNow     bool
	forceFull   bool
	tenantID    string
}

// NewRootCommand builds the xerosync command. With no action flag it runs
// the daemon.
func NewRootCommand(deps Deps) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "xerosync",
		Short: "Synchronise Xero accounting data into a relational store",
		Long: `xerosync copies Xero contacts, invoices and invoice line items into a
relational store, fetching only records modified since the last sync.

Run once with --init-auth to authorize a Xero organisation, then either
--sync-now for a single sync or no flags to run the scheduler daemon.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, deps, opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.initAuth, "init-auth", false, "start the one-time authorization handshake")
	flags.StringVar(&opts.callbackURL, "callback-url", "", "redirect URL (or its query string) received after consent")
	flags.BoolVar(&opts.syncNow, "sync-now", false, "run a single sync and exit")
	flags.BoolVar(&opts.forceFull, "force-full", false, "ignore the watermark and fetch every record")
	flags.StringVar(&opts.tenantID, "tenant", deps.TenantID, "Xero tenant id (defaults to the most recently authorized)")

	cmd.MarkFlagsMutuallyExclusive("init-auth", "sync-now")

	return cmd
}

func run(cmd *cobra.Command, deps Deps, opts *options) error {
	if opts.callbackURL != "" && !opts.initAuth {
		return errors.New("--callback-url requires --init-auth")
	}
	if opts.forceFull && !opts.syncNow {
		return errors.New("--force-full requires --sync-now")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	switch {
	case opts.initAuth:
		return initAuth(ctx, cmd.OutOrStdout(), deps.Auth, opts)
	case opts.syncNow:
		return syncNow(ctx, cmd.OutOrStdout(), deps.Sync, opts)
	default:
		if deps.Daemon == nil {
			return errors.New("daemon not configured")
		}
		return deps.Daemon(ctx)
	}
}

func initAuth(ctx context.Context, out io.Writer, auth Authorizer, opts *options) error {
	if opts.callbackURL == "" {
		authURL, _ := auth.AuthorizeURL()
		fmt.Fprintln(out, "Open this URL in a browser and grant access:")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "  "+authURL)
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Then rerun with the URL you were redirected to:")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "  xerosync --init-auth --callback-url '<redirected URL>'")
		return nil
	}

	cred, err := auth.CompleteAuthorization(ctx, opts.callbackURL, application.AuthorizationOptions{
		TenantID:       opts.tenantID,
		SkipStateCheck: true,
	})
	if err != nil {
		return fmt.Errorf("authorization failed: %w", err)
	}

	fmt.Fprintf(out, "Authorized tenant %s (access token valid until %s).\n",
		cred.TenantID, cred.Expiry.Local().Format("2006-01-02 15:04:05 MST"))
	return nil
}

func syncNow(ctx context.Context, out io.Writer, syncer Syncer, opts *options) error {
	mode := "incremental"
	if opts.forceFull {
		mode = "full"
	}
	fmt.Fprintf(out, "Starting %s sync...\n", mode)

	run, err := syncer.Run(ctx, opts.tenantID, opts.forceFull)
	if run.ID != "" {
		printRun(out, run)
	}
	if err != nil {
		if run.Status == model.RunStatusFailed {
			return fmt.Errorf("%w: %w", ErrRunFailed, err)
		}
		return err
	}
	return nil
}

func printRun(out io.Writer, run model.SyncRun) {
	fmt.Fprintf(out, "Run %s finished with status %s in %s\n", run.ID, run.Status, run.Duration().Round(time.Millisecond))
	fmt.Fprintf(out, "  %-11s %9s %8s %8s\n", "entity", "processed", "created", "updated")
	for _, row := range []struct {
		name  string
		tally model.Tally
	}{
		{"contacts", run.Counts.Contacts},
		{"invoices", run.Counts.Invoices},
		{"line items", run.Counts.LineItems},
	} {
		fmt.Fprintf(out, "  %-11s %9d %8d %8d\n", row.name, row.tally.Processed, row.tally.Created, row.tally.Updated)
	}
	if run.ErrorCount > 0 {
		fmt.Fprintf(out, "  %d records skipped; see the error log\n", run.ErrorCount)
	}
	if run.Status == model.RunStatusFailed && run.ErrorMessage != "" {
		fmt.Fprintf(out, "  error: %s\n", run.ErrorMessage)
	}
}
