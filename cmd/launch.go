package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gridwell/datafeeds/internal/config"
	"github.com/gridwell/datafeeds/internal/dates"
	"github.com/gridwell/datafeeds/internal/model"
	"github.com/gridwell/datafeeds/internal/runner"
)

// Exit codes the dispatcher keys off.
const (
	exitRunFailed = 2
	exitUsage     = 64
)

var (
	launchSourceID       int64
	launchStart          string
	launchEnd            string
	launchDisableLogin   bool
	launchDriver         string
	launchWorkspace      string
	launchArtifactPrefix string
)

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Run one source over a date window",
	Long:  "Plans the scrape window, drives the source's adapter to completion, integrates the results, and emits the run outcome as one JSON line on stdout.",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildRequest(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "datafeeds: %v\n", err)
			_ = zap.L().Sync()
			os.Exit(exitUsage)
		}

		oc, err := executeRun(cmd.Context(), req)
		if err != nil {
			return err
		}
		if oc.Status.Failed() {
			_ = zap.L().Sync()
			os.Exit(exitRunFailed)
		}
		return nil
	},
}

// buildRequest validates flags into a RunRequest. Any error here is a usage
// error (exit 64), not a run failure.
func buildRequest(ctx context.Context) (model.RunRequest, error) {
	var zero model.RunRequest

	if launchSourceID <= 0 {
		return zero, eris.New("--source-id is required and must be positive")
	}

	var window dates.Window
	var err error
	if launchStart != "" {
		if window.Start, err = dates.Parse(launchStart); err != nil {
			return zero, err
		}
	}
	if launchEnd != "" {
		if window.End, err = dates.Parse(launchEnd); err != nil {
			return zero, err
		}
	}
	if !window.Start.IsZero() && !window.End.IsZero() && window.Start.After(window.End) {
		return zero, eris.Errorf("--start %s is after --end %s", window.Start, window.End)
	}

	driver, err := model.ParseDriverKind(launchDriver)
	if err != nil {
		return zero, err
	}

	source, err := resolveSource(ctx, launchSourceID)
	if err != nil {
		return zero, err
	}

	req := model.RunRequest{
		RunID:        uuid.New().String(),
		Source:       *source,
		Window:       window,
		DisableLogin: launchDisableLogin,
		Driver:       driver,
	}
	return req, req.Validate()
}

// resolveSource prefers the local catalog when one is configured, falling
// back to the shared store.
func resolveSource(ctx context.Context, id int64) (*model.DataSource, error) {
	if path := cfg.Catalog.Path; path != "" {
		if _, err := os.Stat(path); err == nil {
			catalog, err := config.LoadCatalog(path)
			if err != nil {
				return nil, err
			}
			return catalog.Lookup(id)
		}
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	defer st.Close() //nolint:errcheck
	return st.LoadSource(ctx, id)
}

func executeRun(ctx context.Context, req model.RunRequest) (*model.RunOutcome, error) {
	if launchWorkspace != "" {
		cfg.Run.WorkspaceRoot = launchWorkspace
	}
	if launchArtifactPrefix != "" {
		applyArtifactPrefix(launchArtifactPrefix)
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	defer st.Close() //nolint:errcheck
	if err := st.Migrate(ctx); err != nil {
		return nil, eris.Wrap(err, "migrate store")
	}

	r, err := initRunner(ctx, st, req.Driver)
	if err != nil {
		return nil, err
	}

	ctx, stop := notifyCancel(ctx)
	defer stop()

	oc := r.Run(ctx, req)

	// The dispatcher contract: exactly one JSON line on stdout.
	if err := runner.NewReporter(nil).Emit(os.Stdout, oc); err != nil {
		return nil, err
	}
	return oc, nil
}

// applyArtifactPrefix routes artifacts to S3 or a local directory.
func applyArtifactPrefix(prefix string) {
	if rest, ok := strings.CutPrefix(prefix, "s3://"); ok {
		bucket, keyPrefix, _ := strings.Cut(rest, "/")
		cfg.Artifact.Bucket = bucket
		cfg.Artifact.Prefix = keyPrefix
		cfg.Artifact.Dir = ""
		return
	}
	cfg.Artifact.Dir = prefix
}

func notifyCancel(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

func init() {
	launchCmd.Flags().Int64Var(&launchSourceID, "source-id", 0, "data source to run (required)")
	launchCmd.Flags().StringVar(&launchStart, "start", "", "window start YYYY-MM-DD (default: end minus lookback)")
	launchCmd.Flags().StringVar(&launchEnd, "end", "", "window end YYYY-MM-DD (default: yesterday)")
	launchCmd.Flags().BoolVar(&launchDisableLogin, "disable-login", false, "skip credential acquisition")
	launchCmd.Flags().StringVar(&launchDriver, "driver", "", "browser driver: firefox|chromium (default chromium)")
	launchCmd.Flags().StringVar(&launchWorkspace, "workspace", "", "workspace root override")
	launchCmd.Flags().StringVar(&launchArtifactPrefix, "artifact-prefix", "", "artifact destination: s3://bucket[/prefix] or a local directory")
	_ = launchCmd.MarkFlagRequired("source-id")
	rootCmd.AddCommand(launchCmd)
}
