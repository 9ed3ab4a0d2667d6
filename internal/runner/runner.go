// Package runner drives one RunRequest to one RunOutcome: window planning,
// attempt loop with fresh sessions, extraction, integration, artifact flush,
// and outcome reporting.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gridwell/datafeeds/internal/artifact"
	"github.com/gridwell/datafeeds/internal/browser"
	"github.com/gridwell/datafeeds/internal/dates"
	"github.com/gridwell/datafeeds/internal/integrate"
	"github.com/gridwell/datafeeds/internal/model"
	"github.com/gridwell/datafeeds/internal/resilience"
	"github.com/gridwell/datafeeds/internal/scrape"
	"github.com/gridwell/datafeeds/internal/secrets"
	"github.com/gridwell/datafeeds/internal/store"
)

// Options wires the runner's collaborators and budgets.
type Options struct {
	Store    store.Store
	Registry *scrape.Registry
	Browser  browser.Factory  // nil disables browser-backed adapters
	Sink     artifact.Sink    // nil stages and discards artifacts
	Secrets  secrets.Provider // nil disables credential acquisition

	WorkspaceRoot string
	KeepWorkspace bool

	Driver   model.DriverKind
	Headless bool

	// RunTimeout bounds the whole run; AttemptTimeout bounds one attempt and
	// triggers a retry when budget remains. ShutdownBudget bounds the final
	// flush and report once the run context is dead.
	RunTimeout     time.Duration
	AttemptTimeout time.Duration
	ShutdownBudget time.Duration

	Retry             resilience.RetryConfig
	Tolerances        integrate.Tolerances
	RequestsPerSecond float64

	Now func() time.Time
}

func (o *Options) defaults() {
	if o.RunTimeout <= 0 {
		o.RunTimeout = 30 * time.Minute
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 10 * time.Minute
	}
	if o.ShutdownBudget <= 0 {
		o.ShutdownBudget = 30 * time.Second
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = resilience.DefaultRetryConfig()
	}
	if o.Tolerances == (integrate.Tolerances{}) {
		o.Tolerances = integrate.DefaultTolerances()
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 2
	}
	if o.WorkspaceRoot == "" {
		o.WorkspaceRoot = os.TempDir()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

// Runner executes runs. One Runner serves many sequential runs; each run is
// single-threaded.
type Runner struct {
	opts     Options
	reporter *Reporter
}

// New builds a runner. Store and Registry are required.
func New(opts Options) *Runner {
	opts.defaults()
	return &Runner{
		opts:     opts,
		reporter: NewReporter(opts.Store),
	}
}

// Run drives req to a terminal outcome. It never returns an error: every
// fault is folded into the outcome, which is also persisted and returned.
func (r *Runner) Run(ctx context.Context, req model.RunRequest) *model.RunOutcome {
	st := r.newRunState(req)
	defer st.cleanup()

	st.log.Info("run starting",
		zap.String("kind", req.Source.Kind),
		zap.String("window", req.Window.String()))

	if err := req.Validate(); err != nil {
		return st.finish(model.StatusFailed, "InvalidRequest", err)
	}
	if !req.Source.Enabled {
		st.log.Info("source disabled, nothing to do")
		return st.finish(model.StatusSucceededNoData, "", nil)
	}

	window, err := dates.Plan(req.Window, req.Source.Meta.LookbackDays, dates.Today())
	if err != nil {
		// A window that clamps to nothing means the portal has no closed-out
		// days to offer yet.
		st.log.Info("planned window is empty", zap.Error(err))
		return st.finish(model.StatusSucceededNoData, "", nil)
	}
	st.window = window

	st.scraper, err = r.opts.Registry.Get(req.Source.Kind)
	if err != nil {
		return st.finish(model.StatusFailed, "UnknownSourceKind", err)
	}

	if req.Source.ServiceID != 0 {
		svc, err := r.opts.Store.LoadService(ctx, req.Source.ServiceID)
		if err != nil {
			return st.finish(model.StatusFailed, "StoreError", err)
		}
		st.svc = *svc
	}

	if err := os.MkdirAll(st.workspace, 0o755); err != nil {
		return st.finish(model.StatusFailed, "WorkspaceError", eris.Wrap(err, "runner: create workspace"))
	}

	runCtx, cancel := context.WithTimeout(ctx, st.runTimeout())
	defer cancel()

	res, err := st.extract(runCtx)
	if err != nil {
		status, kind := classify(runCtx, err)
		return st.finish(status, kind, err)
	}
	if res.Empty() {
		st.log.Info("scrape produced no data")
		return st.finish(model.StatusSucceededNoData, "", nil)
	}

	if err := st.integrate(runCtx, res); err != nil {
		status, kind := classify(runCtx, err)
		return st.finish(status, kind, err)
	}

	return st.finish(model.StatusSucceeded, "", nil)
}

// runState is the mutable per-run context; the RunContext handed to adapters
// is derived from it each attempt.
type runState struct {
	r   *Runner
	req model.RunRequest
	svc model.UtilityService

	window    dates.Window
	scraper   scrape.Scraper
	workspace string
	staging   *artifact.Staging
	tail      *logTail
	limiter   *rate.Limiter
	log       *zap.Logger

	started   time.Time
	attempts  int
	creds     secrets.Credentials
	counts    model.ScrapedCounts
	integErrs []model.IntegrationError
	warnings  []string
}

func (r *Runner) newRunState(req model.RunRequest) *runState {
	tail := newLogTail()
	log := tail.attach(zap.L()).With(
		zap.String("component", "runner"),
		zap.String("run_id", req.RunID),
		zap.Int64("source_id", req.Source.ID))
	return &runState{
		r:         r,
		req:       req,
		workspace: filepath.Join(r.opts.WorkspaceRoot, req.RunID),
		staging:   artifact.NewStaging(r.opts.Sink, req.RunID),
		tail:      tail,
		limiter:   rate.NewLimiter(rate.Limit(r.opts.RequestsPerSecond), 3),
		log:       log,
		started:   r.opts.Now(),
	}
}

func (st *runState) runTimeout() time.Duration {
	if s := st.req.Source.Meta.TimeoutSeconds; s > 0 {
		return time.Duration(s) * time.Second
	}
	return st.r.opts.RunTimeout
}

func (st *runState) attemptTimeout() time.Duration {
	t := st.r.opts.AttemptTimeout
	if run := st.runTimeout(); t > run {
		t = run
	}
	return t
}

// extract runs the attempt loop. Attempt-deadline expiry retries while the
// run deadline survives; everything else retries per the error taxonomy.
func (st *runState) extract(runCtx context.Context) (*model.Results, error) {
	cfg := st.r.opts.Retry
	if n := st.req.Source.Meta.MaxAttempts; n > 0 {
		cfg.MaxAttempts = n
	}
	cfg.ShouldRetry = func(err error) bool {
		if runCtx.Err() != nil {
			return false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		return scrape.Retryable(err)
	}
	cfg.OnRetry = resilience.RetryLogger(st.req.Source.Kind, "scrape")
	return resilience.DoVal(runCtx, cfg, st.attempt)
}

// attempt performs one extraction attempt with a fresh session, workspace
// subdirectory, and artifact prefix.
func (st *runState) attempt(runCtx context.Context) (*model.Results, error) {
	st.attempts++
	k := st.attempts
	st.staging.BeginAttempt(k)
	log := st.log.With(zap.Int("attempt", k))

	attemptCtx, cancel := context.WithTimeout(runCtx, st.attemptTimeout())
	defer cancel()

	dir := filepath.Join(st.workspace, fmt.Sprintf("attempt_%d", k))
	downloads := filepath.Join(dir, "downloads")
	if err := os.MkdirAll(downloads, 0o755); err != nil {
		return nil, eris.Wrap(err, "runner: create attempt workspace")
	}

	rc := &scrape.RunContext{
		RunID:     st.req.RunID,
		Attempt:   k,
		Source:    st.req.Source,
		Workspace: dir,
		Artifacts: st.staging,
		Secrets:   st.r.opts.Secrets,
		Limiter:   st.limiter,
		Retry:     st.r.opts.Retry,
		Log:       log,
	}

	if st.scraper.NeedsBrowser() {
		if st.r.opts.Browser == nil {
			return nil, eris.Errorf("runner: source kind %q needs a browser but none is configured", st.req.Source.Kind)
		}
		sess, err := st.r.opts.Browser.NewSession(attemptCtx, browser.Config{
			DriverKind:  string(st.req.Driver),
			Headless:    st.r.opts.Headless,
			DownloadDir: downloads,
		})
		if err != nil {
			return nil, eris.Wrap(err, "runner: open browser session")
		}
		// Guaranteed release: normal exit, error, and deadline expiry while an
		// adapter blocks inside a driver call.
		defer sess.Quit() //nolint:errcheck
		stopWatchdog := context.AfterFunc(attemptCtx, func() {
			log.Warn("attempt deadline reached, quitting browser")
			sess.Quit() //nolint:errcheck
		})
		defer stopWatchdog()
		rc.Session = sess
	}

	creds, err := st.credentials(attemptCtx, rc)
	if err != nil {
		st.captureFailure(rc, "credential_failure", err)
		return nil, err
	}
	st.creds = creds

	res, err := st.scraper.Scrape(attemptCtx, rc, st.window, creds)
	if err != nil {
		st.captureFailure(rc, "scrape_failure", err)
		return nil, err
	}

	st.stageTail()
	return res, nil
}

func (st *runState) credentials(ctx context.Context, rc *scrape.RunContext) (secrets.Credentials, error) {
	ref := st.req.Source.CredentialsRef
	if ref == "" || st.req.DisableLogin || st.r.opts.Secrets == nil {
		return secrets.Credentials{}, nil
	}
	return rc.AcquireCredentials(ctx, ref)
}

// captureFailure stages the final screenshot and log tail for triage. The
// attempt context may already be dead, so a short fresh one is used.
func (st *runState) captureFailure(rc *scrape.RunContext, name string, cause error) {
	st.log.Warn("attempt failed",
		zap.Int("attempt", rc.Attempt),
		zap.String("kind", string(scrape.KindOf(cause))),
		zap.Error(cause))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rc.Screenshot(ctx, name); err != nil {
		st.log.Debug("failure screenshot unavailable", zap.Error(err))
	}
	st.stageTail()
}

func (st *runState) stageTail() {
	// The tail carries scraper error text, which may quote the credentials.
	if tail := st.tail.Bytes(); len(tail) > 0 {
		st.staging.Stage("run_log", "log", []byte(secrets.Redact(string(tail), st.creds)))
	}
}

// integrate hands results to the bill integrator then the interval
// integrator. Per-datum failures land in integration_errors; only context
// failures propagate.
func (st *runState) integrate(ctx context.Context, res *model.Results) error {
	bi := integrate.NewBillIntegrator(st.r.opts.Store, st.r.opts.Tolerances)
	report, err := bi.Integrate(ctx, st.req.RunID, st.svc, st.req.Source, res)
	if err != nil {
		return err
	}
	st.counts.Bills = report.BillsWritten
	st.counts.PartialBills = report.PartialsWritten
	st.integErrs = append(st.integErrs, report.Errors...)

	if len(res.Intervals) > 0 {
		meterID := st.req.Source.ID
		if st.req.Source.MeterID != nil {
			meterID = *st.req.Source.MeterID
		}
		ii := integrate.NewIntervalIntegrator(st.r.opts.Store)
		rep, err := ii.Integrate(ctx, meterID, st.slotsPerDay(), res.Intervals)
		if err != nil {
			return err
		}
		st.counts.IntervalDays = rep.DaysWritten
		st.integErrs = append(st.integErrs, rep.Errors...)
		if n := len(rep.SkippedFrozen); n > 0 {
			st.warnings = append(st.warnings, fmt.Sprintf("skipped %d frozen interval days", n))
		}
	}
	return nil
}

func (st *runState) slotsPerDay() int {
	if st.svc.IntervalMinutes > 0 {
		return 1440 / st.svc.IntervalMinutes
	}
	return st.req.Source.Meta.SlotsPerDay()
}

// classify maps a terminal error to its outcome. The run context
// distinguishes external cancellation from deadline expiry.
func classify(runCtx context.Context, err error) (model.RunStatus, string) {
	kind := scrape.KindOf(err)
	switch {
	case kind.Declines():
		return model.StatusSucceededNoData, ""
	case errors.Is(runCtx.Err(), context.Canceled) || kind == scrape.KindCancelled:
		return model.StatusCancelled, string(scrape.KindCancelled)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) || kind == scrape.KindDeadlineExpired:
		return model.StatusTimedOut, string(scrape.KindDeadlineExpired)
	case errors.Is(err, context.DeadlineExceeded):
		// Attempt deadlines exhausted the retry budget.
		return model.StatusTimedOut, string(scrape.KindDeadlineExpired)
	case kind == scrape.KindUnknown:
		return model.StatusFailed, "Unknown"
	default:
		return model.StatusFailed, string(kind)
	}
}

// finish builds, flushes, and persists the outcome under the shutdown budget.
func (st *runState) finish(status model.RunStatus, errKind string, cause error) *model.RunOutcome {
	finished := st.r.opts.Now()
	st.stageTail()

	oc := &model.RunOutcome{
		RunID:             st.req.RunID,
		SourceID:          st.req.Source.ID,
		Status:            status,
		ErrorKind:         errKind,
		Scraped:           st.counts,
		Attempts:          st.attempts,
		ElapsedSeconds:    finished.Sub(st.started).Seconds(),
		IntegrationErrors: st.integErrs,
		StartedAt:         st.started,
		FinishedAt:        finished,
	}
	if cause != nil {
		oc.ErrorDetail = secrets.Redact(cause.Error(), st.creds)
	}

	ctx, cancel := context.WithTimeout(context.Background(), st.r.opts.ShutdownBudget)
	defer cancel()

	uploaded, warnings := st.staging.Flush(ctx)
	oc.ArtifactRefs = uploaded
	oc.Warnings = append(st.warnings, warnings...)

	if err := st.r.reporter.Report(ctx, oc); err != nil {
		st.log.Warn("outcome persist failed", zap.Error(err))
		oc.Warnings = append(oc.Warnings, "run outcome not persisted")
	}

	st.log.Info("run finished",
		zap.String("status", string(status)),
		zap.Int("attempts", oc.Attempts),
		zap.Int("bills", oc.Scraped.Bills),
		zap.Int("partial_bills", oc.Scraped.PartialBills),
		zap.Int("interval_days", oc.Scraped.IntervalDays),
		zap.Float64("elapsed_s", oc.ElapsedSeconds))
	return oc
}

func (st *runState) cleanup() {
	if st.r.opts.KeepWorkspace || st.workspace == "" {
		return
	}
	if err := os.RemoveAll(st.workspace); err != nil {
		st.log.Warn("workspace cleanup failed", zap.Error(err))
	}
}
