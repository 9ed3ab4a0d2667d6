// Package scrape defines the adapter contract and the capability surface the
// runner hands each adapter: retry, screenshots, waits, downloads, and
// credential acquisition.
package scrape

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gridwell/datafeeds/internal/artifact"
	"github.com/gridwell/datafeeds/internal/browser"
	"github.com/gridwell/datafeeds/internal/dates"
	"github.com/gridwell/datafeeds/internal/model"
	"github.com/gridwell/datafeeds/internal/resilience"
	"github.com/gridwell/datafeeds/internal/secrets"
)

// Scraper is one site adapter. Scrape must be idempotent over a given
// (source, window): rerunning yields the same Results up to portal-side
// changes. Adapters never touch the shared store.
type Scraper interface {
	Name() string
	NeedsBrowser() bool
	Scrape(ctx context.Context, rc *RunContext, w dates.Window, creds secrets.Credentials) (*model.Results, error)
}

// RunContext is the per-run capability handle. The runner builds one per run,
// refreshes the session and attempt fields between attempts, and destroys it
// at exit. Adapters treat it as read-only.
type RunContext struct {
	RunID     string
	Attempt   int
	Source    model.DataSource
	Workspace string

	// Session is nil when the adapter reports NeedsBrowser() == false.
	Session browser.Session

	Artifacts *artifact.Staging
	Secrets   secrets.Provider
	Limiter   *rate.Limiter
	Retry     resilience.RetryConfig
	Log       *zap.Logger
}

// downloadPollInterval is how often DownloadToWorkspace and WaitFor re-check.
const downloadPollInterval = 250 * time.Millisecond

// Polite blocks on the per-source rate limiter. It is a suspension point, so
// cancellation is observed here.
func (rc *RunContext) Polite(ctx context.Context) error {
	if rc.Limiter == nil {
		return ctx.Err()
	}
	return rc.Limiter.Wait(ctx)
}

// WithRetry runs fn under the run's backoff policy, retrying only the listed
// kinds. Kinds outside the set fail immediately.
func (rc *RunContext) WithRetry(ctx context.Context, operation string, kinds []Kind, fn func(ctx context.Context) error) error {
	cfg := rc.Retry
	cfg.ShouldRetry = func(err error) bool {
		got := KindOf(err)
		for _, k := range kinds {
			if got == k {
				return true
			}
		}
		return false
	}
	cfg.OnRetry = resilience.RetryLogger(rc.Source.Kind, operation)
	return resilience.Do(ctx, cfg, fn)
}

// Screenshot stages a named screenshot from the live session and returns its
// artifact key. Without a browser it is a no-op.
func (rc *RunContext) Screenshot(ctx context.Context, name string) (string, error) {
	if rc.Session == nil {
		return "", nil
	}
	img, err := rc.Session.Screenshot(ctx)
	if err != nil {
		return "", eris.Wrapf(err, "scrape: screenshot %s", name)
	}
	return rc.Artifacts.Stage(name, "png", img), nil
}

// WaitFor polls pred until it reports true or the timeout lapses, which
// raises ElementTimeout.
func (rc *RunContext) WaitFor(ctx context.Context, desc string, timeout time.Duration, pred func(ctx context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := pred(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return Errorf(KindElementTimeout, "waiting for %s (%s)", desc, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(downloadPollInterval):
		}
	}
}

// DownloadToWorkspace performs action (typically a click) and waits for
// exactly one new file in the session's download directory, then moves it
// into the workspace and returns its path. Zero files at timeout raises
// DownloadMissing; more than one raises DownloadAmbiguous.
func (rc *RunContext) DownloadToWorkspace(ctx context.Context, timeout time.Duration, action func(ctx context.Context) error) (string, error) {
	if rc.Session == nil {
		return "", eris.New("scrape: download requires a browser session")
	}
	dir := rc.Session.DownloadDir()

	before, err := listDownloads(dir)
	if err != nil {
		return "", err
	}

	if err := action(ctx); err != nil {
		return "", err
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		now, err := listDownloads(dir)
		if err != nil {
			return "", err
		}
		fresh := newFiles(before, now)
		switch {
		case len(fresh) > 1:
			return "", Errorf(KindDownloadAmbiguous, "%d new files in download dir", len(fresh))
		case len(fresh) == 1:
			return rc.claimDownload(fresh[0])
		}
		if time.Now().After(deadline) {
			return "", Errorf(KindDownloadMissing, "no download appeared within %s", timeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(downloadPollInterval):
		}
	}
}

// AcquireCredentials resolves a credential reference via the secret store.
func (rc *RunContext) AcquireCredentials(ctx context.Context, ref string) (secrets.Credentials, error) {
	if rc.Secrets == nil {
		return secrets.Credentials{}, eris.New("scrape: no secrets provider configured")
	}
	return rc.Secrets.Acquire(ctx, ref)
}

func (rc *RunContext) claimDownload(src string) (string, error) {
	dest := filepath.Join(rc.Workspace, filepath.Base(src))
	if err := os.Rename(src, dest); err != nil {
		return "", eris.Wrapf(err, "scrape: move download %s", filepath.Base(src))
	}
	rc.Log.Debug("scrape: claimed download", zap.String("file", filepath.Base(dest)))
	return dest, nil
}

// listDownloads returns completed files in dir, skipping in-flight downloads.
func listDownloads(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrap(err, "scrape: read download dir")
	}
	files := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".crdownload", ".part", ".tmp":
			continue
		}
		files[filepath.Join(dir, e.Name())] = struct{}{}
	}
	return files, nil
}

func newFiles(before, now map[string]struct{}) []string {
	var fresh []string
	for f := range now {
		if _, ok := before[f]; !ok {
			fresh = append(fresh, f)
		}
	}
	return fresh
}
