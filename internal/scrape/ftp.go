package scrape

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gridwell/datafeeds/internal/dates"
	"github.com/gridwell/datafeeds/internal/model"
	"github.com/gridwell/datafeeds/internal/secrets"
)

// FTPIntervals pulls interval workbooks from a utility's FTP drop. The drop
// URL comes from the source's extra settings; credentials come from the
// secret store, falling back to anonymous for public drops.
type FTPIntervals struct{}

func (*FTPIntervals) Name() string       { return "ftp-intervals" }
func (*FTPIntervals) NeedsBrowser() bool { return false }

func (f *FTPIntervals) Scrape(ctx context.Context, rc *RunContext, w dates.Window, creds secrets.Credentials) (*model.Results, error) {
	rawURL := rc.Source.Meta.Extra["ftp_url"]
	if rawURL == "" {
		return nil, eris.Errorf("scrape: source %d has no ftp_url", rc.Source.ID)
	}

	var local string
	err := rc.WithRetry(ctx, "ftp download", []Kind{KindNetworkTimeout}, func(ctx context.Context) error {
		if err := rc.Polite(ctx); err != nil {
			return err
		}
		var err error
		local, err = f.download(ctx, rc, rawURL, creds)
		return err
	})
	if err != nil {
		return nil, err
	}

	intervals, err := ParseIntervalWorkbook(local)
	if err != nil {
		return nil, NewError(KindParseError, err)
	}

	// Keep only dates inside the planned window.
	res := &model.Results{Intervals: make(map[dates.Date]model.IntervalVector)}
	for day, vec := range intervals {
		if w.ContainsDate(day) {
			res.Intervals[day] = vec
		}
	}
	return res, nil
}

func (*FTPIntervals) download(ctx context.Context, rc *RunContext, rawURL string, creds secrets.Credentials) (string, error) {
	host, remotePath, err := parseFTPURL(rawURL)
	if err != nil {
		return "", err
	}

	rc.Log.Debug("scrape: ftp connecting", zap.String("host", host))

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(30*time.Second), ftp.DialWithContext(ctx))
	if err != nil {
		return "", eris.Wrap(err, "scrape: ftp dial")
	}
	defer conn.Quit() //nolint:errcheck

	user, pass := creds.Username, creds.Password
	if user == "" {
		user, pass = "anonymous", "anonymous@"
	}
	if err := conn.Login(user, pass); err != nil {
		return "", NewError(KindInvalidCredentials, eris.Wrap(err, "scrape: ftp login"))
	}

	resp, err := conn.Retr(remotePath)
	if err != nil {
		return "", eris.Wrapf(err, "scrape: ftp retrieve %s", path.Base(remotePath))
	}
	defer resp.Close()

	local := filepath.Join(rc.Workspace, path.Base(remotePath))
	file, err := os.Create(local)
	if err != nil {
		return "", eris.Wrap(err, "scrape: create local file")
	}
	defer file.Close()

	if _, err := io.Copy(file, resp); err != nil {
		return "", eris.Wrap(err, "scrape: write local file")
	}
	return local, nil
}

func parseFTPURL(rawURL string) (host, remotePath string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "scrape: parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("scrape: expected ftp scheme, got %q", u.Scheme)
	}
	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}
	if u.Path == "" {
		return "", "", eris.New("scrape: empty path in ftp url")
	}
	return host, u.Path, nil
}
