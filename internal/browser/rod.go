package browser

import (
	"context"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// RodFactory launches a local Chromium per session. Sessions are deliberately
// single-use: one attempt, one browser process, no shared profile state.
type RodFactory struct{}

func (RodFactory) NewSession(ctx context.Context, cfg Config) (Session, error) {
	cfg.defaults()
	if cfg.DownloadDir == "" {
		return nil, eris.New("browser: download dir is required")
	}
	if cfg.DriverKind == "firefox" {
		// Only the Chromium driver is wired up; firefox sources run on it too.
		zap.L().Warn("browser: firefox driver requested, using chromium")
	}

	l := launcher.New().
		Headless(cfg.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("lang", cfg.Locale)
	if cfg.Proxy != "" {
		l = l.Proxy(cfg.Proxy)
	}

	wsURL, err := l.Launch()
	if err != nil {
		return nil, eris.Wrap(err, "browser: launch")
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, eris.Wrap(err, "browser: connect")
	}

	page, err := stealth.Page(b)
	if err != nil {
		b.Close() //nolint:errcheck
		l.Cleanup()
		return nil, eris.Wrap(err, "browser: create page")
	}

	if cfg.UserAgent != "" {
		err = page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      cfg.UserAgent,
			AcceptLanguage: cfg.Locale,
		})
		if err != nil {
			zap.L().Warn("browser: set user agent failed", zap.Error(err))
		}
	}

	err = proto.BrowserSetDownloadBehavior{
		Behavior:         proto.BrowserSetDownloadBehaviorBehaviorAllowAndName,
		DownloadPath:     cfg.DownloadDir,
		BrowserContextID: b.BrowserContextID,
	}.Call(b)
	if err != nil {
		zap.L().Warn("browser: set download path failed", zap.Error(err))
	}

	zap.L().Debug("browser: session started",
		zap.Bool("headless", cfg.Headless),
		zap.String("download_dir", cfg.DownloadDir))

	return &rodSession{cfg: cfg, launcher: l, browser: b, page: page}, nil
}

type rodSession struct {
	cfg      Config
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func (s *rodSession) live() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return eris.New("browser: session is quit")
	}
	return nil
}

func (s *rodSession) Get(ctx context.Context, url string) error {
	if err := s.live(); err != nil {
		return err
	}
	navCtx, cancel := context.WithTimeout(ctx, s.cfg.PageLoadTimeout)
	defer cancel()

	if err := s.page.Context(navCtx).Navigate(url); err != nil {
		return eris.Wrapf(err, "browser: navigate %s", url)
	}
	if err := s.page.Context(navCtx).WaitLoad(); err != nil {
		return eris.Wrapf(err, "browser: wait load %s", url)
	}
	return nil
}

func (s *rodSession) Find(ctx context.Context, selector string) (Element, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	el, err := s.page.Context(ctx).Element(selector)
	if err != nil {
		return nil, eris.Wrapf(err, "browser: find %s", selector)
	}
	return &rodElement{el: el}, nil
}

func (s *rodSession) Click(ctx context.Context, selector string) error {
	el, err := s.Find(ctx, selector)
	if err != nil {
		return err
	}
	return el.Click(ctx)
}

func (s *rodSession) Type(ctx context.Context, selector, text string) error {
	el, err := s.Find(ctx, selector)
	if err != nil {
		return err
	}
	return el.Type(ctx, text)
}

func (s *rodSession) CurrentURL() (string, error) {
	if err := s.live(); err != nil {
		return "", err
	}
	info, err := s.page.Info()
	if err != nil {
		return "", eris.Wrap(err, "browser: page info")
	}
	return info.URL, nil
}

func (s *rodSession) PageSource(ctx context.Context) (string, error) {
	if err := s.live(); err != nil {
		return "", err
	}
	html, err := s.page.Context(ctx).HTML()
	if err != nil {
		return "", eris.Wrap(err, "browser: page source")
	}
	return html, nil
}

func (s *rodSession) Screenshot(ctx context.Context) ([]byte, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	img, err := s.page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return nil, eris.Wrap(err, "browser: screenshot")
	}
	return img, nil
}

func (s *rodSession) DownloadDir() string { return s.cfg.DownloadDir }

// Quit tears the whole process down. Safe to call from the watchdog while an
// adapter call is blocked; the dropped connection unblocks it with an error.
func (s *rodSession) Quit() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		err = s.browser.Close()
		s.launcher.Cleanup()
	})
	return eris.Wrap(err, "browser: quit")
}

type rodElement struct {
	el *rod.Element
}

func (e *rodElement) Text(ctx context.Context) (string, error) {
	text, err := e.el.Context(ctx).Text()
	return text, eris.Wrap(err, "browser: element text")
}

func (e *rodElement) Attribute(ctx context.Context, name string) (string, error) {
	val, err := e.el.Context(ctx).Attribute(name)
	if err != nil {
		return "", eris.Wrapf(err, "browser: attribute %s", name)
	}
	if val == nil {
		return "", nil
	}
	return *val, nil
}

func (e *rodElement) Click(ctx context.Context) error {
	err := e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
	return eris.Wrap(err, "browser: click")
}

func (e *rodElement) Type(ctx context.Context, text string) error {
	if err := e.el.Context(ctx).SelectAllText(); err == nil {
		_ = e.el.Context(ctx).Input("")
	}
	err := e.el.Context(ctx).Input(text)
	return eris.Wrap(err, "browser: type")
}
