// Package browser wraps go-rod behind the narrow session surface adapters
// drive. The runner owns every session; adapters borrow it and never outlive
// the attempt that created it.
package browser

import (
	"context"
	"time"
)

// Session is the automation surface an adapter sees. All methods honor the
// context; a quit session fails every later call.
type Session interface {
	Get(ctx context.Context, url string) error
	Find(ctx context.Context, selector string) (Element, error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	CurrentURL() (string, error)
	PageSource(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	DownloadDir() string
	Quit() error
}

// Element is one located DOM node.
type Element interface {
	Text(ctx context.Context) (string, error)
	Attribute(ctx context.Context, name string) (string, error)
	Click(ctx context.Context) error
	Type(ctx context.Context, text string) error
}

// Factory opens sessions; the runner calls it once per attempt.
type Factory interface {
	NewSession(ctx context.Context, cfg Config) (Session, error)
}

// Config enumerates the session options a run can set.
type Config struct {
	DriverKind      string        `mapstructure:"driver_kind"`
	Headless        bool          `mapstructure:"headless"`
	DownloadDir     string        `mapstructure:"download_dir"`
	UserAgent       string        `mapstructure:"user_agent"`
	Proxy           string        `mapstructure:"proxy"`
	PageLoadTimeout time.Duration `mapstructure:"page_load_timeout"`
	Locale          string        `mapstructure:"locale"`
}

func (c *Config) defaults() {
	if c.PageLoadTimeout <= 0 {
		c.PageLoadTimeout = 60 * time.Second
	}
	if c.Locale == "" {
		c.Locale = "en-US"
	}
}
