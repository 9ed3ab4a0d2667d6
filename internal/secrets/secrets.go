// Package secrets resolves credential references to portal credentials at
// scrape time. Credentials are never persisted and never logged; everything
// operator-visible goes through Redact.
package secrets

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Credentials is one resolved username/password pair plus any extra fields the
// vault attaches (security answers, account PINs).
type Credentials struct {
	Username string            `json:"username"`
	Password string            `json:"password"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Empty reports whether the credentials carry nothing usable.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == "" && len(c.Extra) == 0
}

// Provider resolves a credential reference from a source record.
type Provider interface {
	Acquire(ctx context.Context, ref string) (Credentials, error)
}

// Client fetches credentials from the vault service over HTTP.
type Client struct {
	http *resty.Client
}

// NewClient builds a vault client. The token authenticates this worker; it is
// sent as a bearer header and never logged.
func NewClient(baseURL, token string) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(token).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &Client{http: client}
}

// Acquire resolves ref to credentials. A missing ref is an error; runs cannot
// log in with nothing.
func (c *Client) Acquire(ctx context.Context, ref string) (Credentials, error) {
	if ref == "" {
		return Credentials{}, eris.New("secrets: empty credential reference")
	}

	var creds Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("ref", ref).
		SetResult(&creds).
		Get("/v1/credentials/{ref}")
	if err != nil {
		return Credentials{}, eris.Wrap(err, "secrets: fetch credentials")
	}
	if resp.IsError() {
		return Credentials{}, eris.Errorf("secrets: vault returned %d for ref %s", resp.StatusCode(), ref)
	}
	if creds.Empty() {
		return Credentials{}, eris.Errorf("secrets: ref %s resolved to empty credentials", ref)
	}

	zap.L().Debug("secrets: acquired credentials", zap.String("ref", ref))
	return creds, nil
}

// Static is a fixed-map provider for tests and single-source local runs.
type Static map[string]Credentials

func (s Static) Acquire(_ context.Context, ref string) (Credentials, error) {
	creds, ok := s[ref]
	if !ok {
		return Credentials{}, eris.Errorf("secrets: unknown credential reference %s", ref)
	}
	return creds, nil
}

// Redact masks every credential substring in s, for error details and
// artifact-bound page text that may echo a login form back.
func Redact(s string, creds Credentials) string {
	if s == "" {
		return s
	}
	for _, secret := range credentialValues(creds) {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, "[redacted]")
	}
	return s
}

func credentialValues(creds Credentials) []string {
	vals := []string{creds.Password, creds.Username}
	for _, v := range creds.Extra {
		vals = append(vals, v)
	}
	return vals
}
