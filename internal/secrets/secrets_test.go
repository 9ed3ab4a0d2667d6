package secrets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientAcquire(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer worker-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/credentials/acct-123":
			json.NewEncoder(w).Encode(Credentials{
				Username: "meters@example.com",
				Password: "hunter2",
				Extra:    map[string]string{"pin": "9944"},
			})
		case "/v1/credentials/empty-ref":
			json.NewEncoder(w).Encode(Credentials{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "worker-token")

	creds, err := c.Acquire(context.Background(), "acct-123")
	require.NoError(t, err)
	assert.Equal(t, "meters@example.com", creds.Username)
	assert.Equal(t, "hunter2", creds.Password)
	assert.Equal(t, "9944", creds.Extra["pin"])

	_, err = c.Acquire(context.Background(), "missing-ref")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	_, err = c.Acquire(context.Background(), "empty-ref")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty credentials")

	_, err = c.Acquire(context.Background(), "")
	require.Error(t, err)
}

func TestStaticProvider(t *testing.T) {
	p := Static{"ref-1": {Username: "u", Password: "p"}}

	creds, err := p.Acquire(context.Background(), "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "u", creds.Username)

	_, err = p.Acquire(context.Background(), "ref-2")
	assert.Error(t, err)
}

func TestRedact(t *testing.T) {
	creds := Credentials{
		Username: "meters@example.com",
		Password: "hunter2",
		Extra:    map[string]string{"pin": "9944"},
	}

	in := `login failed for meters@example.com with password hunter2 (pin 9944)`
	out := Redact(in, creds)
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "meters@example.com")
	assert.NotContains(t, out, "9944")
	assert.Contains(t, out, "[redacted]")

	// Empty secrets never blank out whole strings.
	assert.Equal(t, "plain text", Redact("plain text", Credentials{}))
	assert.Equal(t, "", Redact("", creds))
}
