package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "runs/r-1/attempt_2/login_failure.png", Key("r-1", 2, "login_failure", "png"))
	assert.Equal(t, "runs/r-1/attempt_1/bill_list.html", Key("r-1", 1, "Bill List!", ".HTML"))
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"login_failure":        "login_failure",
		"Bill List Page":       "bill_list_page",
		"  weird///name..png ": "weird_name_png",
		"___":                  "artifact",
		"":                     "artifact",
		"step-0001":            "step-0001",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeName(in), "input %q", in)
	}
}

type memorySink struct {
	mu      sync.Mutex
	objects map[string][]byte
	failKey string
}

func newMemorySink() *memorySink {
	return &memorySink{objects: make(map[string][]byte)}
}

func (s *memorySink) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failKey != "" && strings.Contains(key, s.failKey) {
		return errors.New("sink unavailable")
	}
	s.objects[key] = data
	return nil
}

func TestStagingFlush(t *testing.T) {
	sink := newMemorySink()
	st := NewStaging(sink, "run-9")

	st.BeginAttempt(1)
	st.Stage("login_failure", "png", []byte("img1"))
	st.StageStep([]byte("s1"))
	st.StageStep([]byte("s2"))

	st.BeginAttempt(2)
	st.StageStep([]byte("s3"))

	uploaded, warnings := st.Flush(context.Background())
	require.Empty(t, warnings)
	assert.Equal(t, []string{
		"runs/run-9/attempt_1/login_failure.png",
		"runs/run-9/attempt_1/step_0001.png",
		"runs/run-9/attempt_1/step_0002.png",
		"runs/run-9/attempt_2/step_0001.png",
	}, uploaded)
	assert.Equal(t, []byte("s3"), sink.objects["runs/run-9/attempt_2/step_0001.png"])
}

func TestStagingFlushPartialFailure(t *testing.T) {
	sink := newMemorySink()
	sink.failKey = "step_0002"
	st := NewStaging(sink, "run-9")

	st.BeginAttempt(1)
	st.StageStep([]byte("ok"))
	st.StageStep([]byte("bad"))

	uploaded, warnings := st.Flush(context.Background())
	assert.Equal(t, []string{"runs/run-9/attempt_1/step_0001.png"}, uploaded)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "step_0002")
}

func TestStagingNilSink(t *testing.T) {
	st := NewStaging(nil, "run-1")
	st.BeginAttempt(1)
	st.Stage("page", "html", []byte("x"))

	uploaded, warnings := st.Flush(context.Background())
	assert.Empty(t, uploaded)
	assert.Empty(t, warnings)
}

func TestStagingOverwriteSameName(t *testing.T) {
	sink := newMemorySink()
	st := NewStaging(sink, "run-2")
	st.BeginAttempt(1)
	st.Stage("page", "html", []byte("old"))
	st.Stage("page", "html", []byte("new"))

	uploaded, _ := st.Flush(context.Background())
	require.Len(t, uploaded, 1)
	assert.Equal(t, []byte("new"), sink.objects["runs/run-2/attempt_1/page.html"])
}

func TestFSSink(t *testing.T) {
	root := t.TempDir()
	sink, err := NewFSSink(root)
	require.NoError(t, err)

	key := Key("run-3", 1, "statement", "pdf")
	require.NoError(t, sink.Put(context.Background(), key, []byte("pdf-bytes")))

	got, err := os.ReadFile(filepath.Join(root, "runs", "run-3", "attempt_1", "statement.pdf"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pdf-bytes"), got)
}
