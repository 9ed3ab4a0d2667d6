package runner

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"

	"github.com/gridwell/datafeeds/internal/model"
	"github.com/gridwell/datafeeds/internal/store"
)

// Reporter persists run outcomes and emits the dispatcher's stdout line.
type Reporter struct {
	store store.Store
}

// NewReporter builds a reporter over st.
func NewReporter(st store.Store) *Reporter {
	return &Reporter{store: st}
}

// Report upserts the outcome on run_id.
func (r *Reporter) Report(ctx context.Context, oc *model.RunOutcome) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.WriteRunOutcome(ctx, oc); err != nil {
		return eris.Wrapf(err, "runner: persist outcome %s", oc.RunID)
	}
	return nil
}

// Emit writes the outcome as a single JSON line, the contract the dispatcher
// reads from the process's stdout at exit.
func (r *Reporter) Emit(w io.Writer, oc *model.RunOutcome) error {
	b, err := json.Marshal(oc)
	if err != nil {
		return eris.Wrap(err, "runner: encode outcome")
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		return eris.Wrap(err, "runner: emit outcome")
	}
	return nil
}
