package extract

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/joseph-ayodele/bill-extractor/internal/entity"
)

// Extractor turns one document into structured data. It is a single-shot
// call: retries belong to the caller.
type Extractor interface {
	Extract(ctx context.Context, doc entity.Document) (json.RawMessage, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, doc entity.Document) (json.RawMessage, error)

func (f ExtractorFunc) Extract(ctx context.Context, doc entity.Document) (json.RawMessage, error) {
	return f(ctx, doc)
}

// Run invokes ex once, bounded by timeout when it is positive. The call runs
// in its own goroutine so an extractor that ignores ctx cannot hold the
// caller past the deadline. Output that is not a JSON document is an adapter
// error.
func Run(ctx context.Context, ex Extractor, doc entity.Document, timeout time.Duration) (json.RawMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		data json.RawMessage
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := ex.Extract(ctx, doc)
		ch <- result{data: data, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if len(r.data) == 0 || !json.Valid(r.data) {
			return nil, AdapterError(errors.New("adapter returned invalid JSON"))
		}
		return r.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
