// Package batch runs a provider call over fixed-size batches and falls back
// to one call per item for any item a batch did not answer.
package batch

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrNoResult is recorded for an item the provider answered without a
// matching result even when asked about it alone.
var ErrNoResult = eris.New("batch: no result for item")

// Func calls the provider with a group of items.
type Func[In, Out any] func(ctx context.Context, items []In) ([]Out, error)

// Options describes how to split and match a run. Call is never invoked
// concurrently, so it may write to caller state without locking.
type Options[In, Out any] struct {
	Size    int
	InKey   func(In) string
	OutKey  func(Out) string
	Call    Func[In, Out]
	OnRetry func(size int, err error)
}

// Result is the outcome for one input item.
type Result[In, Out any] struct {
	Item In
	Out  Out
	Err  error
	// Single is true when the result came from the per-item fallback.
	Single bool
}

// Process calls opts.Call for each batch of items. When a batch fails, or
// succeeds without answering some items, those items are retried alone once.
// Results are returned in input order. Only context cancellation aborts the
// run; it is returned together with the results gathered so far.
func Process[In, Out any](ctx context.Context, items []In, opts Options[In, Out]) ([]Result[In, Out], error) {
	size := opts.Size
	if size <= 0 {
		size = len(items)
	}
	results := make([]Result[In, Out], 0, len(items))

	for start := 0; start < len(items); start += size {
		if err := ctx.Err(); err != nil {
			return results, eris.Wrap(err, "batch: process")
		}
		group := items[start:min(start+size, len(items))]

		outs, err := opts.Call(ctx, group)
		if err != nil {
			if ctx.Err() != nil {
				return results, eris.Wrap(ctx.Err(), "batch: process")
			}
			if opts.OnRetry != nil {
				opts.OnRetry(len(group), err)
			}
			zap.L().Debug("batch: group failed, retrying items individually",
				zap.Int("size", len(group)), zap.Error(err))
		}

		byKey := make(map[string]Out, len(outs))
		for _, o := range outs {
			byKey[opts.OutKey(o)] = o
		}

		for _, item := range group {
			if o, ok := byKey[opts.InKey(item)]; ok && err == nil {
				results = append(results, Result[In, Out]{Item: item, Out: o})
				continue
			}
			r, cerr := single(ctx, item, opts)
			if cerr != nil {
				return results, cerr
			}
			results = append(results, r)
		}
	}
	return results, nil
}

func single[In, Out any](ctx context.Context, item In, opts Options[In, Out]) (Result[In, Out], error) {
	r := Result[In, Out]{Item: item, Single: true}
	outs, err := opts.Call(ctx, []In{item})
	if err != nil {
		if ctx.Err() != nil {
			return r, eris.Wrap(ctx.Err(), "batch: process")
		}
		r.Err = err
		return r, nil
	}
	key := opts.InKey(item)
	for _, o := range outs {
		if opts.OutKey(o) == key {
			r.Out = o
			return r, nil
		}
	}
	// A lone answer without a usable key still belongs to the only item asked.
	if len(outs) == 1 && opts.OutKey(outs[0]) == "" {
		r.Out = outs[0]
		return r, nil
	}
	r.Err = eris.Wrapf(ErrNoResult, "key %s", key)
	return r, nil
}
