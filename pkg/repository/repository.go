// Package repository resolves queued request ids into decoded intents grouped
// by market and epoch.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/alitto/pond/v2"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/fairbatch/settler/pkg/intent"
	"github.com/fairbatch/settler/pkg/metrics"
)

// Reader reads intent records from the ledger.
type Reader interface {
	ReadIntent(ctx context.Context, requestID uint256.Int) (*intent.Record, error)
}

// Decoder turns a revealed record into an Intent.
type Decoder interface {
	Decode(rec *intent.Record) (*intent.Intent, error)
}

// Group is the set of real intents sharing one market and one epoch.
type Group struct {
	Key     intent.BatchKey
	Intents []*intent.Intent
}

// IDs returns the request ids of the group in their current order.
func (g Group) IDs() []uint256.Int {
	out := make([]uint256.Int, len(g.Intents))
	for i, in := range g.Intents {
		out[i] = in.RequestID
	}
	return out
}

// Failure is an id that could not be read or decoded this cycle.
type Failure struct {
	ID  uint256.Int
	Err error
}

// Resolution is the outcome of one Resolve call.
type Resolution struct {
	// Groups are sorted by market id, then epoch.
	Groups []Group
	// Failed ids are retried on a later cycle.
	Failed []Failure
	// Pending ids are not revealed yet and are retried on a later cycle.
	Pending []uint256.Int
	// Settled ids are already final on the ledger.
	Settled []uint256.Int
	// Decoys are excluded from pricing and settlement.
	Decoys []uint256.Int
	// Duplicates counts ids that appeared more than once in the input.
	Duplicates int
}

// Retryable returns every id that should go back on the queue.
func (r *Resolution) Retryable() []uint256.Int {
	out := make([]uint256.Int, 0, len(r.Failed)+len(r.Pending))
	for _, f := range r.Failed {
		out = append(out, f.ID)
	}
	return append(out, r.Pending...)
}

// Repository resolves ids on a bounded worker pool.
type Repository struct {
	reader  Reader
	decoder Decoder
	pool    pond.Pool
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates a Repository reading with at most workers concurrent calls.
func New(reader Reader, decoder Decoder, workers int, logger *zap.Logger, m *metrics.Metrics) *Repository {
	if workers <= 0 {
		workers = 8
	}
	return &Repository{
		reader:  reader,
		decoder: decoder,
		pool:    pond.NewPool(workers),
		logger:  logger.Named("repository"),
		metrics: m,
	}
}

// Close stops the worker pool after in-flight reads finish.
func (r *Repository) Close() {
	r.pool.StopAndWait()
}

type readResult struct {
	rec *intent.Record
	err error
}

// Resolve reads and decodes ids. Per-id failures are reported in the result;
// only a cancelled context fails the whole call.
func (r *Repository) Resolve(ctx context.Context, ids []uint256.Int) (*Resolution, error) {
	res := &Resolution{}
	unique := make([]uint256.Int, 0, len(ids))
	seen := make(map[uint256.Int]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			res.Duplicates++
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return res, nil
	}

	results := make([]readResult, len(unique))
	group := r.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i := range unique {
		i := i
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				results[i].err = err
				return
			}
			rec, err := r.reader.ReadIntent(groupCtx, unique[i])
			results[i] = readResult{rec: rec, err: err}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		r.logger.Warn("parallel intent read encountered error", zap.Error(err))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	groups := make(map[intent.BatchKey][]*intent.Intent)
	for i, rr := range results {
		id := unique[i]
		if rr.err != nil {
			r.logger.Warn("Failed to read intent", zap.String("request_id", id.Dec()), zap.Error(rr.err))
			res.Failed = append(res.Failed, Failure{ID: id, Err: fmt.Errorf("read intent %s: %w", id.Dec(), rr.err)})
			continue
		}
		rec := rr.rec
		switch {
		case rec.Status == intent.StatusSettled:
			res.Settled = append(res.Settled, id)
			continue
		case rec.IsDummy:
			res.Decoys = append(res.Decoys, id)
			continue
		case rec.Status != intent.StatusReady || !rec.Revealed():
			res.Pending = append(res.Pending, id)
			continue
		}

		in, err := r.decoder.Decode(rec)
		if err != nil {
			r.logger.Warn("Failed to decode intent", zap.String("request_id", id.Dec()), zap.Error(err))
			res.Failed = append(res.Failed, Failure{ID: id, Err: err})
			continue
		}
		key := intent.KeyOf(in)
		groups[key] = append(groups[key], in)
	}

	res.Groups = sortedGroups(groups)

	grouped := 0
	for _, g := range res.Groups {
		grouped += len(g.Intents)
	}
	r.metrics.Resolved("real", grouped)
	r.metrics.Resolved("decoy", len(res.Decoys))
	r.metrics.Resolved("pending", len(res.Pending))
	r.metrics.Resolved("settled", len(res.Settled))
	r.metrics.Resolved("failed", len(res.Failed))

	return res, nil
}

func sortedGroups(groups map[intent.BatchKey][]*intent.Intent) []Group {
	out := make([]Group, 0, len(groups))
	for key, intents := range groups {
		sort.Slice(intents, func(i, j int) bool { return intents[i].RequestID.Lt(&intents[j].RequestID) })
		out = append(out, Group{Key: key, Intents: intents})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}
