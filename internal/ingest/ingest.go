package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pnlbloom/pnl-engine/internal/metrics"
	"github.com/pnlbloom/pnl-engine/internal/model"
	"github.com/pnlbloom/pnl-engine/internal/store"
)

// DirtyMarker queues accounts for recompute after new events land.
type DirtyMarker interface {
	MarkDirty(accounts ...string)
}

// Report summarises one ingested batch.
type Report struct {
	Inserted   int      `json:"inserted"`
	Duplicates int      `json:"duplicates"`
	Coerced    int      `json:"coerced"`
	Accounts   []string `json:"accounts"`
}

// Ingestor writes parsed events to the store. dedup and marker are optional.
type Ingestor struct {
	store  store.Store
	dedup  *Deduper
	marker DirtyMarker
	log    *slog.Logger
}

// NewIngestor creates an ingestor.
func NewIngestor(st store.Store, dedup *Deduper, marker DirtyMarker, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{store: st, dedup: dedup, marker: marker, log: log}
}

// Ingest stores the batch and marks every account that gained events.
func (in *Ingestor) Ingest(ctx context.Context, batch []Parsed) (Report, error) {
	var rep Report
	fresh := make([]model.Event, 0, len(batch))
	inBatch := make(map[string]bool, len(batch))

	for _, p := range batch {
		if len(p.Coerced) > 0 {
			rep.Coerced += len(p.Coerced)
			metrics.CoercedFields.Add(float64(len(p.Coerced)))
			in.log.Warn("malformed event fields coerced to zero",
				"event", p.Event.Key, "fields", p.Coerced)
		}
		key := p.Event.Key
		if inBatch[key] || (in.dedup != nil && in.dedup.Seen(key)) {
			rep.Duplicates++
			continue
		}
		inBatch[key] = true
		fresh = append(fresh, p.Event)
	}

	if len(fresh) > 0 {
		n, err := in.store.InsertEvents(ctx, fresh)
		if err != nil {
			return rep, fmt.Errorf("insert events: %w", err)
		}
		rep.Inserted = n
		rep.Duplicates += len(fresh) - n
	}

	metrics.EventsIngested.WithLabelValues("inserted").Add(float64(rep.Inserted))
	metrics.EventsIngested.WithLabelValues("duplicate").Add(float64(rep.Duplicates))

	if in.dedup != nil && len(fresh) > 0 {
		keys := make([]string, len(fresh))
		for i, e := range fresh {
			keys[i] = e.Key
		}
		in.dedup.Mark(keys...)
	}

	if rep.Inserted > 0 {
		seen := make(map[string]bool)
		for _, e := range fresh {
			if !seen[e.Account] {
				seen[e.Account] = true
				rep.Accounts = append(rep.Accounts, e.Account)
			}
		}
		if in.marker != nil {
			in.marker.MarkDirty(rep.Accounts...)
		}
	}
	return rep, nil
}
