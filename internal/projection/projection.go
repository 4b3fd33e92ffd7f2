// Package projection gives consumers a read-through, read-only view of deal
// state. Views are snapshots for display; anything that acts on a deal must
// go back to the ledger.
package projection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/davidahmann/dealledger/internal/ledger"
	"github.com/davidahmann/dealledger/pkg/types"
)

// DealView has no exported fields and no setters. The only way to get one is
// from a Cache read.
type DealView struct {
	id         string
	name       string
	state      types.State
	stressMode bool
	halted     bool
	sequence   int64
	headHash   string
	fetchedAt  time.Time
	maxAge     time.Duration
}

func (v DealView) ID() string           { return v.id }
func (v DealView) Name() string         { return v.name }
func (v DealView) State() types.State   { return v.state }
func (v DealView) StressMode() bool     { return v.stressMode }
func (v DealView) AppendHalted() bool   { return v.halted }
func (v DealView) Sequence() int64      { return v.sequence }
func (v DealView) HeadHash() string     { return v.headHash }
func (v DealView) FetchedAt() time.Time { return v.fetchedAt }
func (v DealView) Summary() types.ProjectionSummary {
	return types.ProjectionSummary{State: v.state, StressMode: v.stressMode}
}

// Stale reports whether the view has outlived its cache's ttl at now. Every
// view should be treated as possibly stale; this is for display hints.
func (v DealView) Stale(now time.Time) bool {
	return now.Sub(v.fetchedAt) > v.maxAge
}

func (v DealView) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID           string      `json:"id"`
		Name         string      `json:"name"`
		State        types.State `json:"state"`
		StressMode   bool        `json:"stressMode"`
		AppendHalted bool        `json:"appendHalted"`
		Sequence     int64       `json:"sequence"`
		HeadHash     string      `json:"headHash"`
		FetchedAt    time.Time   `json:"fetchedAt"`
	}{v.id, v.name, v.state, v.stressMode, v.halted, v.sequence, v.headHash, v.fetchedAt})
}

type Cache struct {
	reader ledger.Reader
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	views map[string]DealView
}

// NewCache reads through reader. A view younger than ttl is served from
// memory by Get.
func NewCache(reader ledger.Reader, ttl time.Duration) *Cache {
	return &Cache{
		reader: reader,
		ttl:    ttl,
		now:    time.Now,
		views:  make(map[string]DealView),
	}
}

// Get may return a cached view.
func (c *Cache) Get(ctx context.Context, dealID string) (DealView, error) {
	c.mu.RLock()
	v, ok := c.views[dealID]
	c.mu.RUnlock()
	if ok && !v.Stale(c.now()) {
		return v, nil
	}
	return c.Fresh(ctx, dealID)
}

// Fresh always reads the ledger and refreshes the cached view. State,
// stress mode, sequence and head hash all come from the same event list;
// name and the halt flag come from the deal row read just before it.
func (c *Cache) Fresh(ctx context.Context, dealID string) (DealView, error) {
	deal, err := c.reader.GetDeal(ctx, dealID)
	if err != nil {
		c.Invalidate(dealID)
		return DealView{}, err
	}
	events, err := c.reader.ListEvents(ctx, dealID)
	if err != nil {
		return DealView{}, err
	}

	v := DealView{
		id:         deal.ID,
		name:       deal.Name,
		state:      deal.State,
		stressMode: deal.StressMode,
		halted:     deal.AppendHalted,
		fetchedAt:  c.now(),
		maxAge:     c.ttl,
	}
	if n := len(events); n > 0 {
		head := events[n-1]
		v.sequence = head.Sequence
		v.headHash = head.Hash
		v.state = head.ToState
		v.stressMode = stressAt(events)
	}

	c.mu.Lock()
	c.views[dealID] = v
	c.mu.Unlock()
	return v, nil
}

func stressAt(events []types.Event) bool {
	stress := false
	for _, ev := range events {
		switch ev.Type {
		case types.EventStressModeRaised:
			stress = true
		case types.EventStressModeCleared:
			stress = false
		}
	}
	return stress
}

func (c *Cache) Invalidate(dealID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.views, dealID)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.views)
}
