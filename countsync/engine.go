package countsync

import (
	"context"
	"errors"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultSyncInterval = 5 * time.Second

// Engine is the client half of the sync protocol. Counts land in a pending
// queue and are applied optimistically to a local session mirror, so the
// terminal stays responsive offline. A background loop pushes the queue and
// pulls the authoritative snapshot on a fixed interval; a movement leaves
// the queue only after the server acknowledged the batch that carried it,
// so a failed push simply retries the same idempotent batch later.
type Engine struct {
	participantId int
	syncer        Syncer
	store         QueueStore
	interval      time.Duration
	logger        *logrus.Logger

	mu      sync.Mutex
	pending []*models.NewCountMovement
	items   []*models.ItemSnapshot
	index   map[string]int
	lastAt  time.Time
	lastErr error

	kick      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Snapshot is the engine state a terminal renders between syncs.
type Snapshot struct {
	Items        []*models.ItemSnapshot
	PendingCount int
	LastSyncAt   time.Time
	LastSyncErr  string
}

// NewEngine builds an engine for one participant. interval <= 0 falls back
// to SYNC_INTERVAL_SECONDS, then to 5s. store may be nil for a volatile
// queue.
func NewEngine(participantId int, syncer Syncer, store QueueStore, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = defaultSyncInterval
		if v := strings.TrimSpace(os.Getenv("SYNC_INTERVAL_SECONDS")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				interval = time.Duration(n) * time.Second
			}
		}
	}
	return &Engine{
		participantId: participantId,
		syncer:        syncer,
		store:         store,
		interval:      interval,
		logger:        config.GetLogger(),
		index:         map[string]int{},
		kick:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start restores the persisted queue and launches the sync loop.
func (e *Engine) Start(ctx context.Context) error {
	if e.store != nil {
		pending, err := e.store.Load()
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.pending = pending
		e.rebuildMirror(nil)
		e.mu.Unlock()
	}

	e.wg.Add(1)
	go e.loop(ctx)
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case <-ticker.C:
		case <-e.kick:
		}
		if err := e.syncOnce(ctx); err != nil {
			e.logger.WithFields(logrus.Fields{
				"participant_id": e.participantId,
			}).Warn("sync failed: ", err)
		}
	}
}

// Count enqueues one signed quantity delta and applies it to the mirror
// immediately. Returns the generated idempotency key.
func (e *Engine) Count(itemIdentifier string, qtyDelta decimal.Decimal) (string, error) {
	itemIdentifier = strings.TrimSpace(itemIdentifier)
	if itemIdentifier == "" {
		return "", errors.New("item identifier is required")
	}

	movement := &models.NewCountMovement{
		IdempotencyKey:  uuid.NewString(),
		ItemIdentifier:  itemIdentifier,
		QtyDelta:        qtyDelta,
		ClientTimestamp: time.Now().UTC(),
	}

	e.mu.Lock()
	e.pending = append(e.pending, movement)
	e.applyDelta(itemIdentifier, qtyDelta)
	e.mu.Unlock()

	e.persist()
	return movement.IdempotencyKey, nil
}

// ForceSync requests an immediate cycle without waiting for the ticker.
func (e *Engine) ForceSync() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the mirror for rendering.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	items := make([]*models.ItemSnapshot, len(e.items))
	for i, item := range e.items {
		clone := *item
		items[i] = &clone
	}
	snap := Snapshot{
		Items:        items,
		PendingCount: len(e.pending),
		LastSyncAt:   e.lastAt,
	}
	if e.lastErr != nil {
		snap.LastSyncErr = e.lastErr.Error()
	}
	return snap
}

// Close stops the loop and attempts one final push of whatever is still
// pending. The queue stays persisted either way.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() { close(e.done) })
	e.wg.Wait()
	return e.syncOnce(ctx)
}

// syncOnce pushes the current queue and swallows the returned snapshot.
// The batch is snapshotted before the request: counts recorded while the
// request is in flight stay pending for the next cycle.
func (e *Engine) syncOnce(ctx context.Context) error {
	e.mu.Lock()
	batch := make([]*models.NewCountMovement, len(e.pending))
	copy(batch, e.pending)
	e.mu.Unlock()

	resp, err := e.syncer.Sync(ctx, e.participantId, batch)
	if err != nil {
		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()
		return err
	}

	sent := make(map[string]bool, len(batch))
	for _, m := range batch {
		sent[m.IdempotencyKey] = true
	}

	e.mu.Lock()
	remaining := e.pending[:0]
	for _, m := range e.pending {
		if !sent[m.IdempotencyKey] {
			remaining = append(remaining, m)
		}
	}
	e.pending = remaining
	e.rebuildMirror(resp.Items)
	e.lastAt = time.Now()
	e.lastErr = nil
	e.mu.Unlock()

	e.persist()
	return nil
}

// rebuildMirror replaces the mirror with the server snapshot and re-applies
// the still-pending deltas on top. Callers hold e.mu.
func (e *Engine) rebuildMirror(serverItems []*models.ItemSnapshot) {
	e.items = make([]*models.ItemSnapshot, 0, len(serverItems))
	e.index = make(map[string]int, len(serverItems))
	for _, item := range serverItems {
		clone := *item
		e.index[clone.ItemIdentifier] = len(e.items)
		e.items = append(e.items, &clone)
	}
	for _, m := range e.pending {
		e.applyDelta(m.ItemIdentifier, m.QtyDelta)
	}
}

// applyDelta adds one delta to the mirror, creating an unregistered entry
// for identifiers the server has not reported yet. Callers hold e.mu.
func (e *Engine) applyDelta(itemIdentifier string, qtyDelta decimal.Decimal) {
	if idx, ok := e.index[itemIdentifier]; ok {
		e.items[idx].CountedQty = e.items[idx].CountedQty.Add(qtyDelta)
		return
	}
	e.index[itemIdentifier] = len(e.items)
	e.items = append(e.items, &models.ItemSnapshot{
		ItemIdentifier: itemIdentifier,
		ProductCode:    itemIdentifier,
		BaselineQty:    decimal.Zero,
		CountedQty:     qtyDelta,
		Unregistered:   true,
	})
}

func (e *Engine) persist() {
	if e.store == nil {
		return
	}
	e.mu.Lock()
	pending := make([]*models.NewCountMovement, len(e.pending))
	copy(pending, e.pending)
	e.mu.Unlock()

	if err := e.store.Save(pending); err != nil {
		config.LogError(e.logger, "engine.go", "persist", "save queue", e.participantId, err)
	}
}

// SortedItems returns the mirror ordered by identifier, for stable display.
func SortedItems(items []*models.ItemSnapshot) []*models.ItemSnapshot {
	out := make([]*models.ItemSnapshot, len(items))
	copy(out, items)
	sort.Slice(out, func(i, j int) bool {
		return out[i].ItemIdentifier < out[j].ItemIdentifier
	})
	return out
}
