// Package replication drains the event store's change log into the durable
// store. Delivery is at-least-once; every write is an idempotent natural-key
// upsert, and the per-worker checkpoint advances in the same transaction as
// the writes it certifies, so the observable effect is exactly-once.
package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/ordersync-api/internal/eventstore"
	"github.com/ksred/ordersync-api/internal/types"
)

const (
	defaultBatchSize    = 500
	defaultPollInterval = 250 * time.Millisecond
)

// Replicator replays change-log entries into the durable store under a
// DB-backed checkpoint. Multiple replicators may drain the same log at
// independent positions by using distinct worker ids.
type Replicator struct {
	store        *eventstore.Store
	db           *gorm.DB
	workerID     string
	batchSize    int
	pollInterval time.Duration
	lastSeq      int64
	logger       zerolog.Logger
	done         chan struct{}
}

// NewReplicator creates a replicator and loads (or creates) its checkpoint
// row, so the in-memory cursor resumes exactly where the durable store
// left off.
func NewReplicator(store *eventstore.Store, db *gorm.DB, workerID string) (*Replicator, error) {
	r := &Replicator{
		store:        store,
		db:           db,
		workerID:     workerID,
		batchSize:    defaultBatchSize,
		pollInterval: defaultPollInterval,
		logger:       log.With().Str("component", "replicator").Str("worker_id", workerID).Logger(),
		done:         make(chan struct{}),
	}

	cp := Checkpoint{WorkerID: workerID, LastSeq: CheckpointSentinel}
	if err := db.Where(Checkpoint{WorkerID: workerID}).FirstOrCreate(&cp).Error; err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	r.lastSeq = cp.LastSeq

	return r, nil
}

// LastSeq returns the in-memory cursor (the last durably applied sequence).
func (r *Replicator) LastSeq() int64 {
	return r.lastSeq
}

// Wait blocks until the Start loop has fully exited. Callers must wait
// before issuing their own DrainOnce: the cursor is not synchronized, so
// only one drain loop may run at a time.
func (r *Replicator) Wait() {
	<-r.done
}

// Start runs the drain loop until the context is cancelled, then signals
// Wait. Cycles that make progress are followed immediately by another; idle
// cycles sleep the poll interval. A failed cycle is logged and treated as
// zero progress. Start must be called at most once.
func (r *Replicator) Start(ctx context.Context) {
	defer close(r.done)
	r.logger.Info().Msg("starting replicator")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("shutting down replicator")
			return
		default:
		}

		applied, err := r.DrainOnce()
		if err != nil {
			r.logger.Error().Err(err).Msg("drain cycle failed; will retry")
			applied = 0
		}

		if applied == 0 {
			select {
			case <-ctx.Done():
				r.logger.Info().Msg("shutting down replicator")
				return
			case <-time.After(r.pollInterval):
			}
		}
	}
}

// DrainOnce processes up to batchSize log entries in one durable transaction
// and returns the number of entries applied. If any handler fails the whole
// transaction is rolled back and the checkpoint stays put, so the next cycle
// retries the identical batch.
func (r *Replicator) DrainOnce() (int, error) {
	entries := r.store.Logs(r.lastSeq, r.batchSize)
	if len(entries) == 0 {
		return 0, nil
	}

	applied := 0
	maxSeq := r.lastSeq

	err := r.db.Transaction(func(tx *gorm.DB) error {
		// Ensure the checkpoint row exists within the transaction.
		cp := Checkpoint{WorkerID: r.workerID, LastSeq: CheckpointSentinel}
		if err := tx.Where(Checkpoint{WorkerID: r.workerID}).FirstOrCreate(&cp).Error; err != nil {
			return fmt.Errorf("failed to ensure checkpoint: %w", err)
		}

		for _, entry := range entries {
			handled, err := r.applyEvent(tx, entry)
			if err != nil {
				return fmt.Errorf("failed to apply event_type=%s seq=%d: %w", entry.EventType, entry.Seq, err)
			}

			if handled {
				applied++
			} else {
				// Unknown/unsupported event; don't block the stream.
				r.logger.Warn().
					Str("event_type", entry.EventType).
					Int64("seq", entry.Seq).
					Msg("skipped unknown event")
			}

			if entry.Seq > maxSeq {
				maxSeq = entry.Seq
			}
		}

		// Advance the checkpoint atomically with the data writes.
		return tx.Model(&Checkpoint{}).
			Where("worker_id = ?", r.workerID).
			Update("last_seq", maxSeq).Error
	})
	if err != nil {
		return 0, err
	}

	// Only after a successful commit does the in-memory cursor move.
	r.lastSeq = maxSeq
	return applied, nil
}

// applyEvent dispatches one log entry. Returns (false, nil) for unknown event
// types so the cursor can advance past them without counting them as applied.
func (r *Replicator) applyEvent(tx *gorm.DB, entry types.LogEntry) (bool, error) {
	switch entry.EventType {
	case types.EventOrderAdded, types.EventOrderUpdated:
		return r.persistOrder(tx, entry.Payload)

	case types.EventFillAdded:
		return r.persistFill(tx, entry.Payload)

	case types.EventAuditLog:
		return true, r.appendAudit(tx, entry)

	case types.EventPositionUpsert, types.EventPositionDeleted, types.EventAccountValueSet:
		// Acknowledged but not yet persisted; forward-compatible placeholder.
		return true, nil

	default:
		return false, nil
	}
}

// persistOrder upserts the order row from the authoritative in-memory
// snapshot. Reading the current snapshot instead of the logged delta makes
// replays and reordering within a batch safe: the latest state wins.
func (r *Replicator) persistOrder(tx *gorm.DB, payload map[string]any) (bool, error) {
	orderID, ok := payloadInt64(payload, "order_id")
	if !ok || orderID == 0 {
		r.logger.Warn().Interface("payload", payload).Msg("order event missing order_id")
		return false, nil
	}

	rec, ok := r.store.GetOrder(orderID)
	if !ok {
		r.logger.Warn().Int64("order_id", orderID).Msg("in-memory order not found; skipping")
		return false, nil
	}

	row := Order{
		OrderID:       rec.OrderID,
		BrokerOrderID: rec.BrokerOrderID,
		PermID:        rec.PermID,
		AssetClass:    rec.AssetClass,
		Symbol:        rec.Symbol,
		Side:          rec.Side,
		Quantity:      rec.Quantity,
		OrderType:     rec.OrderType,
		Price:         rec.Price,
		TimeInForce:   rec.TimeInForce,
		Status:        rec.Status,
		AvgPrice:      rec.AvgPrice,
		FilledQty:     rec.FilledQty,
		Commission:    rec.Commission,
		CommissionCcy: rec.CommissionCcy,
		RealizedPnL:   rec.RealizedPnL,
		Message:       rec.Message,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if row.Status == "" {
		row.Status = types.StatusSubmitted
	}

	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return false, fmt.Errorf("failed to upsert order %d: %w", orderID, err)
	}

	return true, nil
}

// persistFill gets-or-creates the fill row keyed by (order_id, exec_id) and
// refreshes the parent order's aggregates, preferring hints from the
// in-memory snapshot and falling back to a VWAP recompute over the durable
// fills when a new row was actually inserted.
func (r *Replicator) persistFill(tx *gorm.DB, payload map[string]any) (bool, error) {
	fillID, okFill := payloadInt64(payload, "fill_id")
	orderID, okOrder := payloadInt64(payload, "order_id")
	if !okFill || !okOrder || fillID == 0 || orderID == 0 {
		r.logger.Warn().Interface("payload", payload).Msg("fill event missing fill_id/order_id")
		return false, nil
	}

	fill, ok := r.store.GetFill(fillID)
	if !ok {
		r.logger.Warn().Int64("fill_id", fillID).Msg("in-memory fill not found; skipping")
		return false, nil
	}

	// Ensure the order row exists and is current before inserting the fill.
	if _, err := r.persistOrder(tx, map[string]any{"order_id": orderID}); err != nil {
		return false, err
	}

	var order Order
	if err := tx.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			r.logger.Warn().Int64("order_id", orderID).Msg("durable order missing for fill; skipping")
			return false, nil
		}
		return false, err
	}

	execID := fill.ExecID
	if execID == "" {
		// Guarantee (order_id, exec_id) uniqueness even without a broker id.
		execID = strconv.FormatInt(fillID, 10)
	}

	row := Fill{
		OrderID:       orderID,
		ExecID:        execID,
		Price:         fill.Price,
		FilledQty:     fill.FilledQty,
		Symbol:        coalesce(fill.Symbol, order.Symbol),
		Side:          coalesce(fill.Side, order.Side),
		Time:          fill.Time,
		BrokerOrderID: fill.BrokerOrderID,
		PermID:        fill.PermID,
		CreatedAt:     fill.CreatedAt,
	}
	if row.BrokerOrderID == 0 {
		row.BrokerOrderID = order.BrokerOrderID
	}

	res := tx.Where("order_id = ? AND exec_id = ?", orderID, execID).FirstOrCreate(&row)
	if res.Error != nil {
		return false, fmt.Errorf("failed to get-or-create fill (%d, %s): %w", orderID, execID, res.Error)
	}
	created := res.RowsAffected > 0

	// Refresh cached aggregates from the in-memory snapshot, if provided.
	rec, _ := r.store.GetOrder(orderID)
	updates := map[string]any{}
	if rec.FilledQty != 0 {
		updates["filled_qty"] = rec.FilledQty
	}
	if rec.AvgPrice != 0 {
		updates["avg_price"] = rec.AvgPrice
	}
	if rec.Status != "" {
		updates["status"] = rec.Status
	}

	// No average-price hint and a brand-new fill: recompute from the
	// durable fills.
	if rec.AvgPrice == 0 && created {
		var agg struct {
			Total   float64
			VwapNum float64
		}
		err := tx.Model(&Fill{}).
			Select("COALESCE(SUM(filled_qty), 0) AS total, COALESCE(SUM(price * filled_qty), 0) AS vwap_num").
			Where("order_id = ?", orderID).
			Scan(&agg).Error
		if err != nil {
			return false, fmt.Errorf("failed to aggregate fills for order %d: %w", orderID, err)
		}

		updates["filled_qty"] = agg.Total
		if agg.Total > 0 {
			updates["avg_price"] = agg.VwapNum / agg.Total
		}
	}

	if len(updates) > 0 {
		if err := tx.Model(&Order{}).Where("order_id = ?", orderID).Updates(updates).Error; err != nil {
			return false, fmt.Errorf("failed to update order aggregates for %d: %w", orderID, err)
		}
	}

	return true, nil
}

// appendAudit writes an audit row carrying the raw payload.
func (r *Replicator) appendAudit(tx *gorm.DB, entry types.LogEntry) error {
	raw, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}

	row := AuditLog{
		SeqHint:   entry.Seq,
		EventType: entry.EventType,
		Payload:   string(raw),
	}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append audit row: %w", err)
	}
	return nil
}

// payloadInt64 reads an integer payload field regardless of whether it
// arrives as an in-process int64 or a JSON-decoded float64.
func payloadInt64(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
