package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-sync-stock/internal/models"
	"github.com/jmoiron/sqlx"
)

const cursorID = 1

// ChangeLog persists change events written by the source triggers and the
// singleton sync cursor. Both live next to the catalog in the source database
type ChangeLog struct {
	src          *Source
	queryTimeout time.Duration
	chunkSize    int
	logger       *slog.Logger
	now          func() time.Time
}

func NewChangeLog(src *Source, queryTimeout time.Duration, chunkSize int, logger *slog.Logger) *ChangeLog {
	if chunkSize <= 0 {
		chunkSize = DefaultKeyChunkSize
	}
	return &ChangeLog{
		src:          src,
		queryTimeout: queryTimeout,
		chunkSize:    chunkSize,
		logger:       logger,
		now:          time.Now,
	}
}

// EnsureSchema creates SYNC_CHANGE_LOG and SYNC_CURSOR when they are missing and seeds
// the cursor row. Safe to run on every startup
func (c *ChangeLog) EnsureSchema(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.src.db.PingContext(opCtx); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrStorage, err)
	}

	d := c.src.dialect
	steps := []struct {
		table string
		ddl   []string
	}{
		{table: "SYNC_CHANGE_LOG", ddl: []string{d.changeLog, d.changeIndex}},
		{table: "SYNC_CURSOR", ddl: []string{d.cursor}},
	}

	for _, step := range steps {
		exists, err := c.tableExists(opCtx, step.table)
		if err != nil {
			return fmt.Errorf("%w: inspect %s: %w", ErrStorage, step.table, err)
		}
		if exists {
			continue
		}
		for _, ddl := range step.ddl {
			if _, err := c.src.db.ExecContext(opCtx, ddl); err != nil {
				return fmt.Errorf("%w: create %s: %w", ErrStorage, step.table, err)
			}
		}
		c.logger.Info("Created change tracking table", "table", step.table, "dialect", d.Name)
	}

	var n int
	if err := c.src.db.GetContext(opCtx, &n, c.src.rebind(`SELECT COUNT(*) FROM SYNC_CURSOR WHERE ID = ?`), cursorID); err != nil {
		return fmt.Errorf("%w: read cursor: %w", ErrStorage, err)
	}
	if n == 0 {
		_, err := c.src.db.ExecContext(opCtx,
			c.src.rebind(`INSERT INTO SYNC_CURSOR (ID, LAST_SYNC_TIME, LAST_SYNC_COUNT) VALUES (?, NULL, 0)`), cursorID)
		if err != nil {
			return fmt.Errorf("%w: seed cursor: %w", ErrStorage, err)
		}
	}

	return nil
}

func (c *ChangeLog) tableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := c.src.db.GetContext(ctx, &n, c.src.rebind(c.src.dialect.tableExists), c.src.dialect.foldName(table))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordChange appends a change event. It never fails the caller: the source write
// path must not be blocked by change logging, so errors are only logged
func (c *ChangeLog) RecordChange(ctx context.Context, code int, op models.Operation) {
	if _, ok := models.ParseOperation(string(op)); !ok {
		c.logger.Warn("Ignoring change with unknown operation", "code", code, "operation", op)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	_, err := c.src.db.ExecContext(opCtx,
		c.src.rebind(`INSERT INTO SYNC_CHANGE_LOG (ITEM_CODE, OPERATION, CHANGED_AT, PROCESSED) VALUES (?, ?, ?, 0)`),
		code, string(op), c.now().UTC(),
	)
	if err != nil {
		c.logger.Error("Failed to record change event", "op", "record_change", "code", code, "operation", op, "error", err)
	}
}

// PendingChanges returns every unprocessed event, oldest first
func (c *ChangeLog) PendingChanges(ctx context.Context) ([]models.ChangeEvent, error) {
	start := time.Now()
	opCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	rows, err := c.src.db.QueryxContext(opCtx, `
		SELECT ID, ITEM_CODE, OPERATION, CHANGED_AT
		FROM SYNC_CHANGE_LOG
		WHERE PROCESSED = 0
		ORDER BY CHANGED_AT ASC, ID ASC`)
	if err != nil {
		err = classify(ctx, "pending_changes", err)
		c.logger.Error("Failed to read pending changes", "op", "pending_changes", "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return nil, err
	}
	defer rows.Close()

	events := []models.ChangeEvent{}
	for rows.Next() {
		var (
			e  models.ChangeEvent
			op string
		)
		if err := rows.Scan(&e.ID, &e.Code, &op, &e.ChangedAt); err != nil {
			return nil, classify(ctx, "pending_changes: scan", err)
		}
		parsed, ok := models.ParseOperation(op)
		if !ok {
			c.logger.Warn("Change event with unknown operation tag, treating as UPDATE", "id", e.ID, "operation", op)
			parsed = models.OpUpdate
		}
		e.Operation = parsed
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(ctx, "pending_changes", err)
	}

	return events, nil
}

// PendingCount returns the size of the unprocessed backlog
func (c *ChangeLog) PendingCount(ctx context.Context) (int, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	var n int
	if err := c.src.db.GetContext(opCtx, &n, `SELECT COUNT(*) FROM SYNC_CHANGE_LOG WHERE PROCESSED = 0`); err != nil {
		return 0, classify(ctx, "pending_count", err)
	}
	return n, nil
}

// MarkProcessed flips the given events to processed inside a single transaction.
// Either every id is marked or none is
func (c *ChangeLog) MarkProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	tx, err := c.src.db.BeginTxx(opCtx, c.src.txOptions())
	if err != nil {
		return classify(ctx, "mark_processed: begin", err)
	}
	// Rollback is a no-op once Commit succeeded
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			c.logger.Warn("Rollback after failed mark_processed also failed", "error", rbErr)
		}
	}()

	for _, part := range chunk(ids, c.chunkSize) {
		query, args, err := sqlx.In(`UPDATE SYNC_CHANGE_LOG SET PROCESSED = 1 WHERE ID IN (?)`, part)
		if err != nil {
			return fmt.Errorf("%w: mark_processed: build query: %w", ErrDataAccess, err)
		}
		if _, err := tx.ExecContext(opCtx, tx.Rebind(query), args...); err != nil {
			err = classify(ctx, "mark_processed", err)
			c.logger.Error("Failed to mark change events", "op", "mark_processed", "count", len(ids), "error", err)
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(ctx, "mark_processed: commit", err)
	}
	return nil
}

// Cursor reads the singleton sync cursor
func (c *ChangeLog) Cursor(ctx context.Context) (models.SyncCursor, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	var (
		last  sql.NullTime
		count int
	)
	err := c.src.db.QueryRowxContext(opCtx,
		c.src.rebind(`SELECT LAST_SYNC_TIME, LAST_SYNC_COUNT FROM SYNC_CURSOR WHERE ID = ?`), cursorID,
	).Scan(&last, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SyncCursor{}, nil
	}
	if err != nil {
		return models.SyncCursor{}, classify(ctx, "get_cursor", err)
	}

	cur := models.SyncCursor{LastSyncCount: count}
	if last.Valid {
		t := last.Time
		cur.LastSyncTime = &t
	}
	return cur, nil
}

// SetCursor stores the time and record count of the last completed cycle
func (c *ChangeLog) SetCursor(ctx context.Context, at time.Time, count int) error {
	opCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	res, err := c.src.db.ExecContext(opCtx,
		c.src.rebind(`UPDATE SYNC_CURSOR SET LAST_SYNC_TIME = ?, LAST_SYNC_COUNT = ? WHERE ID = ?`),
		at.UTC(), count, cursorID,
	)
	if err != nil {
		return classify(ctx, "set_cursor", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = c.src.db.ExecContext(opCtx,
		c.src.rebind(`INSERT INTO SYNC_CURSOR (ID, LAST_SYNC_TIME, LAST_SYNC_COUNT) VALUES (?, ?, ?)`),
		cursorID, at.UTC(), count,
	)
	if err != nil {
		return classify(ctx, "set_cursor: insert", err)
	}
	return nil
}
