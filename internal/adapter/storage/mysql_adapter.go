package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rl1809/lab-store/internal/core/domain"
	"github.com/rl1809/lab-store/internal/port"
)

var ErrOptimisticLock = errors.New("optimistic lock conflict")

const schema = `
CREATE TABLE IF NOT EXISTS stock_items (
	id         VARCHAR(64)  NOT NULL PRIMARY KEY,
	name       VARCHAR(255) NOT NULL DEFAULT '',
	model      VARCHAR(255) NOT NULL DEFAULT '',
	kind       VARCHAR(32)  NOT NULL,
	total      INT UNSIGNED NOT NULL DEFAULT 0,
	available  INT UNSIGNED NOT NULL DEFAULT 0,
	reserved   INT UNSIGNED NOT NULL DEFAULT 0,
	version    INT          NOT NULL DEFAULT 0,
	created_at DATETIME(6)  NOT NULL,
	updated_at DATETIME(6)  NOT NULL,
	CONSTRAINT chk_stock_ledger CHECK (available + reserved <= total)
);

CREATE TABLE IF NOT EXISTS requests (
	id                    VARCHAR(36)  NOT NULL PRIMARY KEY,
	actor_id              VARCHAR(64)  NOT NULL,
	actor_role            VARCHAR(32)  NOT NULL,
	reason                TEXT         NOT NULL,
	duration              VARCHAR(64)  NOT NULL DEFAULT '',
	details               JSON         NOT NULL,
	line_items            JSON         NOT NULL,
	status                VARCHAR(32)  NOT NULL,
	approved              BOOLEAN      NOT NULL DEFAULT FALSE,
	approved_by           VARCHAR(64)  NULL,
	approved_at           DATETIME(6)  NULL,
	allocation_expires_at DATETIME(6)  NULL,
	dispatched            BOOLEAN      NOT NULL DEFAULT FALSE,
	dispatched_at         DATETIME(6)  NULL,
	returned              BOOLEAN      NOT NULL DEFAULT FALSE,
	returned_at           DATETIME(6)  NULL,
	return_note           TEXT         NULL,
	version               INT          NOT NULL DEFAULT 0,
	created_at            DATETIME(6)  NOT NULL,
	updated_at            DATETIME(6)  NOT NULL,
	INDEX idx_requests_status (status),
	INDEX idx_requests_approved (approved, created_at)
);`

const (
	stockItemColumns = `id, name, model, kind, total, available, reserved, version, created_at, updated_at`
	requestColumns   = `id, actor_id, actor_role, reason, duration, details, line_items, status,
		approved, approved_by, approved_at, allocation_expires_at, dispatched, dispatched_at,
		returned, returned_at, return_note, version, created_at, updated_at`
)

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// Migrate creates the tables if they do not exist yet.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type mysqlTx struct {
	tx *sql.Tx
}

func (m *MySQLAdapter) WithinTx(ctx context.Context, fn func(tx port.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&mysqlTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (t *mysqlTx) GetRequestForUpdate(ctx context.Context, id string) (*domain.Request, error) {
	return getRequest(ctx, t.tx, `SELECT `+requestColumns+` FROM requests WHERE id = ? FOR UPDATE`, id)
}

func (t *mysqlTx) GetStockItemForUpdate(ctx context.Context, id string) (*domain.StockItem, error) {
	return getStockItem(ctx, t.tx, `SELECT `+stockItemColumns+` FROM stock_items WHERE id = ? FOR UPDATE`, id)
}

func (t *mysqlTx) UpdateRequest(ctx context.Context, req domain.Request) error {
	lines, err := json.Marshal(req.Lines)
	if err != nil {
		return fmt.Errorf("encode lines: %w", err)
	}

	result, err := t.tx.ExecContext(ctx, `
		UPDATE requests
		SET line_items = ?, status = ?, approved = ?, approved_by = ?, approved_at = ?,
			allocation_expires_at = ?, dispatched = ?, dispatched_at = ?, returned = ?,
			returned_at = ?, return_note = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		lines, req.Status, req.Approved, nullString(req.ApprovedBy), nullTime(req.ApprovedAt),
		nullTime(req.AllocationExpiresAt), req.Dispatched, nullTime(req.DispatchedAt), req.Returned,
		nullTime(req.ReturnedAt), nullString(req.ReturnNote), req.UpdatedAt,
		req.ID, req.Version,
	)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOptimisticLock
	}
	return nil
}

func (t *mysqlTx) UpdateStockItem(ctx context.Context, item domain.StockItem) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE stock_items
		SET total = ?, available = ?, reserved = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		item.Total, item.Available, item.Reserved, item.UpdatedAt,
		item.ID, item.Version,
	)
	if err != nil {
		return fmt.Errorf("update stock item: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOptimisticLock
	}
	return nil
}

func (m *MySQLAdapter) CreateRequest(ctx context.Context, req domain.Request) error {
	lines, err := json.Marshal(req.Lines)
	if err != nil {
		return fmt.Errorf("encode lines: %w", err)
	}
	details, err := json.Marshal(req.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ActorID, req.ActorRole, req.Reason, req.Duration, details, lines, req.Status,
		req.Approved, nullString(req.ApprovedBy), nullTime(req.ApprovedAt), nullTime(req.AllocationExpiresAt),
		req.Dispatched, nullTime(req.DispatchedAt), req.Returned, nullTime(req.ReturnedAt),
		nullString(req.ReturnNote), req.Version, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	return getRequest(ctx, m.db, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
}

func (m *MySQLAdapter) ListRequests(ctx context.Context, filter port.RequestFilter) ([]domain.Request, error) {
	var (
		where []string
		args  []any
	)
	if filter.Approved != nil {
		where = append(where, "approved = ?")
		args = append(args, *filter.Approved)
	}
	if len(filter.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Statuses)), ",")
		where = append(where, "status IN ("+placeholders+")")
		for _, s := range filter.Statuses {
			args = append(args, s)
		}
	}

	query := `SELECT ` + requestColumns + ` FROM requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var out []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return out, nil
}

func (m *MySQLAdapter) GetStockItem(ctx context.Context, id string) (*domain.StockItem, error) {
	return getStockItem(ctx, m.db, `SELECT `+stockItemColumns+` FROM stock_items WHERE id = ?`, id)
}

func (m *MySQLAdapter) PutStockItem(ctx context.Context, item domain.StockItem) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO stock_items (`+stockItemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON DUPLICATE KEY UPDATE
			name = VALUES(name), model = VALUES(model), kind = VALUES(kind),
			total = VALUES(total), available = VALUES(available), reserved = VALUES(reserved),
			version = version + 1, updated_at = VALUES(updated_at)`,
		item.ID, item.Name, item.Model, item.Kind, item.Total, item.Available, item.Reserved,
		item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert stock item: %w", err)
	}
	return nil
}

func getStockItem(ctx context.Context, q queryer, query, id string) (*domain.StockItem, error) {
	var item domain.StockItem
	err := q.QueryRowContext(ctx, query, id).Scan(
		&item.ID, &item.Name, &item.Model, &item.Kind, &item.Total, &item.Available,
		&item.Reserved, &item.Version, &item.CreatedAt, &item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query stock item: %w", err)
	}
	return &item, nil
}

func getRequest(ctx context.Context, q queryer, query, id string) (*domain.Request, error) {
	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query request: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query request: %w", err)
		}
		return nil, nil
	}
	return scanRequest(rows)
}

func scanRequest(rows *sql.Rows) (*domain.Request, error) {
	var (
		req                                                     domain.Request
		details, lines                                          []byte
		approvedBy, returnNote                                  sql.NullString
		approvedAt, expiresAt, dispatchedAt, returnedAt         sql.NullTime
	)
	err := rows.Scan(
		&req.ID, &req.ActorID, &req.ActorRole, &req.Reason, &req.Duration, &details, &lines, &req.Status,
		&req.Approved, &approvedBy, &approvedAt, &expiresAt, &req.Dispatched, &dispatchedAt,
		&req.Returned, &returnedAt, &returnNote, &req.Version, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan request: %w", err)
	}

	if err := json.Unmarshal(lines, &req.Lines); err != nil {
		return nil, fmt.Errorf("decode lines of %s: %w", req.ID, err)
	}
	if err := json.Unmarshal(details, &req.Details); err != nil {
		return nil, fmt.Errorf("decode details of %s: %w", req.ID, err)
	}
	req.ApprovedBy = approvedBy.String
	req.ReturnNote = returnNote.String
	req.ApprovedAt = timePtr(approvedAt)
	req.AllocationExpiresAt = timePtr(expiresAt)
	req.DispatchedAt = timePtr(dispatchedAt)
	req.ReturnedAt = timePtr(returnedAt)
	return &req, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
