package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/farepass/config"
	"github.com/lvdashuaibi/farepass/internal/model"
)

var ErrTicketNotFound = errors.New("ticket not found")

const Schema = `
CREATE TABLE IF NOT EXISTS tickets (
	id           BIGINT AUTO_INCREMENT PRIMARY KEY,
	holder_id    VARCHAR(64) NOT NULL,
	trip_id      VARCHAR(64) NOT NULL,
	issued_at    DATETIME(3) NOT NULL,
	expires_at   DATETIME(3) NOT NULL,
	credential   TEXT NULL,
	is_validated TINYINT(1) NOT NULL DEFAULT 0,
	validated_by VARCHAR(64) NULL,
	validated_at DATETIME(3) NULL,
	is_expired   TINYINT(1) NOT NULL DEFAULT 0,
	expired_at   DATETIME(3) NULL,
	is_paid      TINYINT(1) NOT NULL DEFAULT 0,
	paid_at      DATETIME(3) NULL,
	KEY idx_tickets_holder (holder_id, issued_at),
	KEY idx_tickets_validator (validated_by, validated_at),
	KEY idx_tickets_expirable (is_validated, is_expired, expires_at)
)`

const ticketColumns = `id, holder_id, trip_id, issued_at, expires_at, credential,
	is_validated, validated_by, validated_at, is_expired, expired_at, is_paid, paid_at`

// LedgerRepository MySQL票据账本. is_validated 和 is_expired 只能单向置位,
// 由每条UPDATE的WHERE条件保证
type LedgerRepository struct {
	db      *sql.DB
	timeout time.Duration
}

// NewLedgerRepository 创建MySQL仓库
func NewLedgerRepository(ctx context.Context, cfg config.MySQLConfig) (*LedgerRepository, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	return NewLedgerRepositoryWithDB(db, cfg.QueryTimeout), nil
}

func NewLedgerRepositoryWithDB(db *sql.DB, timeout time.Duration) *LedgerRepository {
	return &LedgerRepository{db: db, timeout: timeout}
}

// EnsureSchema 创建票据表
func (r *LedgerRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create tickets table: %w", err)
	}
	return nil
}

func (r *LedgerRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Create 插入不带凭证的票据
func (r *LedgerRepository) Create(ctx context.Context, holderID, tripID string, issuedAt time.Time, ttl time.Duration) (*model.Ticket, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	expiresAt := issuedAt.Add(ttl)
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO tickets (holder_id, trip_id, issued_at, expires_at) VALUES (?, ?, ?, ?)",
		holderID, tripID, issuedAt, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("insert ticket: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read ticket id: %w", err)
	}

	return &model.Ticket{
		ID:        id,
		HolderID:  holderID,
		TripID:    tripID,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

// AttachCredential 保存票据的凭证
func (r *LedgerRepository) AttachCredential(ctx context.Context, ticketID int64, credential string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, "UPDATE tickets SET credential = ? WHERE id = ?", credential, ticketID)
	if err != nil {
		return fmt.Errorf("attach credential to ticket %d: %w", ticketID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach credential to ticket %d: %w", ticketID, err)
	}
	if n == 0 {
		return ErrTicketNotFound
	}
	return nil
}

// MarkValidated 票据未核验且未过期时置位 is_validated.
// 返回更新后的行以及本次调用是否完成置位
func (r *LedgerRepository) MarkValidated(ctx context.Context, ticketID int64, validatorID string, at time.Time) (*model.Ticket, bool, error) {
	return r.latch(ctx, ticketID,
		"UPDATE tickets SET is_validated = 1, validated_by = ?, validated_at = ? WHERE id = ? AND is_validated = 0 AND is_expired = 0",
		validatorID, at, ticketID)
}

// MarkExpired 票据未核验且未过期时置位 is_expired
func (r *LedgerRepository) MarkExpired(ctx context.Context, ticketID int64, at time.Time) (*model.Ticket, bool, error) {
	return r.latch(ctx, ticketID,
		"UPDATE tickets SET is_expired = 1, expired_at = ? WHERE id = ? AND is_validated = 0 AND is_expired = 0",
		at, ticketID)
}

// MarkPaid 置位 is_paid
func (r *LedgerRepository) MarkPaid(ctx context.Context, ticketID int64, at time.Time) (*model.Ticket, bool, error) {
	return r.latch(ctx, ticketID,
		"UPDATE tickets SET is_paid = 1, paid_at = ? WHERE id = ? AND is_paid = 0",
		at, ticketID)
}

func (r *LedgerRepository) latch(ctx context.Context, ticketID int64, query string, args ...interface{}) (*model.Ticket, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("update ticket %d: %w", ticketID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("update ticket %d: %w", ticketID, err)
	}

	t, err := r.get(ctx, ticketID)
	if err != nil {
		return nil, false, err
	}
	return t, n > 0, nil
}

// Delete 删除票据, 只用于签发回滚
func (r *LedgerRepository) Delete(ctx context.Context, ticketID int64) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, "DELETE FROM tickets WHERE id = ?", ticketID); err != nil {
		return fmt.Errorf("delete ticket %d: %w", ticketID, err)
	}
	return nil
}

// Get 获取票据
func (r *LedgerRepository) Get(ctx context.Context, ticketID int64) (*model.Ticket, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.get(ctx, ticketID)
}

func (r *LedgerRepository) get(ctx context.Context, ticketID int64) (*model.Ticket, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+ticketColumns+" FROM tickets WHERE id = ?", ticketID)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket %d: %w", ticketID, err)
	}
	return t, nil
}

// ListByHolder 持票人的票据, 按签发时间倒序
func (r *LedgerRepository) ListByHolder(ctx context.Context, holderID string) ([]*model.Ticket, error) {
	return r.list(ctx, "SELECT "+ticketColumns+" FROM tickets WHERE holder_id = ? ORDER BY issued_at DESC", holderID)
}

// ListValidatedBy 核验员核验过的票据, 按核验时间倒序
func (r *LedgerRepository) ListValidatedBy(ctx context.Context, validatorID string) ([]*model.Ticket, error) {
	return r.list(ctx, "SELECT "+ticketColumns+" FROM tickets WHERE validated_by = ? AND is_validated = 1 ORDER BY validated_at DESC", validatorID)
}

func (r *LedgerRepository) list(ctx context.Context, query string, args ...interface{}) ([]*model.Ticket, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*model.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tickets: %w", err)
	}
	return tickets, nil
}

// FindExpirable 返回最多limit个在cutoff之前过期且未核验未过期的票据ID
func (r *LedgerRepository) FindExpirable(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		"SELECT id FROM tickets WHERE is_validated = 0 AND is_expired = 0 AND expires_at < ? ORDER BY id LIMIT ?",
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query expirable tickets: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ticket id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expirable tickets: %w", err)
	}
	return ids, nil
}

// Close 关闭数据库连接
func (r *LedgerRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row rowScanner) (*model.Ticket, error) {
	var (
		t           model.Ticket
		credential  sql.NullString
		validatedBy sql.NullString
		validatedAt sql.NullTime
		expiredAt   sql.NullTime
		paidAt      sql.NullTime
	)
	err := row.Scan(
		&t.ID,
		&t.HolderID,
		&t.TripID,
		&t.IssuedAt,
		&t.ExpiresAt,
		&credential,
		&t.IsValidated,
		&validatedBy,
		&validatedAt,
		&t.IsExpired,
		&expiredAt,
		&t.IsPaid,
		&paidAt,
	)
	if err != nil {
		return nil, err
	}

	if credential.Valid {
		t.Credential = &credential.String
	}
	if validatedBy.Valid {
		t.ValidatedBy = &validatedBy.String
	}
	if validatedAt.Valid {
		t.ValidatedAt = &validatedAt.Time
	}
	if expiredAt.Valid {
		t.ExpiredAt = &expiredAt.Time
	}
	if paidAt.Valid {
		t.PaidAt = &paidAt.Time
	}
	return &t, nil
}
