package notify

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists notifications in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed notification store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const notificationColumns = `id, recipient, type, offer_id, actor, read_at, created_at`

func (p *PostgresStore) Create(ctx context.Context, n *Notification) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient, type, offer_id, actor, read_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.Recipient, n.Type, n.OfferID, n.Actor, nullTime(n.ReadAt), n.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Notification, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	return scanNotification(row)
}

func (p *PostgresStore) ListByRecipient(ctx context.Context, wallet string, unreadOnly bool, limit int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE recipient = $1`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`

	args := []interface{}{wallet}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkRead(ctx context.Context, id, wallet string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE notifications SET read_at = COALESCE(read_at, NOW())
		WHERE id = $1 AND recipient = $2`,
		id, wallet,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row scanner) (*Notification, error) {
	var (
		n      Notification
		actor  sql.NullString
		readAt sql.NullTime
	)
	err := row.Scan(&n.ID, &n.Recipient, &n.Type, &n.OfferID, &actor, &readAt, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotificationNotFound
	}
	if err != nil {
		return nil, err
	}
	n.Actor = actor.String
	if readAt.Valid {
		t := readAt.Time
		n.ReadAt = &t
	}
	return &n, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
