package offers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mkarlsen/swapdesk/internal/assets"
)

// PostgresStore persists offers in PostgreSQL. Bundles are stored as JSONB;
// the offer_assets side table indexes asset keys for exclusivity queries.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const offerColumns = `id, user_a, user_b, bundle_a, bundle_b, status, turn_holder,
		      trade_id, chain_id, accepted_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, offer *Offer) error {
	bundleA, bundleB, err := marshalBundles(offer)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO offers (
			id, user_a, user_b, bundle_a, bundle_b, status, turn_holder,
			trade_id, chain_id, accepted_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		offer.ID, offer.UserA, offer.UserB, bundleA, bundleB,
		string(offer.Status), offer.TurnHolder, nullString(offer.TradeID),
		offer.ChainID, nullTime(offer.AcceptedAt), offer.CreatedAt, offer.UpdatedAt,
	)
	if err != nil {
		return err
	}

	if err := insertAssetKeys(ctx, tx, offer); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)

	offer, err := scanOffer(row)
	if err == sql.ErrNoRows {
		return nil, ErrOfferNotFound
	}
	return offer, err
}

func (p *PostgresStore) Update(ctx context.Context, offer *Offer) error {
	bundleA, bundleB, err := marshalBundles(offer)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE offers SET
			bundle_a = $1, bundle_b = $2, status = $3, turn_holder = $4,
			trade_id = $5, accepted_at = $6, updated_at = $7
		WHERE id = $8`,
		bundleA, bundleB, string(offer.Status), offer.TurnHolder,
		nullString(offer.TradeID), nullTime(offer.AcceptedAt), offer.UpdatedAt, offer.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOfferNotFound
	}

	// Bundles may have changed; rebuild the asset key index.
	if _, err := tx.ExecContext(ctx, `DELETE FROM offer_assets WHERE offer_id = $1`, offer.ID); err != nil {
		return err
	}
	if err := insertAssetKeys(ctx, tx, offer); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE 1=1`
	args := []interface{}{}

	if filter.Wallet != "" {
		args = append(args, filter.Wallet)
		query += fmt.Sprintf(" AND (user_a = $%d OR user_b = $%d)", len(args), len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Cursor != nil {
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	return p.queryOffers(ctx, query, args...)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Offer, error) {
	query := `
		SELECT ` + offerColumns + ` FROM offers
		WHERE status = ANY($1)
		ORDER BY created_at ASC`
	args := []interface{}{pq.Array(statusStrings(statuses))}
	// limit <= 0 means no limit; LIMIT 0 would return nothing.
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return p.queryOffers(ctx, query, args...)
}

func (p *PostgresStore) ListByAsset(ctx context.Context, assetKey string, statuses []Status) ([]*Offer, error) {
	return p.queryOffers(ctx, `
		SELECT `+offerColumns+` FROM offers o
		JOIN offer_assets oa ON oa.offer_id = o.id
		WHERE oa.asset_key = $1 AND o.status = ANY($2)`,
		assetKey, pq.Array(statusStrings(statuses)))
}

func (p *PostgresStore) ListAcceptedByPair(ctx context.Context, chainID int64, walletX, walletY string) ([]*Offer, error) {
	return p.queryOffers(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE status = 'accepted' AND trade_id IS NULL AND chain_id = $1
		  AND ((user_a = $2 AND user_b = $3) OR (user_a = $3 AND user_b = $2))
		ORDER BY accepted_at DESC, created_at ASC`,
		chainID, walletX, walletY)
}

func (p *PostgresStore) GetByTradeID(ctx context.Context, chainID int64, tradeID string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE chain_id = $1 AND trade_id = $2`, chainID, tradeID)

	offer, err := scanOffer(row)
	if err == sql.ErrNoRows {
		return nil, ErrOfferNotFound
	}
	return offer, err
}

func (p *PostgresStore) TransitionStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		string(to), id, string(from))
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, p.missingOrStale(ctx, id)
	}
	return true, nil
}

func (p *PostgresStore) BindTrade(ctx context.Context, id, tradeID string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers SET trade_id = $1, status = 'trade_created', updated_at = NOW()
		WHERE id = $2 AND status = 'accepted' AND trade_id IS NULL`,
		tradeID, id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, p.missingOrStale(ctx, id)
	}
	return true, nil
}

// missingOrStale distinguishes a failed guard (offer exists in another
// state, not an error) from a missing offer.
func (p *PostgresStore) missingOrStale(ctx context.Context, id string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM offers WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrOfferNotFound
	}
	return nil
}

func (p *PostgresStore) queryOffers(ctx context.Context, query string, args ...interface{}) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Offer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, offer)
	}
	return result, rows.Err()
}

func insertAssetKeys(ctx context.Context, tx *sql.Tx, offer *Offer) error {
	for _, bundle := range [][]assets.Asset{offer.BundleA, offer.BundleB} {
		for _, a := range bundle {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO offer_assets (offer_id, asset_key)
				VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				offer.ID, a.Key()); err != nil {
				return err
			}
		}
	}
	return nil
}

func marshalBundles(offer *Offer) ([]byte, []byte, error) {
	bundleA, err := json.Marshal(offer.BundleA)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal bundle A: %w", err)
	}
	bundleB, err := json.Marshal(offer.BundleB)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal bundle B: %w", err)
	}
	return bundleA, bundleB, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOffer(s scanner) (*Offer, error) {
	offer := &Offer{}
	var (
		bundleA, bundleB []byte
		status           string
		tradeID          sql.NullString
		acceptedAt       sql.NullTime
	)

	err := s.Scan(
		&offer.ID, &offer.UserA, &offer.UserB, &bundleA, &bundleB, &status,
		&offer.TurnHolder, &tradeID, &offer.ChainID, &acceptedAt,
		&offer.CreatedAt, &offer.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(bundleA, &offer.BundleA); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bundle A: %w", err)
	}
	if err := json.Unmarshal(bundleB, &offer.BundleB); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bundle B: %w", err)
	}

	offer.Status = Status(status)
	if tradeID.Valid {
		offer.TradeID = tradeID.String
	}
	if acceptedAt.Valid {
		offer.AcceptedAt = &acceptedAt.Time
	}
	return offer, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
