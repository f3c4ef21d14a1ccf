package trade

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists the trade mirror in PostgreSQL. The asset matrix
// is one JSONB document; deposit flags are flipped under row locks so
// concurrent watcher writes cannot lose updates.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tradeColumns = `trade_id, chain_id, offer_id, participant_a, participant_b,
		      assets, is_active, total_count, created_at, updated_at`

func (p *PostgresStore) Upsert(ctx context.Context, t *Trade) error {
	assetsJSON, err := json.Marshal(t.Assets)
	if err != nil {
		return fmt.Errorf("failed to marshal trade assets: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO trades (
			trade_id, chain_id, offer_id, participant_a, participant_b,
			assets, is_active, total_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (chain_id, trade_id) DO UPDATE SET
			offer_id = EXCLUDED.offer_id,
			assets = EXCLUDED.assets,
			is_active = EXCLUDED.is_active,
			total_count = EXCLUDED.total_count,
			updated_at = EXCLUDED.updated_at`,
		t.TradeID, t.ChainID, nullString(t.OfferID), t.Participants[0], t.Participants[1],
		assetsJSON, t.IsActive, t.TotalCount, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, chainID int64, tradeID string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE chain_id = $1 AND trade_id = $2`, chainID, tradeID)

	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	return t, err
}

func (p *PostgresStore) SetDeposited(ctx context.Context, chainID int64, tradeID, participant string, assetIndex int) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE chain_id = $1 AND trade_id = $2
		FOR UPDATE`, chainID, tradeID)

	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return false, ErrTradeNotFound
	}
	if err != nil {
		return false, err
	}

	idx := t.ParticipantIndex(participant)
	if idx < 0 {
		return false, fmt.Errorf("wallet %s is not a participant of trade %s", participant, tradeID)
	}
	if assetIndex < 0 || assetIndex >= len(t.Assets[idx]) {
		return false, fmt.Errorf("asset index %d out of range for trade %s", assetIndex, tradeID)
	}
	if t.Assets[idx][assetIndex].Deposited {
		return false, tx.Commit()
	}

	t.Assets[idx][assetIndex].Deposited = true
	assetsJSON, err := json.Marshal(t.Assets)
	if err != nil {
		return false, fmt.Errorf("failed to marshal trade assets: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE trades SET assets = $1, updated_at = NOW()
		WHERE chain_id = $2 AND trade_id = $3`,
		assetsJSON, chainID, tradeID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (p *PostgresStore) MarkSettled(ctx context.Context, chainID int64, tradeID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE chain_id = $1 AND trade_id = $2
		FOR UPDATE`, chainID, tradeID)

	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return ErrTradeNotFound
	}
	if err != nil {
		return err
	}

	for i := range t.Assets {
		for j := range t.Assets[i] {
			t.Assets[i][j].Deposited = true
		}
	}
	assetsJSON, err := json.Marshal(t.Assets)
	if err != nil {
		return fmt.Errorf("failed to marshal trade assets: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE trades SET assets = $1, is_active = FALSE, updated_at = NOW()
		WHERE chain_id = $2 AND trade_id = $3`,
		assetsJSON, chainID, tradeID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) SetActive(ctx context.Context, chainID int64, tradeID string, active bool) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE trades SET is_active = $1, updated_at = NOW()
		WHERE chain_id = $2 AND trade_id = $3`,
		active, chainID, tradeID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTradeNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*Trade, error) {
	t := &Trade{}
	var (
		offerID    sql.NullString
		assetsJSON []byte
	)

	err := s.Scan(
		&t.TradeID, &t.ChainID, &offerID, &t.Participants[0], &t.Participants[1],
		&assetsJSON, &t.IsActive, &t.TotalCount, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(assetsJSON, &t.Assets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trade assets: %w", err)
	}
	if offerID.Valid {
		t.OfferID = offerID.String
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
