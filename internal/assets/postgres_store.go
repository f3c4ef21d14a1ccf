package assets

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// PostgresStore persists registry records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed registry store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const assetColumns = `chain_id, contract, token_id, token_type, amount,
		       owner_wallet, verified, verified_at, created_at, updated_at`

func (p *PostgresStore) Upsert(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO assets (
			chain_id, contract, token_id, token_type, amount,
			owner_wallet, verified, verified_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (chain_id, contract, token_id) DO UPDATE SET
			token_type = EXCLUDED.token_type,
			amount = EXCLUDED.amount,
			owner_wallet = EXCLUDED.owner_wallet,
			-- ownership change invalidates verification
			verified = CASE WHEN assets.owner_wallet = EXCLUDED.owner_wallet
				THEN assets.verified ELSE FALSE END,
			verified_at = CASE WHEN assets.owner_wallet = EXCLUDED.owner_wallet
				THEN assets.verified_at ELSE NULL END,
			updated_at = EXCLUDED.updated_at`,
		rec.ChainID, strings.ToLower(rec.Contract), rec.TokenID, string(rec.TokenType), rec.Amount,
		rec.OwnerWallet, rec.Verified, nullTime(rec.VerifiedAt), rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, ref Ref) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+assetColumns+` FROM assets
		WHERE chain_id = $1 AND contract = $2 AND token_id = $3`,
		ref.ChainID, strings.ToLower(ref.Contract), ref.TokenID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrAssetNotFound
	}
	return rec, err
}

func (p *PostgresStore) ListByOwner(ctx context.Context, chainID int64, wallet string, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+assetColumns+` FROM assets
		WHERE chain_id = $1 AND owner_wallet = $2
		ORDER BY contract, token_id
		LIMIT $3`, chainID, strings.ToLower(wallet), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SetOwner(ctx context.Context, ref Ref, wallet string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE assets SET
			owner_wallet = $1,
			verified = CASE WHEN owner_wallet = $1 THEN verified ELSE FALSE END,
			verified_at = CASE WHEN owner_wallet = $1 THEN verified_at ELSE NULL END,
			updated_at = NOW()
		WHERE chain_id = $2 AND contract = $3 AND token_id = $4`,
		strings.ToLower(wallet), ref.ChainID, strings.ToLower(ref.Contract), ref.TokenID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAssetNotFound
	}
	return nil
}

func (p *PostgresStore) MarkVerifiedByOwner(ctx context.Context, chainID int64, wallet string, at time.Time) (int, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE assets SET verified = TRUE, verified_at = $1, updated_at = $1
		WHERE chain_id = $2 AND owner_wallet = $3 AND verified = FALSE`,
		at, chainID, strings.ToLower(wallet),
	)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	rec := &Record{}
	var (
		tokenType  string
		verifiedAt sql.NullTime
	)

	err := s.Scan(
		&rec.ChainID, &rec.Contract, &rec.TokenID, &tokenType, &rec.Amount,
		&rec.OwnerWallet, &rec.Verified, &verifiedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.TokenType = TokenType(tokenType)
	if verifiedAt.Valid {
		rec.VerifiedAt = &verifiedAt.Time
	}
	return rec, nil
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
