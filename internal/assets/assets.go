// Package assets provides the canonical registry of known NFTs.
//
// An asset is identified by (chainId, contract, tokenId). The registry
// tracks the last known owner and verification status; ownership truth
// ultimately lives on chain, so registry rows are refreshed from an
// external indexer via Service.Sync.
package assets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrAssetNotFound    = errors.New("asset not found")
	ErrInvalidTokenType = errors.New("invalid token type")
	ErrInvalidAmount    = errors.New("invalid asset amount")
)

// TokenType identifies the transfer standard of an asset.
type TokenType string

const (
	TokenERC721     TokenType = "ERC721"
	TokenERC1155    TokenType = "ERC1155"
	TokenCryptoPunk TokenType = "CRYPTOPUNK"
)

// Valid reports whether t is a known token type.
func (t TokenType) Valid() bool {
	switch t {
	case TokenERC721, TokenERC1155, TokenCryptoPunk:
		return true
	}
	return false
}

// Ref identifies a unique token.
type Ref struct {
	ChainID  int64  `json:"chainId"`
	Contract string `json:"contract"`
	TokenID  string `json:"tokenId"`
}

// Key returns the canonical identity string for the token.
func (r Ref) Key() string {
	return fmt.Sprintf("%d:%s:%s", r.ChainID, strings.ToLower(r.Contract), r.TokenID)
}

// Asset is a token plus its transfer semantics, as proposed in swap bundles.
type Asset struct {
	Ref
	TokenType TokenType `json:"tokenType"`
	Amount    int64     `json:"amount"`
}

// Validate checks the structural invariants of an asset.
// ERC721 and CryptoPunks are strictly single-unit; this system also
// restricts ERC1155 to single-owner, single-unit semantics.
func (a Asset) Validate() error {
	if !a.TokenType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTokenType, a.TokenType)
	}
	if a.Amount != 1 {
		return fmt.Errorf("%w: %d (single-unit semantics only)", ErrInvalidAmount, a.Amount)
	}
	if a.ChainID <= 0 || a.Contract == "" || a.TokenID == "" {
		return errors.New("asset identity incomplete")
	}
	return nil
}

// Record is a registry row: an asset plus its mutable attributes.
type Record struct {
	Asset
	OwnerWallet string     `json:"ownerWallet"`
	Verified    bool       `json:"verified"`
	VerifiedAt  *time.Time `json:"verifiedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Store persists registry records.
type Store interface {
	Upsert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, ref Ref) (*Record, error)
	ListByOwner(ctx context.Context, chainID int64, wallet string, limit int) ([]*Record, error)
	SetOwner(ctx context.Context, ref Ref, wallet string) error
	MarkVerifiedByOwner(ctx context.Context, chainID int64, wallet string, at time.Time) (int, error)
}

// OwnershipLister enumerates the NFTs a wallet currently holds.
// Backed by a third-party indexing API in production.
type OwnershipLister interface {
	ListOwnedAssets(ctx context.Context, chainID int64, wallet string) ([]Asset, error)
}

// OwnershipVerifier checks a signature challenge against on-chain ownership
// and reports how many of the wallet's assets were verified.
type OwnershipVerifier interface {
	VerifyOwnership(ctx context.Context, wallet string, chainID int64, signature string) (int, error)
}

// Service implements registry business logic.
type Service struct {
	store    Store
	lister   OwnershipLister
	verifier OwnershipVerifier
}

// NewService creates a new registry service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// WithLister adds an external indexer for wallet asset enumeration.
func (s *Service) WithLister(l OwnershipLister) *Service {
	s.lister = l
	return s
}

// WithVerifier adds an external ownership verifier.
func (s *Service) WithVerifier(v OwnershipVerifier) *Service {
	s.verifier = v
	return s
}

// Get returns the registry record for a token.
func (s *Service) Get(ctx context.Context, ref Ref) (*Record, error) {
	return s.store.Get(ctx, normalizeRef(ref))
}

// ListByOwner returns the registry's view of a wallet's holdings.
func (s *Service) ListByOwner(ctx context.Context, chainID int64, wallet string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListByOwner(ctx, chainID, strings.ToLower(wallet), limit)
}

// Sync refreshes a wallet's holdings from the external indexer and returns
// the number of records upserted.
func (s *Service) Sync(ctx context.Context, chainID int64, wallet string) (int, error) {
	if s.lister == nil {
		return 0, errors.New("asset sync unavailable: no ownership lister configured")
	}

	wallet = strings.ToLower(wallet)
	owned, err := s.lister.ListOwnedAssets(ctx, chainID, wallet)
	if err != nil {
		return 0, fmt.Errorf("failed to list owned assets: %w", err)
	}

	now := time.Now()
	count := 0
	for _, a := range owned {
		a.Contract = strings.ToLower(a.Contract)
		if err := a.Validate(); err != nil {
			continue // skip malformed indexer rows, keep the rest
		}
		rec := &Record{
			Asset:       a,
			OwnerWallet: wallet,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.store.Upsert(ctx, rec); err != nil {
			return count, fmt.Errorf("failed to upsert asset %s: %w", a.Key(), err)
		}
		count++
	}
	return count, nil
}

// OwnedBy reports whether the registry records wallet as the owner of ref.
// On a registry miss it refreshes from the indexer once before deciding.
func (s *Service) OwnedBy(ctx context.Context, ref Ref, wallet string) (bool, error) {
	ref = normalizeRef(ref)
	wallet = strings.ToLower(wallet)

	rec, err := s.store.Get(ctx, ref)
	if errors.Is(err, ErrAssetNotFound) && s.lister != nil {
		if _, syncErr := s.Sync(ctx, ref.ChainID, wallet); syncErr != nil {
			return false, syncErr
		}
		rec, err = s.store.Get(ctx, ref)
	}
	if errors.Is(err, ErrAssetNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.OwnerWallet == wallet, nil
}

// IsVerified reports the verification flag for a token. Informational only;
// it gates no lifecycle transition.
func (s *Service) IsVerified(ctx context.Context, ref Ref) (bool, error) {
	rec, err := s.store.Get(ctx, normalizeRef(ref))
	if err != nil {
		return false, err
	}
	return rec.Verified, nil
}

// Verify runs the signature challenge through the external verifier and
// marks the wallet's registry rows verified. Returns the verified count.
func (s *Service) Verify(ctx context.Context, wallet string, chainID int64, signature string) (int, error) {
	if s.verifier == nil {
		return 0, errors.New("verification unavailable: no ownership verifier configured")
	}

	wallet = strings.ToLower(wallet)
	count, err := s.verifier.VerifyOwnership(ctx, wallet, chainID, signature)
	if err != nil {
		return 0, fmt.Errorf("ownership verification failed: %w", err)
	}
	if count > 0 {
		if _, err := s.store.MarkVerifiedByOwner(ctx, chainID, wallet, time.Now()); err != nil {
			return count, fmt.Errorf("failed to mark assets verified: %w", err)
		}
	}
	return count, nil
}

func normalizeRef(ref Ref) Ref {
	ref.Contract = strings.ToLower(ref.Contract)
	return ref
}
