// Package chain handles all blockchain interactions with the swap escrow
// contract: trade creation, asset deposits, cancellation, approvals, and
// the event log the reconciliation watcher consumes.
//
// Every state-changing call is simulated first so revert reasons are
// available without spending gas, and submitted exactly once. Nothing in
// this package retries a transaction; resubmission is always an explicit
// caller action.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrTransactionFailed = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: operation timed out")
)

// RejectionError wraps a rejected ledger call. Reason carries the contract's
// revert message verbatim; users need the exact text to self-correct.
type RejectionError struct {
	Op     string // operation that was rejected
	TxHash string // transaction hash if one was submitted
	Reason string // raw revert reason
	Err    error  // underlying error
}

func (e *RejectionError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s rejected (tx: %s): %s", e.Op, e.TxHash, e.Reason)
	}
	return fmt.Sprintf("chain: %s rejected: %s", e.Op, e.Reason)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// Minimal ABI for the swap escrow contract.
const escrowABI = `[
	{"inputs":[{"name":"participants","type":"address[2]"},{"components":[{"name":"token","type":"address"},{"name":"tokenId","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"assetType","type":"uint8"},{"name":"recipient","type":"address"}],"name":"assets","type":"tuple[][]"}],"name":"createTrade","outputs":[{"name":"tradeId","type":"uint256"}],"type":"function"},
	{"inputs":[{"name":"tradeId","type":"uint256"},{"name":"token","type":"address"},{"name":"tokenId","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"assetType","type":"uint8"}],"name":"depositAsset","outputs":[],"type":"function"},
	{"inputs":[{"name":"tradeId","type":"uint256"}],"name":"cancelTrade","outputs":[],"type":"function"},
	{"inputs":[{"name":"tradeId","type":"uint256"}],"name":"getTradeAssets","outputs":[{"name":"participants","type":"address[2]"},{"components":[{"name":"token","type":"address"},{"name":"tokenId","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"assetType","type":"uint8"},{"name":"recipient","type":"address"},{"name":"deposited","type":"bool"}],"name":"assets","type":"tuple[][]"},{"name":"isActive","type":"bool"},{"name":"depositedCount","type":"uint256"},{"name":"totalCount","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"tradeId","type":"uint256"},{"indexed":false,"name":"participants","type":"address[2]"}],"name":"TradeCreated","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"tradeId","type":"uint256"},{"indexed":true,"name":"participant","type":"address"},{"indexed":false,"name":"assetIndex","type":"uint256"}],"name":"AssetDeposited","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"tradeId","type":"uint256"}],"name":"TradeCompleted","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"tradeId","type":"uint256"}],"name":"TradeCancelled","type":"event"}
]`

// Minimal ABI for token approval checks, shared by ERC721 and ERC1155.
const approvalABI = `[
	{"inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],"name":"isApprovedForAll","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"operator","type":"address"},{"name":"approved","type":"bool"}],"name":"setApprovalForAll","outputs":[],"type":"function"}
]`

// Asset type codes used by the escrow contract.
const (
	AssetTypeERC721     = uint8(0)
	AssetTypeERC1155    = uint8(1)
	AssetTypeCryptoPunk = uint8(2)
)

const (
	// DefaultGasLimit when estimation fails.
	DefaultGasLimit = uint64(400000)

	// DefaultConfirmationTimeout for waiting on transactions.
	DefaultConfirmationTimeout = 90 * time.Second

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// TradeAsset is an asset argument for createTrade/depositAsset. Field names
// follow the ABI component names for packing.
type TradeAsset struct {
	Token     common.Address
	TokenId   *big.Int
	Amount    *big.Int
	AssetType uint8
	Recipient common.Address
}

// StoredAsset is an escrowed asset as reported by getTradeAssets.
type StoredAsset struct {
	Token     common.Address
	TokenId   *big.Int
	Amount    *big.Int
	AssetType uint8
	Recipient common.Address
	Deposited bool
}

// TradeView is the contract's full state for one trade.
type TradeView struct {
	TradeID        *big.Int
	Participants   [2]common.Address
	Assets         [][]StoredAsset
	IsActive       bool
	DepositedCount *big.Int
	TotalCount     *big.Int
}

// Config for creating a new escrow client.
type Config struct {
	RPCURL         string
	PrivateKey     string // hex, with or without 0x prefix
	ChainID        int64
	EscrowContract string
}

// Option configures the client.
type Option func(*Client)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(c *Client) {
		c.client = client
	}
}

// Client drives the swap escrow contract.
type Client struct {
	client      EthClient
	privateKey  *ecdsa.PrivateKey
	address     common.Address
	chainID     *big.Int
	escrow      common.Address
	escrowABI   abi.ABI
	approvalABI abi.ABI
}

// New creates a new escrow client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedEscrow, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}
	parsedApproval, err := abi.JSON(strings.NewReader(approvalABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse approval ABI: %w", err)
	}

	c := &Client{
		privateKey:  privateKey,
		address:     crypto.PubkeyToAddress(*publicKey),
		chainID:     big.NewInt(cfg.ChainID),
		escrow:      common.HexToAddress(cfg.EscrowContract),
		escrowABI:   parsedEscrow,
		approvalABI: parsedApproval,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}

	return c, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return errors.New("chain ID required")
	}
	if cfg.EscrowContract == "" {
		return errors.New("escrow contract address required")
	}
	return nil
}

// Address returns the signing wallet's address.
func (c *Client) Address() common.Address {
	return c.address
}

// EscrowAddress returns the escrow contract address.
func (c *Client) EscrowAddress() common.Address {
	return c.escrow
}

// BlockNumber returns the current chain head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.client.BlockNumber(ctx)
}

// CreateTrade submits the trade-creation call for two participants and
// their asset arrays. Returns the transaction hash; the resulting tradeId
// is only known once the TradeCreated event is confirmed.
func (c *Client) CreateTrade(ctx context.Context, participants [2]common.Address, assetsA, assetsB []TradeAsset) (string, error) {
	data, err := c.escrowABI.Pack("createTrade", participants, [][]TradeAsset{assetsA, assetsB})
	if err != nil {
		return "", fmt.Errorf("failed to pack createTrade: %w", err)
	}
	return c.submit(ctx, "createTrade", c.escrow, data)
}

// DepositAsset submits a single asset deposit into an existing trade.
func (c *Client) DepositAsset(ctx context.Context, tradeID *big.Int, asset TradeAsset) (string, error) {
	data, err := c.escrowABI.Pack("depositAsset", tradeID, asset.Token, asset.TokenId, asset.Amount, asset.AssetType)
	if err != nil {
		return "", fmt.Errorf("failed to pack depositAsset: %w", err)
	}
	return c.submit(ctx, "depositAsset", c.escrow, data)
}

// CancelTrade submits trade cancellation. The contract rejects it once the
// trade is settled or already cancelled; that rejection is surfaced, not
// pre-validated here.
func (c *Client) CancelTrade(ctx context.Context, tradeID *big.Int) (string, error) {
	data, err := c.escrowABI.Pack("cancelTrade", tradeID)
	if err != nil {
		return "", fmt.Errorf("failed to pack cancelTrade: %w", err)
	}
	return c.submit(ctx, "cancelTrade", c.escrow, data)
}

// GetTradeAssets reads the contract's full state for a trade.
func (c *Client) GetTradeAssets(ctx context.Context, tradeID *big.Int) (*TradeView, error) {
	data, err := c.escrowABI.Pack("getTradeAssets", tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to pack getTradeAssets: %w", err)
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.escrow, Data: data}, nil)
	if err != nil {
		return nil, &RejectionError{Op: "getTradeAssets", Reason: revertReason(err), Err: err}
	}

	out, err := c.escrowABI.Unpack("getTradeAssets", result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getTradeAssets: %w", err)
	}

	view := &TradeView{
		TradeID:        new(big.Int).Set(tradeID),
		Participants:   *abi.ConvertType(out[0], new([2]common.Address)).(*[2]common.Address),
		Assets:         *abi.ConvertType(out[1], new([][]StoredAsset)).(*[][]StoredAsset),
		IsActive:       *abi.ConvertType(out[2], new(bool)).(*bool),
		DepositedCount: *abi.ConvertType(out[3], new(*big.Int)).(**big.Int),
		TotalCount:     *abi.ConvertType(out[4], new(*big.Int)).(**big.Int),
	}
	return view, nil
}

// IsApprovedForAll reports whether the escrow contract may move the owner's
// tokens from the given collection.
func (c *Client) IsApprovedForAll(ctx context.Context, token, owner common.Address) (bool, error) {
	data, err := c.approvalABI.Pack("isApprovedForAll", owner, c.escrow)
	if err != nil {
		return false, fmt.Errorf("failed to pack isApprovedForAll: %w", err)
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return false, &RejectionError{Op: "isApprovedForAll", Reason: revertReason(err), Err: err}
	}

	out, err := c.approvalABI.Unpack("isApprovedForAll", result)
	if err != nil {
		return false, fmt.Errorf("failed to unpack isApprovedForAll: %w", err)
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// SetApprovalForAll grants the escrow contract operator rights on a
// collection.
func (c *Client) SetApprovalForAll(ctx context.Context, token common.Address) (string, error) {
	data, err := c.approvalABI.Pack("setApprovalForAll", c.escrow, true)
	if err != nil {
		return "", fmt.Errorf("failed to pack setApprovalForAll: %w", err)
	}
	return c.submit(ctx, "setApprovalForAll", token, data)
}

// submit simulates the call, then signs and sends it. One attempt only.
func (c *Client) submit(ctx context.Context, op string, to common.Address, data []byte) (string, error) {
	// Dry run first: a revert here costs no gas and carries the reason.
	if _, err := c.client.CallContract(ctx, ethereum.CallMsg{
		From: c.address,
		To:   &to,
		Data: data,
	}, nil); err != nil {
		return "", &RejectionError{Op: op, Reason: revertReason(err), Err: err}
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce for %s: %w", op, err)
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price for %s: %w", op, err)
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s: %w", op, err)
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &RejectionError{Op: op, TxHash: signedTx.Hash().Hex(), Reason: revertReason(err), Err: err}
	}
	return signedTx.Hash().Hex(), nil
}

// WaitMined blocks until the transaction is mined or the timeout expires.
func (c *Client) WaitMined(ctx context.Context, txHash string, timeout time.Duration) (*types.Receipt, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined.
				continue
			}
			if receipt.Status == 0 {
				return nil, &RejectionError{
					Op:     "confirm",
					TxHash: txHash,
					Reason: "transaction reverted",
					Err:    ErrTransactionFailed,
				}
			}
			return receipt, nil
		}
	}
}

// Close closes the underlying RPC connection.
func (c *Client) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// dataError is implemented by go-ethereum RPC errors that carry revert data.
type dataError interface {
	ErrorData() interface{}
}

// revertReason extracts the contract's revert string from an RPC error, or
// falls back to the error text.
func revertReason(err error) string {
	var de dataError
	if errors.As(err, &de) {
		if hexData, ok := de.ErrorData().(string); ok {
			if reason, unpackErr := abi.UnpackRevert(common.FromHex(hexData)); unpackErr == nil {
				return reason
			}
		}
	}
	return err.Error()
}
