package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	testKey    = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testEscrow = "0x5fbdb2315678afecb367f032d93f642f64180aa3"
)

type mockEthClient struct {
	callContractFn func(call ethereum.CallMsg) ([]byte, error)
	sendErr        error
	sentTxs        []*types.Transaction
	receipts       map[common.Hash]*types.Receipt
	logs           []types.Log
	blockNumber    uint64
}

func (m *mockEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}

func (m *mockEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (m *mockEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 200000, nil
}

func (m *mockEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sentTxs = append(m.sentTxs, tx)
	return nil
}

func (m *mockEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if r, ok := m.receipts[txHash]; ok {
		return r, nil
	}
	return nil, errors.New("not found")
}

func (m *mockEthClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if m.callContractFn != nil {
		return m.callContractFn(call)
	}
	return nil, nil
}

func (m *mockEthClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return m.logs, nil
}

func (m *mockEthClient) BlockNumber(ctx context.Context) (uint64, error) {
	return m.blockNumber, nil
}

func (m *mockEthClient) Close() {}

// revertError mimics a go-ethereum RPC error carrying revert data.
type revertError struct {
	reason string
}

func (e *revertError) Error() string { return "execution reverted: " + e.reason }

func (e *revertError) ErrorData() interface{} {
	typ, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: typ}}.Pack(e.reason)
	return "0x08c379a0" + common.Bytes2Hex(packed)
}

func newTestClient(t *testing.T, mock *mockEthClient) *Client {
	t.Helper()
	client, err := New(Config{
		RPCURL:         "http://localhost:8545",
		PrivateKey:     testKey,
		ChainID:        84532,
		EscrowContract: testEscrow,
	}, WithClient(mock))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return client
}

func testTradeAsset(tokenID int64, recipient common.Address) TradeAsset {
	return TradeAsset{
		Token:     common.HexToAddress("0xaaaa567890123456789012345678901234567890"),
		TokenId:   big.NewInt(tokenID),
		Amount:    big.NewInt(1),
		AssetType: AssetTypeERC721,
		Recipient: recipient,
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing rpc", func(c *Config) { c.RPCURL = "" }},
		{"short key", func(c *Config) { c.PrivateKey = "abcd" }},
		{"zero chain", func(c *Config) { c.ChainID = 0 }},
		{"missing escrow", func(c *Config) { c.EscrowContract = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				RPCURL:         "http://localhost:8545",
				PrivateKey:     testKey,
				ChainID:        84532,
				EscrowContract: testEscrow,
			}
			tt.mutate(&cfg)
			if _, err := New(cfg, WithClient(&mockEthClient{})); err == nil {
				t.Fatal("New() accepted invalid config")
			}
		})
	}
}

func TestCreateTrade_SubmitsToEscrow(t *testing.T) {
	mock := &mockEthClient{}
	client := newTestClient(t, mock)

	x := common.HexToAddress("0x1111111111111111111111111111111111111111")
	y := common.HexToAddress("0x2222222222222222222222222222222222222222")

	txHash, err := client.CreateTrade(context.Background(), [2]common.Address{x, y},
		[]TradeAsset{testTradeAsset(1, y)},
		[]TradeAsset{testTradeAsset(2, x)},
	)
	if err != nil {
		t.Fatalf("CreateTrade() error = %v", err)
	}
	if txHash == "" {
		t.Fatal("CreateTrade() returned empty tx hash")
	}
	if len(mock.sentTxs) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(mock.sentTxs))
	}
	if to := mock.sentTxs[0].To(); to == nil || *to != client.EscrowAddress() {
		t.Errorf("transaction sent to %v, want escrow", to)
	}
}

func TestSubmit_SimulationRevertPreservesReason(t *testing.T) {
	mock := &mockEthClient{
		callContractFn: func(call ethereum.CallMsg) ([]byte, error) {
			return nil, &revertError{reason: "not approved"}
		},
	}
	client := newTestClient(t, mock)

	_, err := client.CancelTrade(context.Background(), big.NewInt(42))
	if err == nil {
		t.Fatal("CancelTrade() succeeded, want rejection")
	}

	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("error type = %T, want *RejectionError", err)
	}
	if rej.Reason != "not approved" {
		t.Errorf("reason = %q, want raw revert string", rej.Reason)
	}
	if rej.Op != "cancelTrade" {
		t.Errorf("op = %q", rej.Op)
	}
	// A failed simulation must not submit anything.
	if len(mock.sentTxs) != 0 {
		t.Errorf("sent %d transactions after failed simulation, want 0", len(mock.sentTxs))
	}
}

func TestGetTradeAssets(t *testing.T) {
	x := common.HexToAddress("0x1111111111111111111111111111111111111111")
	y := common.HexToAddress("0x2222222222222222222222222222222222222222")

	mock := &mockEthClient{}
	client := newTestClient(t, mock)

	assets := [][]StoredAsset{
		{{Token: common.HexToAddress("0xaaaa567890123456789012345678901234567890"), TokenId: big.NewInt(1), Amount: big.NewInt(1), AssetType: AssetTypeERC721, Recipient: y, Deposited: true}},
		{{Token: common.HexToAddress("0xaaaa567890123456789012345678901234567890"), TokenId: big.NewInt(2), Amount: big.NewInt(1), AssetType: AssetTypeERC721, Recipient: x, Deposited: false}},
	}
	packed, err := client.escrowABI.Methods["getTradeAssets"].Outputs.Pack(
		[2]common.Address{x, y}, assets, true, big.NewInt(1), big.NewInt(2))
	if err != nil {
		t.Fatalf("failed to pack outputs: %v", err)
	}
	mock.callContractFn = func(call ethereum.CallMsg) ([]byte, error) {
		return packed, nil
	}

	view, err := client.GetTradeAssets(context.Background(), big.NewInt(42))
	if err != nil {
		t.Fatalf("GetTradeAssets() error = %v", err)
	}
	if view.Participants[0] != x || view.Participants[1] != y {
		t.Error("participants mismatch")
	}
	if !view.IsActive {
		t.Error("isActive = false, want true")
	}
	if view.DepositedCount.Int64() != 1 || view.TotalCount.Int64() != 2 {
		t.Errorf("counts = %s/%s, want 1/2", view.DepositedCount, view.TotalCount)
	}
	if !view.Assets[0][0].Deposited || view.Assets[1][0].Deposited {
		t.Error("per-asset deposited flags mismatch")
	}
}

func TestWaitMined_RevertedReceipt(t *testing.T) {
	hash := common.HexToHash("0xabc1")
	mock := &mockEthClient{
		receipts: map[common.Hash]*types.Receipt{
			hash: {Status: 0, BlockNumber: big.NewInt(100)},
		},
	}
	client := newTestClient(t, mock)

	_, err := client.WaitMined(context.Background(), hash.Hex(), DefaultConfirmationTimeout)
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("error = %v, want *RejectionError", err)
	}
	if !errors.Is(err, ErrTransactionFailed) {
		t.Errorf("error does not wrap ErrTransactionFailed: %v", err)
	}
}

func TestDecodeEvents(t *testing.T) {
	mock := &mockEthClient{}
	client := newTestClient(t, mock)

	x := common.HexToAddress("0x1111111111111111111111111111111111111111")
	y := common.HexToAddress("0x2222222222222222222222222222222222222222")
	tradeID := common.BigToHash(big.NewInt(42))

	createdData, err := client.escrowABI.Events["TradeCreated"].Inputs.NonIndexed().Pack([2]common.Address{x, y})
	if err != nil {
		t.Fatalf("failed to pack TradeCreated data: %v", err)
	}
	depositData, err := client.escrowABI.Events["AssetDeposited"].Inputs.NonIndexed().Pack(big.NewInt(1))
	if err != nil {
		t.Fatalf("failed to pack AssetDeposited data: %v", err)
	}

	tests := []struct {
		name string
		log  types.Log
		want EventType
	}{
		{
			name: "trade created",
			log: types.Log{
				Topics: []common.Hash{client.escrowABI.Events["TradeCreated"].ID, tradeID},
				Data:   createdData,
			},
			want: EventTradeCreated,
		},
		{
			name: "asset deposited",
			log: types.Log{
				Topics: []common.Hash{client.escrowABI.Events["AssetDeposited"].ID, tradeID, common.BytesToHash(x.Bytes())},
				Data:   depositData,
			},
			want: EventAssetDeposited,
		},
		{
			name: "trade completed",
			log:  types.Log{Topics: []common.Hash{client.escrowABI.Events["TradeCompleted"].ID, tradeID}},
			want: EventTradeCompleted,
		},
		{
			name: "trade cancelled",
			log:  types.Log{Topics: []common.Hash{client.escrowABI.Events["TradeCancelled"].ID, tradeID}},
			want: EventTradeCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := client.DecodeEvent(tt.log)
			if err != nil {
				t.Fatalf("DecodeEvent() error = %v", err)
			}
			if event.Type != tt.want {
				t.Errorf("type = %s, want %s", event.Type, tt.want)
			}
			if event.TradeID.Int64() != 42 {
				t.Errorf("tradeId = %s, want 42", event.TradeID)
			}
			if tt.want == EventTradeCreated && (event.Participants[0] != x || event.Participants[1] != y) {
				t.Error("participants mismatch")
			}
			if tt.want == EventAssetDeposited {
				if event.Participant != x {
					t.Error("participant mismatch")
				}
				if event.AssetIndex.Int64() != 1 {
					t.Errorf("assetIndex = %s, want 1", event.AssetIndex)
				}
			}
		})
	}

	if _, err := client.DecodeEvent(types.Log{Topics: []common.Hash{common.HexToHash("0xdead"), tradeID}}); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("DecodeEvent() foreign log error = %v, want ErrUnknownEvent", err)
	}
}
