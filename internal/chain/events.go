package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrUnknownEvent marks a log that is not one of the escrow events.
var ErrUnknownEvent = errors.New("chain: unknown event")

// EventType identifies an escrow contract event.
type EventType string

const (
	EventTradeCreated   EventType = "trade_created"
	EventAssetDeposited EventType = "asset_deposited"
	EventTradeCompleted EventType = "trade_completed"
	EventTradeCancelled EventType = "trade_cancelled"
)

// Event is a decoded escrow log entry. TxHash plus LogIndex uniquely
// identify it for deduplication.
type Event struct {
	Type         EventType
	TradeID      *big.Int
	Participants [2]common.Address // TradeCreated only
	Participant  common.Address    // AssetDeposited only
	AssetIndex   *big.Int          // AssetDeposited only
	TxHash       common.Hash
	LogIndex     uint
	BlockNumber  uint64
}

// Key returns the event's deduplication key.
func (e *Event) Key() string {
	return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.LogIndex)
}

// FilterEvents reads and decodes all escrow events in the block range,
// in log order.
func (c *Client) FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]Event, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.escrow},
		Topics: [][]common.Hash{{
			c.escrowABI.Events["TradeCreated"].ID,
			c.escrowABI.Events["AssetDeposited"].ID,
			c.escrowABI.Events["TradeCompleted"].ID,
			c.escrowABI.Events["TradeCancelled"].ID,
		}},
	}

	logs, err := c.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs: %w", err)
	}

	events := make([]Event, 0, len(logs))
	for _, vLog := range logs {
		event, err := c.DecodeEvent(vLog)
		if err != nil {
			// Foreign logs in the range are skipped, not fatal.
			continue
		}
		events = append(events, *event)
	}
	return events, nil
}

// DecodeEvent decodes a single escrow log entry.
func (c *Client) DecodeEvent(vLog types.Log) (*Event, error) {
	if len(vLog.Topics) < 2 {
		return nil, ErrUnknownEvent
	}

	event := &Event{
		TradeID:     new(big.Int).SetBytes(vLog.Topics[1].Bytes()),
		TxHash:      vLog.TxHash,
		LogIndex:    vLog.Index,
		BlockNumber: vLog.BlockNumber,
	}

	switch vLog.Topics[0] {
	case c.escrowABI.Events["TradeCreated"].ID:
		event.Type = EventTradeCreated
		out, err := c.escrowABI.Unpack("TradeCreated", vLog.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack TradeCreated: %w", err)
		}
		event.Participants = *abi.ConvertType(out[0], new([2]common.Address)).(*[2]common.Address)

	case c.escrowABI.Events["AssetDeposited"].ID:
		if len(vLog.Topics) < 3 {
			return nil, ErrUnknownEvent
		}
		event.Type = EventAssetDeposited
		event.Participant = common.BytesToAddress(vLog.Topics[2].Bytes())
		out, err := c.escrowABI.Unpack("AssetDeposited", vLog.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack AssetDeposited: %w", err)
		}
		event.AssetIndex = *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)

	case c.escrowABI.Events["TradeCompleted"].ID:
		event.Type = EventTradeCompleted

	case c.escrowABI.Events["TradeCancelled"].ID:
		event.Type = EventTradeCancelled

	default:
		return nil, ErrUnknownEvent
	}

	return event, nil
}
