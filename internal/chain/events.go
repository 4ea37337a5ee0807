// events.go holds the contract ABIs and the log decoder.
//
// Only the events the pipeline consumes are declared. The ConditionalTokens
// ABI covers market lifecycle (ConditionPreparation, ConditionResolution)
// and ERC-1155 transfers; the CTF Exchange ABI covers order fills. Logs
// whose topic0 matches none of these are skipped by the reader before
// decoding is attempted.
package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"polymarket-indexer/pkg/types"
)

const conditionalTokensABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "conditionId", "type": "bytes32"},
			{"indexed": true, "name": "oracle", "type": "address"},
			{"indexed": true, "name": "questionId", "type": "bytes32"},
			{"indexed": false, "name": "outcomeSlotCount", "type": "uint256"}
		],
		"name": "ConditionPreparation",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "conditionId", "type": "bytes32"},
			{"indexed": true, "name": "oracle", "type": "address"},
			{"indexed": true, "name": "questionId", "type": "bytes32"},
			{"indexed": false, "name": "payoutNumerators", "type": "uint256[]"}
		],
		"name": "ConditionResolution",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "operator", "type": "address"},
			{"indexed": true, "name": "from", "type": "address"},
			{"indexed": true, "name": "to", "type": "address"},
			{"indexed": false, "name": "id", "type": "uint256"},
			{"indexed": false, "name": "value", "type": "uint256"}
		],
		"name": "TransferSingle",
		"type": "event"
	}
]`

const ctfExchangeABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "maker", "type": "address"},
			{"indexed": true, "name": "taker", "type": "address"},
			{"indexed": false, "name": "tokenId", "type": "uint256"},
			{"indexed": false, "name": "makerAmount", "type": "uint256"},
			{"indexed": false, "name": "takerAmount", "type": "uint256"},
			{"indexed": false, "name": "side", "type": "uint8"}
		],
		"name": "OrderFilled",
		"type": "event"
	}
]`

// decoder turns raw logs into typed argument bags keyed by event name.
type decoder struct {
	abis    []abi.ABI
	byTopic map[common.Hash]abi.Event
}

func newDecoder() (*decoder, error) {
	d := &decoder{byTopic: make(map[common.Hash]abi.Event)}
	for _, raw := range []string{conditionalTokensABI, ctfExchangeABI} {
		parsed, err := abi.JSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse abi: %w", err)
		}
		d.abis = append(d.abis, parsed)
		for _, ev := range parsed.Events {
			d.byTopic[ev.ID] = ev
		}
	}
	return d, nil
}

// topics returns the topic0 hashes of the given event names, used to build
// the eth_getLogs filter.
func (d *decoder) topics(names []string) []common.Hash {
	var out []common.Hash
	for topic, ev := range d.byTopic {
		for _, name := range names {
			if ev.Name == name {
				out = append(out, topic)
			}
		}
	}
	return out
}

// errUnknownEvent marks logs whose topic0 is not in any loaded ABI. The
// reader logs and skips these; they never block a batch.
var errUnknownEvent = fmt.Errorf("unknown event signature")

// decode produces the typed argument bag for one log. Indexed fields come
// from topics, the rest from the data segment.
func (d *decoder) decode(lg ethtypes.Log) (string, any, error) {
	if len(lg.Topics) == 0 {
		return "", nil, errUnknownEvent
	}
	ev, ok := d.byTopic[lg.Topics[0]]
	if !ok {
		return "", nil, errUnknownEvent
	}

	data := make(map[string]any)
	if err := ev.Inputs.NonIndexed().UnpackIntoMap(data, lg.Data); err != nil {
		return ev.Name, nil, fmt.Errorf("unpack %s data: %w", ev.Name, err)
	}
	if err := abi.ParseTopicsIntoMap(data, indexedInputs(ev), lg.Topics[1:]); err != nil {
		return ev.Name, nil, fmt.Errorf("parse %s topics: %w", ev.Name, err)
	}

	switch ev.Name {
	case types.EventConditionPreparation:
		return ev.Name, types.ConditionPreparationArgs{
			ConditionID:      hashArg(data, "conditionId"),
			Oracle:           addrArg(data, "oracle"),
			QuestionID:       hashArg(data, "questionId"),
			OutcomeSlotCount: int(bigArg(data, "outcomeSlotCount").Int64()),
		}, nil
	case types.EventConditionResolution:
		nums := data["payoutNumerators"].([]*big.Int)
		payout := make([]string, len(nums))
		for i, n := range nums {
			payout[i] = n.String()
		}
		return ev.Name, types.ConditionResolutionArgs{
			ConditionID:      hashArg(data, "conditionId"),
			Oracle:           addrArg(data, "oracle"),
			QuestionID:       hashArg(data, "questionId"),
			PayoutNumerators: payout,
		}, nil
	case types.EventTransferSingle:
		return ev.Name, types.TransferSingleArgs{
			Operator: addrArg(data, "operator"),
			From:     addrArg(data, "from"),
			To:       addrArg(data, "to"),
			ID:       bigArg(data, "id").String(),
			Value:    decimal.NewFromBigInt(bigArg(data, "value"), 0),
		}, nil
	case types.EventOrderFilled:
		return ev.Name, types.OrderFilledArgs{
			Maker:       addrArg(data, "maker"),
			Taker:       addrArg(data, "taker"),
			TokenID:     bigArg(data, "tokenId").String(),
			MakerAmount: decimal.NewFromBigInt(bigArg(data, "makerAmount"), 0),
			TakerAmount: decimal.NewFromBigInt(bigArg(data, "takerAmount"), 0),
			Side:        uint8(bigArg(data, "side").Uint64()),
		}, nil
	}
	return ev.Name, nil, errUnknownEvent
}

func indexedInputs(ev abi.Event) abi.Arguments {
	var out abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			out = append(out, in)
		}
	}
	return out
}

func hashArg(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case common.Hash:
		return v.Hex()
	case [32]byte:
		return common.BytesToHash(v[:]).Hex()
	}
	return ""
}

func addrArg(data map[string]any, key string) string {
	if a, ok := data[key].(common.Address); ok {
		return a.Hex()
	}
	return ""
}

func bigArg(data map[string]any, key string) *big.Int {
	switch v := data[key].(type) {
	case *big.Int:
		return v
	case uint8:
		return big.NewInt(int64(v))
	}
	return new(big.Int)
}
