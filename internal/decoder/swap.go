package decoder

import (
	"github.com/ethereum/go-ethereum/common"

	"chainledger/internal/models"
)

// Protocol tags attached to decoded events.
const (
	CounterpartyUniswapV2  = "uniswap-v2"
	CounterpartyBalancerV2 = "balancer-v2"
	CounterpartyBalancerV3 = "balancer-v3"
	CounterpartyCurve      = "curve"
	CounterpartyAaveV2     = "aave-v2"
)

// Event signatures the swap decoders key on.
var (
	// Transfer(address,address,uint256)
	TopicERC20Transfer = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	// Swap(address,uint256,uint256,uint256,uint256,address) on the pair
	topicUniswapV2Swap = common.HexToHash("0xd78ad95fa46c994b6551d0da85fc275fe613ce37657fb8d5e3d130840159d822")
	// Swap(bytes32,address,address,uint256,uint256) on the vault
	topicBalancerV2Swap = common.HexToHash("0x2170c741c41531aec20e7c107c24eecfdd15e69c9bb0a8dd37b1840b9e0b207b")
)

func registerSwapDecoders(r *Registry) {
	r.RegisterTopic(topicUniswapV2Swap, swapDecoder(CounterpartyUniswapV2))
	r.RegisterTopic(topicBalancerV2Swap, swapDecoder(CounterpartyBalancerV2))
	r.RegisterPostRule(CounterpartyUniswapV2, swapOrderRule)
	r.RegisterPostRule(CounterpartyBalancerV2, swapOrderRule)
}

// swapDecoder rewrites the tx's preliminary transfer legs into a trade. The
// Swap log itself carries pool-internal amounts; the user-visible legs are the
// plain transfers already decoded, so two deferred rewrites are enough.
func swapDecoder(counterparty string) DecoderFunc {
	return func(ctx *DecodeContext) (DecodingOutput, error) {
		return DecodingOutput{
			Counterparty: counterparty,
			ActionItems: []ActionItem{
				{
					Match: Match{EventType: models.EventTypeSpend, Subtype: models.SubtypeNone},
					Transform: Transform{
						ToType:         models.EventTypeTrade,
						ToSubtype:      models.SubtypeSpend,
						ToCounterparty: counterparty,
						ToNotes:        "Swap {amount} {asset} in " + counterparty,
					},
				},
				{
					Match: Match{EventType: models.EventTypeReceive, Subtype: models.SubtypeNone},
					Transform: Transform{
						ToType:         models.EventTypeTrade,
						ToSubtype:      models.SubtypeReceive,
						ToCounterparty: counterparty,
						ToNotes:        "Receive {amount} {asset} as the result of a swap in " + counterparty,
					},
				},
			},
		}, nil
	}
}

// swapOrderRule puts the spend leg before the receive leg. Fee events keep
// their place at the front.
func swapOrderRule(events []models.HistoryEvent) []models.HistoryEvent {
	spend, receive := -1, -1
	for i := range events {
		if events[i].EventType != models.EventTypeTrade {
			continue
		}
		switch events[i].Subtype {
		case models.SubtypeSpend:
			if spend == -1 {
				spend = i
			}
		case models.SubtypeReceive:
			if receive == -1 {
				receive = i
			}
		}
	}
	if spend != -1 && receive != -1 && receive < spend {
		events[spend], events[receive] = events[receive], events[spend]
	}
	return events
}
