package decoder

import (
	"github.com/ethereum/go-ethereum/common"

	"chainledger/internal/models"
)

// Curve liquidity gauges double as the ERC-20 receipt token, so one
// address-scoped decoder sees both the Deposit/Withdraw events and the receipt
// transfers.
var (
	// Deposit(address,uint256)
	topicGaugeDeposit = common.HexToHash("0xe1fffcc4923d04b559f4d29a8bfc6cda04eb5b0d3c460751c2402c5c5cc9109c")
	// Withdraw(address,uint256)
	topicGaugeWithdraw = common.HexToHash("0x884edad9ce6fa2440d8a54cc123490eb96d2768479d49ff9c7366125a9424364")
	// Minted(address,address,uint256) on the CRV minter
	topicCurveMinted = common.HexToHash("0x9d228d69b5fdb8d273a2336f8fb8612d039631024ea9bf09c424a9503aa078f0")
)

// RegisterCurveGauges wires the gauge decoder for a set of gauge contracts,
// typically loaded from the protocol subgraph at startup. The reward decoder
// keys on the minter's Minted signature and needs no addresses.
func RegisterCurveGauges(r *Registry, gauges []common.Address) {
	for _, gauge := range gauges {
		r.RegisterAddress(gauge, curveGaugeDecoder(gauge))
	}
	r.RegisterTopic(topicCurveMinted, curveMintedDecoder)
	r.RegisterPostRule(CounterpartyCurve, liquidityOrderRule(CounterpartyCurve))
}

func curveGaugeDecoder(gauge common.Address) DecoderFunc {
	return func(ctx *DecodeContext) (DecodingOutput, error) {
		receipt, _ := ResolveToken(ctx.Tokens, ctx.Tx.Chain, gauge)
		switch ctx.Log.Topic0() {
		case topicGaugeDeposit:
			return DecodingOutput{
				Counterparty: CounterpartyCurve,
				ActionItems: []ActionItem{
					{
						Match: Match{EventType: models.EventTypeSpend, Subtype: models.SubtypeNone},
						Transform: Transform{
							ToType:         models.EventTypeDeposit,
							ToSubtype:      models.SubtypeDepositForWrapped,
							ToCounterparty: CounterpartyCurve,
							ToNotes:        "Deposit {amount} {asset} into a curve gauge",
						},
					},
					{
						Match: Match{EventType: models.EventTypeReceive, Subtype: models.SubtypeNone, Asset: receipt},
						Transform: Transform{
							ToType:         models.EventTypeReceive,
							ToSubtype:      models.SubtypeReceiveWrapped,
							ToCounterparty: CounterpartyCurve,
							ToNotes:        "Receive {amount} {asset} after depositing into a curve gauge",
						},
					},
				},
			}, nil
		case topicGaugeWithdraw:
			return DecodingOutput{
				Counterparty: CounterpartyCurve,
				ActionItems: []ActionItem{
					{
						Match: Match{EventType: models.EventTypeSpend, Subtype: models.SubtypeNone, Asset: receipt},
						Transform: Transform{
							ToType:         models.EventTypeSpend,
							ToSubtype:      models.SubtypeReturnWrapped,
							ToCounterparty: CounterpartyCurve,
							ToNotes:        "Return {amount} {asset} to a curve gauge",
						},
					},
					{
						Match: Match{EventType: models.EventTypeReceive, Subtype: models.SubtypeNone},
						Transform: Transform{
							ToType:         models.EventTypeWithdrawal,
							ToSubtype:      models.SubtypeRedeemWrapped,
							ToCounterparty: CounterpartyCurve,
							ToNotes:        "Withdraw {amount} {asset} from a curve gauge",
						},
					},
				},
			}, nil
		}
		return DecodingOutput{}, nil
	}
}

// curveMintedDecoder rewrites the CRV transfer paired with a Minted log into a
// staking reward. The minted amount is the last data word.
func curveMintedDecoder(ctx *DecodeContext) (DecodingOutput, error) {
	if len(ctx.Log.Data) < 32 {
		return DecodingOutput{}, nil
	}
	amount := AmountFromWord(ctx.Log.Data[len(ctx.Log.Data)-32:], 18)
	return DecodingOutput{
		Counterparty: CounterpartyCurve,
		ActionItems: []ActionItem{
			{
				Match: Match{
					EventType: models.EventTypeReceive,
					Subtype:   models.SubtypeNone,
					Amount:    amount,
					AmountSet: true,
				},
				Transform: Transform{
					ToType:         models.EventTypeStaking,
					ToSubtype:      models.SubtypeReward,
					ToCounterparty: CounterpartyCurve,
					ToNotes:        "Receive {amount} {asset} as a curve gauge reward",
				},
			},
		},
	}, nil
}
