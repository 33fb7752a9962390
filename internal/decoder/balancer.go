package decoder

import (
	"github.com/ethereum/go-ethereum/common"

	"chainledger/internal/models"
)

// balancerV3Vault is the singleton vault all v3 pools settle through.
var balancerV3Vault = common.HexToAddress("0xbA1333333333a1BA1108E8412f11850A5C319bA9")

func registerBalancerV3(r *Registry) {
	r.RegisterAddress(balancerV3Vault, balancerV3Decoder)
	r.RegisterPostRule(CounterpartyBalancerV3, liquidityOrderRule(CounterpartyBalancerV3))
}

// balancerV3Decoder classifies a vault interaction by looking for an LP mint
// or burn among the tx's transfer logs. A mint means liquidity was added, a
// burn means removed; a vault tx with neither is a swap.
func balancerV3Decoder(ctx *DecodeContext) (DecodingOutput, error) {
	if lp, ok := findMintedToken(ctx); ok {
		symbol, _ := ResolveToken(ctx.Tokens, ctx.Tx.Chain, lp)
		return DecodingOutput{
			Counterparty: CounterpartyBalancerV3,
			ActionItems: []ActionItem{
				{
					Match: Match{EventType: models.EventTypeReceive, Subtype: models.SubtypeNone, Asset: symbol},
					Transform: Transform{
						ToType:         models.EventTypeReceive,
						ToSubtype:      models.SubtypeReceiveWrapped,
						ToCounterparty: CounterpartyBalancerV3,
						ToNotes:        "Receive {amount} {asset} from a balancer-v3 pool",
					},
				},
				{
					Match: Match{EventType: models.EventTypeSpend, Subtype: models.SubtypeNone},
					Transform: Transform{
						ToType:         models.EventTypeDeposit,
						ToSubtype:      models.SubtypeDepositForWrapped,
						ToCounterparty: CounterpartyBalancerV3,
						ToNotes:        "Deposit {amount} {asset} to a balancer-v3 pool",
					},
				},
			},
		}, nil
	}
	if lp, ok := findBurnedToken(ctx); ok {
		symbol, _ := ResolveToken(ctx.Tokens, ctx.Tx.Chain, lp)
		return DecodingOutput{
			Counterparty: CounterpartyBalancerV3,
			ActionItems: []ActionItem{
				{
					Match: Match{EventType: models.EventTypeSpend, Subtype: models.SubtypeNone, Asset: symbol},
					Transform: Transform{
						ToType:         models.EventTypeSpend,
						ToSubtype:      models.SubtypeReturnWrapped,
						ToCounterparty: CounterpartyBalancerV3,
						ToNotes:        "Return {amount} {asset} to a balancer-v3 pool",
					},
				},
				{
					Match: Match{EventType: models.EventTypeReceive, Subtype: models.SubtypeNone},
					Transform: Transform{
						ToType:         models.EventTypeWithdrawal,
						ToSubtype:      models.SubtypeRedeemWrapped,
						ToCounterparty: CounterpartyBalancerV3,
						ToNotes:        "Withdraw {amount} {asset} from a balancer-v3 pool",
					},
				},
			},
		}, nil
	}
	// No LP movement, so the vault call was a swap.
	out, err := swapDecoder(CounterpartyBalancerV3)(ctx)
	if err != nil {
		return out, err
	}
	// v3 swaps reuse the generic swap ordering.
	return out, nil
}

// findMintedToken looks for a transfer from the zero address to a tracked
// address and returns the token contract.
func findMintedToken(ctx *DecodeContext) (common.Address, bool) {
	for i := range ctx.AllLogs {
		log := &ctx.AllLogs[i]
		if log.Topic0() != TopicERC20Transfer || len(log.Topics) < 3 {
			continue
		}
		from := common.BytesToAddress(log.Topics[1].Bytes())
		to := common.BytesToAddress(log.Topics[2].Bytes())
		if from == (common.Address{}) && ctx.IsTracked(to) {
			return log.Address, true
		}
	}
	return common.Address{}, false
}

// findBurnedToken is the mirror: a tracked address sent tokens to zero.
func findBurnedToken(ctx *DecodeContext) (common.Address, bool) {
	for i := range ctx.AllLogs {
		log := &ctx.AllLogs[i]
		if log.Topic0() != TopicERC20Transfer || len(log.Topics) < 3 {
			continue
		}
		from := common.BytesToAddress(log.Topics[1].Bytes())
		to := common.BytesToAddress(log.Topics[2].Bytes())
		if to == (common.Address{}) && ctx.IsTracked(from) {
			return log.Address, true
		}
	}
	return common.Address{}, false
}

// liquidityOrderRule enforces the pairing order the accounting engine expects.
// Liquidity add: deposits come before the wrapped-token receipt, which gets
// extra_data {deposit_events_num: k}. Liquidity remove: the wrapped-token
// return comes before the withdrawals and carries {withdrawal_events_num: k}.
// Leftover plain receives alongside deposits are refunds of unused input.
func liquidityOrderRule(counterparty string) PostRule {
	return func(events []models.HistoryEvent) []models.HistoryEvent {
		deposits := 0
		for i := range events {
			if events[i].Subtype == models.SubtypeDepositForWrapped || events[i].Subtype == models.SubtypeDepositAsset {
				deposits++
			}
		}
		if deposits > 0 {
			for i := range events {
				ev := &events[i]
				if ev.EventType == models.EventTypeReceive && ev.Subtype == models.SubtypeNone {
					ev.EventType = models.EventTypeWithdrawal
					ev.Subtype = models.SubtypeRefund
					ev.Counterparty = counterparty
					ev.Notes = "Refund of " + ev.Amount.String() + " " + ev.Asset + " from " + counterparty
				}
			}
		}

		withdrawals := 0
		for i := range events {
			if events[i].Subtype == models.SubtypeRedeemWrapped || events[i].Subtype == models.SubtypeRemoveAsset {
				withdrawals++
			}
		}
		for i := range events {
			ev := &events[i]
			switch ev.Subtype {
			case models.SubtypeReceiveWrapped:
				if deposits > 0 {
					ev.ExtraData = map[string]any{"deposit_events_num": deposits}
				}
			case models.SubtypeReturnWrapped:
				if withdrawals > 0 {
					ev.ExtraData = map[string]any{"withdrawal_events_num": withdrawals}
				}
			}
		}

		return reorderBySubtype(events, []models.EventSubtype{
			models.SubtypeFee,
			models.SubtypeDepositForWrapped,
			models.SubtypeDepositAsset,
			models.SubtypeReceiveWrapped,
			models.SubtypeReturnWrapped,
			models.SubtypeRedeemWrapped,
			models.SubtypeRemoveAsset,
		})
	}
}

// reorderBySubtype stably reorders events so subtypes listed earlier come
// first; events with unlisted subtypes keep relative order at the end.
func reorderBySubtype(events []models.HistoryEvent, order []models.EventSubtype) []models.HistoryEvent {
	rank := func(s models.EventSubtype) int {
		for i, o := range order {
			if s == o {
				return i
			}
		}
		return len(order)
	}
	out := make([]models.HistoryEvent, 0, len(events))
	for r := 0; r <= len(order); r++ {
		for i := range events {
			if rank(events[i].Subtype) == r {
				out = append(out, events[i])
			}
		}
	}
	return out
}
