package decoder

import (
	"github.com/ethereum/go-ethereum/common"

	"chainledger/internal/models"
)

var (
	// Deposit(address,address,address,uint256,uint16) on the lending pool
	topicAaveDeposit = common.HexToHash("0xde6857219544bb5b7746f48ed30be6386fefc61b2f864cacf559893bf50fd951")
	// Withdraw(address,address,address,uint256)
	topicAaveWithdraw = common.HexToHash("0x3115d1449a7b732c986cba18244e897a450f61e1bb8d589cd2e69e6c8924f9f7")
)

func registerAave(r *Registry) {
	r.RegisterTopic(topicAaveDeposit, aaveDepositDecoder)
	r.RegisterTopic(topicAaveWithdraw, aaveWithdrawDecoder)
	r.RegisterPostRule(CounterpartyAaveV2, liquidityOrderRule(CounterpartyAaveV2))
}

// aaveDepositDecoder matches the underlying-asset transfer by the amount in
// the Deposit log; the aToken mint becomes the wrapped receipt.
func aaveDepositDecoder(ctx *DecodeContext) (DecodingOutput, error) {
	items := []ActionItem{
		{
			Match: Match{EventType: models.EventTypeReceive, Subtype: models.SubtypeNone},
			Transform: Transform{
				ToType:         models.EventTypeReceive,
				ToSubtype:      models.SubtypeReceiveWrapped,
				ToCounterparty: CounterpartyAaveV2,
				ToNotes:        "Receive {amount} {asset} from aave-v2",
			},
		},
	}
	if len(ctx.Log.Topics) >= 2 && len(ctx.Log.Data) >= 32 {
		reserve := common.BytesToAddress(ctx.Log.Topics[1].Bytes())
		symbol, decimals := ResolveToken(ctx.Tokens, ctx.Tx.Chain, reserve)
		items = append(items, ActionItem{
			Match: Match{
				EventType: models.EventTypeSpend,
				Subtype:   models.SubtypeNone,
				Asset:     symbol,
				Amount:    AmountFromWord(ctx.Log.Data[:32], decimals),
				AmountSet: true,
			},
			Transform: Transform{
				ToType:         models.EventTypeDeposit,
				ToSubtype:      models.SubtypeDepositAsset,
				ToCounterparty: CounterpartyAaveV2,
				ToNotes:        "Deposit {amount} {asset} into aave-v2",
			},
		})
	}
	return DecodingOutput{Counterparty: CounterpartyAaveV2, ActionItems: items}, nil
}

func aaveWithdrawDecoder(ctx *DecodeContext) (DecodingOutput, error) {
	items := []ActionItem{
		{
			Match: Match{EventType: models.EventTypeSpend, Subtype: models.SubtypeNone},
			Transform: Transform{
				ToType:         models.EventTypeSpend,
				ToSubtype:      models.SubtypeReturnWrapped,
				ToCounterparty: CounterpartyAaveV2,
				ToNotes:        "Return {amount} {asset} to aave-v2",
			},
		},
	}
	if len(ctx.Log.Topics) >= 2 && len(ctx.Log.Data) >= 32 {
		reserve := common.BytesToAddress(ctx.Log.Topics[1].Bytes())
		symbol, decimals := ResolveToken(ctx.Tokens, ctx.Tx.Chain, reserve)
		items = append(items, ActionItem{
			Match: Match{
				EventType: models.EventTypeReceive,
				Subtype:   models.SubtypeNone,
				Asset:     symbol,
				Amount:    AmountFromWord(ctx.Log.Data[:32], decimals),
				AmountSet: true,
			},
			Transform: Transform{
				ToType:         models.EventTypeWithdrawal,
				ToSubtype:      models.SubtypeRemoveAsset,
				ToCounterparty: CounterpartyAaveV2,
				ToNotes:        "Withdraw {amount} {asset} from aave-v2",
			},
		})
	}
	return DecodingOutput{Counterparty: CounterpartyAaveV2, ActionItems: items}, nil
}
