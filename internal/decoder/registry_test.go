package decoder

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"chainledger/internal/models"
)

var testTokens = StaticTokens{
	common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"): {Symbol: "DAI", Decimals: 18},
	common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"): {Symbol: "USDC", Decimals: 6},
	common.HexToAddress("0x1111111111111111111111111111111111111111"): {Symbol: "BPT-TEST", Decimals: 18},
}

func TestActionItemApply(t *testing.T) {
	t.Parallel()

	item := ActionItem{
		Match: Match{EventType: models.EventTypeSpend, Subtype: models.SubtypeNone, Asset: "DAI"},
		Transform: Transform{
			ToType:         models.EventTypeTrade,
			ToSubtype:      models.SubtypeSpend,
			ToCounterparty: CounterpartyUniswapV2,
			ToNotes:        "Swap {amount} {asset} in uniswap-v2",
		},
	}

	ev := models.HistoryEvent{
		EventType: models.EventTypeSpend,
		Subtype:   models.SubtypeNone,
		Asset:     "DAI",
		Amount:    decimal.RequireFromString("5"),
	}
	if !item.Apply(&ev) {
		t.Fatal("Apply() = false for a matching event")
	}
	if ev.EventType != models.EventTypeTrade || ev.Subtype != models.SubtypeSpend {
		t.Fatalf("transformed to %s/%s, want trade/spend", ev.EventType, ev.Subtype)
	}
	if ev.Notes != "Swap 5 DAI in uniswap-v2" {
		t.Fatalf("notes = %q", ev.Notes)
	}

	other := models.HistoryEvent{EventType: models.EventTypeReceive, Subtype: models.SubtypeNone, Asset: "DAI"}
	if item.Apply(&other) {
		t.Fatal("Apply() = true for a non-matching event type")
	}
}

func TestActionItemAmountMatch(t *testing.T) {
	t.Parallel()

	item := ActionItem{
		Match: Match{
			EventType: models.EventTypeSpend,
			Amount:    decimal.RequireFromString("1.5"),
			AmountSet: true,
		},
		Transform: Transform{ToType: models.EventTypeDeposit},
	}

	hit := models.HistoryEvent{EventType: models.EventTypeSpend, Amount: decimal.RequireFromString("1.50")}
	if !item.Apply(&hit) {
		t.Fatal("Apply() = false, amounts 1.5 and 1.50 should compare equal")
	}
	miss := models.HistoryEvent{EventType: models.EventTypeSpend, Amount: decimal.RequireFromString("1.51")}
	if item.Apply(&miss) {
		t.Fatal("Apply() = true for a different amount")
	}
}

func TestRegistryDispatchOrder(t *testing.T) {
	t.Parallel()

	r := NewRegistry(1, testTokens)
	contract := common.HexToAddress("0x2222222222222222222222222222222222222222")
	topic := common.HexToHash("0x3333333333333333333333333333333333333333333333333333333333333333")

	var calls []string
	r.RegisterAddress(contract, func(*DecodeContext) (DecodingOutput, error) {
		calls = append(calls, "address")
		return DecodingOutput{}, nil
	})
	r.RegisterTopic(topic, func(*DecodeContext) (DecodingOutput, error) {
		calls = append(calls, "topic")
		return DecodingOutput{}, nil
	})

	log := models.LogRecord{Address: contract, Topics: []common.Hash{topic}}
	for _, fn := range r.DecodersFor(&log) {
		fn(nil)
	}
	if len(calls) != 2 || calls[0] != "address" || calls[1] != "topic" {
		t.Fatalf("dispatch order = %v, want [address topic]", calls)
	}
}

func TestSwapOrderRule(t *testing.T) {
	t.Parallel()

	events := []models.HistoryEvent{
		{EventType: models.EventTypeSpend, Subtype: models.SubtypeFee, Asset: "ETH"},
		{EventType: models.EventTypeTrade, Subtype: models.SubtypeReceive, Asset: "USDC"},
		{EventType: models.EventTypeTrade, Subtype: models.SubtypeSpend, Asset: "DAI"},
	}
	out := swapOrderRule(events)
	if out[0].Subtype != models.SubtypeFee {
		t.Fatalf("fee moved to index %d", indexOfSubtype(out, models.SubtypeFee))
	}
	if indexOfSubtype(out, models.SubtypeSpend) > indexOfSubtype(out, models.SubtypeReceive) {
		t.Fatal("spend leg must precede receive leg after the swap rule")
	}
}

func TestLiquidityAddRule(t *testing.T) {
	t.Parallel()

	rule := liquidityOrderRule(CounterpartyBalancerV3)
	events := []models.HistoryEvent{
		{EventType: models.EventTypeSpend, Subtype: models.SubtypeFee, Asset: "ETH"},
		{EventType: models.EventTypeReceive, Subtype: models.SubtypeReceiveWrapped, Asset: "BPT-TEST"},
		{EventType: models.EventTypeDeposit, Subtype: models.SubtypeDepositForWrapped, Asset: "RZR"},
	}
	out := rule(events)

	fee := indexOfSubtype(out, models.SubtypeFee)
	dep := indexOfSubtype(out, models.SubtypeDepositForWrapped)
	wrapped := indexOfSubtype(out, models.SubtypeReceiveWrapped)
	if !(fee < dep && dep < wrapped) {
		t.Fatalf("order fee=%d deposit=%d wrapped=%d, want fee < deposit < wrapped", fee, dep, wrapped)
	}
	if got := out[wrapped].ExtraData["deposit_events_num"]; got != 1 {
		t.Fatalf("deposit_events_num = %v, want 1", got)
	}
}

func TestLiquidityRemoveRule(t *testing.T) {
	t.Parallel()

	rule := liquidityOrderRule(CounterpartyBalancerV3)
	events := []models.HistoryEvent{
		{EventType: models.EventTypeSpend, Subtype: models.SubtypeFee, Asset: "ETH"},
		{EventType: models.EventTypeWithdrawal, Subtype: models.SubtypeRedeemWrapped, Asset: "DAI"},
		{EventType: models.EventTypeWithdrawal, Subtype: models.SubtypeRedeemWrapped, Asset: "USDC"},
		{EventType: models.EventTypeSpend, Subtype: models.SubtypeReturnWrapped, Asset: "BPT-TEST"},
	}
	out := rule(events)

	ret := indexOfSubtype(out, models.SubtypeReturnWrapped)
	for i := range out {
		if out[i].Subtype == models.SubtypeRedeemWrapped && i < ret {
			t.Fatalf("withdrawal at index %d precedes return-wrapped at %d", i, ret)
		}
	}
	if got := out[ret].ExtraData["withdrawal_events_num"]; got != 2 {
		t.Fatalf("withdrawal_events_num = %v, want 2", got)
	}
	// DAI before USDC: relative order of equals is preserved.
	if indexOfAsset(out, "DAI") > indexOfAsset(out, "USDC") {
		t.Fatal("withdrawal order not stable")
	}
}

func TestLiquidityRefundFlip(t *testing.T) {
	t.Parallel()

	rule := liquidityOrderRule(CounterpartyBalancerV3)
	events := []models.HistoryEvent{
		{EventType: models.EventTypeDeposit, Subtype: models.SubtypeDepositForWrapped, Asset: "DAI", Amount: decimal.RequireFromString("100")},
		{EventType: models.EventTypeReceive, Subtype: models.SubtypeReceiveWrapped, Asset: "BPT-TEST"},
		{EventType: models.EventTypeReceive, Subtype: models.SubtypeNone, Asset: "DAI", Amount: decimal.RequireFromString("0.37")},
	}
	out := rule(events)

	found := false
	for i := range out {
		if out[i].Subtype == models.SubtypeRefund {
			found = true
			if out[i].EventType != models.EventTypeWithdrawal {
				t.Fatalf("refund event type = %s, want withdrawal", out[i].EventType)
			}
		}
	}
	if !found {
		t.Fatal("leftover receive was not flipped to a refund")
	}
}

func TestResolveTokenFallback(t *testing.T) {
	t.Parallel()

	unknown := common.HexToAddress("0x9999999999999999999999999999999999999999")
	symbol, decimals := ResolveToken(testTokens, models.ChainEthereum, unknown)
	want := "eip155:1/erc20:" + unknown.Hex()
	if symbol != want {
		t.Fatalf("symbol = %q, want %q", symbol, want)
	}
	if decimals != 18 {
		t.Fatalf("decimals = %d, want 18", decimals)
	}
}

func indexOfSubtype(events []models.HistoryEvent, subtype models.EventSubtype) int {
	for i := range events {
		if events[i].Subtype == subtype {
			return i
		}
	}
	return -1
}

func indexOfAsset(events []models.HistoryEvent, asset string) int {
	for i := range events {
		if events[i].Asset == asset {
			return i
		}
	}
	return -1
}
