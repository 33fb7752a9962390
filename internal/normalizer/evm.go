package normalizer

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"chainledger/internal/decoder"
	"chainledger/internal/models"
)

// normalizeEVM builds preliminary events from the native transfer and the
// ERC-20 transfer logs, then lets the registry's decoders rewrite them into
// semantic events. The gas fee event always comes first and survives every
// post rule. Addresses on emitted events are lowercased so they match the
// canonical form tracked accounts and event queries use.
func (n *Normalizer) normalizeEVM(tx *models.RawTransaction, tracked map[string]bool) ([]models.HistoryEvent, error) {
	from := strings.ToLower(tx.From)
	to := strings.ToLower(tx.To)
	fromTracked := tracked[from]
	toTracked := tracked[to]

	var events []models.HistoryEvent

	if fromTracked {
		fee := tx.Fee()
		events = append(events, models.HistoryEvent{
			EventType: models.EventTypeSpend,
			Subtype:   models.SubtypeFee,
			Asset:     tx.Chain.NativeAsset(),
			Amount:    fee,
			Address:   from,
			Notes:     fmt.Sprintf("Burn %s %s for gas", fee, tx.Chain.NativeAsset()),
		})
	}

	if tx.ValueWei.IsPositive() && (fromTracked || toTracked) {
		amount := tx.ValueWei.Shift(-18)
		asset := tx.Chain.NativeAsset()
		switch {
		case fromTracked && toTracked:
			events = append(events, models.HistoryEvent{
				EventType:     models.EventTypeTransfer,
				Subtype:       models.SubtypeNone,
				Asset:         asset,
				Amount:        amount,
				Address:       from,
				LocationLabel: to,
				Notes:         fmt.Sprintf("Transfer %s %s to %s", amount, asset, to),
			})
		case fromTracked:
			events = append(events, models.HistoryEvent{
				EventType:     models.EventTypeSpend,
				Subtype:       models.SubtypeNone,
				Asset:         asset,
				Amount:        amount,
				Address:       from,
				LocationLabel: to,
				Notes:         fmt.Sprintf("Send %s %s to %s", amount, asset, to),
			})
		default:
			events = append(events, models.HistoryEvent{
				EventType:     models.EventTypeReceive,
				Subtype:       models.SubtypeNone,
				Asset:         asset,
				Amount:        amount,
				Address:       to,
				LocationLabel: from,
				Notes:         fmt.Sprintf("Receive %s %s from %s", amount, asset, from),
			})
		}
	}

	events = append(events, n.erc20TransferEvents(tx, tracked)...)

	ctx := &decoder.DecodeContext{
		Tx:      tx,
		AllLogs: tx.Logs,
		Tracked: tracked,
		Tokens:  n.registry.Tokens(),
	}

	var items []decoder.ActionItem
	var counterparties []string
	seen := make(map[string]bool)
	for i := range tx.Logs {
		logRec := &tx.Logs[i]
		for _, fn := range n.registry.DecodersFor(logRec) {
			ctx.Log = logRec
			ctx.DecodedSoFar = events
			out, err := fn(ctx)
			if err != nil {
				n.decoderFailed(tx.TxID, logRec.Index, err)
				continue
			}
			if out.Event != nil {
				events = append(events, *out.Event)
			}
			items = append(items, out.ActionItems...)
			if out.Counterparty != "" && !seen[out.Counterparty] {
				seen[out.Counterparty] = true
				counterparties = append(counterparties, out.Counterparty)
			}
		}
	}

	for _, item := range items {
		for i := range events {
			item.Apply(&events[i])
		}
	}

	for _, cp := range counterparties {
		if rule := n.registry.PostRuleFor(cp); rule != nil {
			events = rule(events)
		}
	}
	return events, nil
}

// erc20TransferEvents emits a preliminary event per Transfer log with a
// tracked side. A transfer between two tracked addresses is one TRANSFER
// event, not a spend/receive pair.
func (n *Normalizer) erc20TransferEvents(tx *models.RawTransaction, tracked map[string]bool) []models.HistoryEvent {
	var events []models.HistoryEvent
	for i := range tx.Logs {
		logRec := &tx.Logs[i]
		if logRec.Topic0() != decoder.TopicERC20Transfer || len(logRec.Topics) < 3 || len(logRec.Data) < 32 {
			continue
		}
		from := strings.ToLower(common.BytesToAddress(logRec.Topics[1].Bytes()).Hex())
		to := strings.ToLower(common.BytesToAddress(logRec.Topics[2].Bytes()).Hex())
		fromTracked := tracked[from]
		toTracked := tracked[to]
		if !fromTracked && !toTracked {
			continue
		}

		symbol, decimals := decoder.ResolveToken(n.registry.Tokens(), tx.Chain, logRec.Address)
		amount := decoder.AmountFromWord(logRec.Data[:32], decimals)
		switch {
		case fromTracked && toTracked:
			events = append(events, models.HistoryEvent{
				EventType:     models.EventTypeTransfer,
				Subtype:       models.SubtypeNone,
				Asset:         symbol,
				Amount:        amount,
				Address:       from,
				LocationLabel: to,
				Notes:         fmt.Sprintf("Transfer %s %s to %s", amount, symbol, to),
			})
		case fromTracked:
			events = append(events, models.HistoryEvent{
				EventType:     models.EventTypeSpend,
				Subtype:       models.SubtypeNone,
				Asset:         symbol,
				Amount:        amount,
				Address:       from,
				LocationLabel: to,
				Notes:         fmt.Sprintf("Send %s %s to %s", amount, symbol, to),
			})
		default:
			events = append(events, models.HistoryEvent{
				EventType:     models.EventTypeReceive,
				Subtype:       models.SubtypeNone,
				Asset:         symbol,
				Amount:        amount,
				Address:       to,
				LocationLabel: from,
				Notes:         fmt.Sprintf("Receive %s %s from %s", amount, symbol, from),
			})
		}
	}
	return events
}
