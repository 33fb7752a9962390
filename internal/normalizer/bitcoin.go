package normalizer

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"chainledger/internal/models"
	"chainledger/internal/sources"
)

// normalizeBitcoin walks a UTXO transaction and emits fee, spend, receive,
// transfer and OP_RETURN events for the tracked participants. An output back
// to an input address cancels against that address's contribution first; only
// the surplus beyond the contribution becomes an event.
func (n *Normalizer) normalizeBitcoin(tx *models.RawTransaction, tracked map[string]bool) ([]models.HistoryEvent, error) {
	inputSat := make(map[string]int64)
	var totalIn int64
	for _, in := range tx.Inputs {
		totalIn += in.ValueSat
		if in.Address != "" {
			inputSat[in.Address] += in.ValueSat
		}
	}

	anyTracked := false
	for addr := range inputSat {
		if tracked[addr] {
			anyTracked = true
		}
	}
	for _, out := range tx.Outputs {
		if out.Address != "" && tracked[out.Address] {
			anyTracked = true
		}
	}
	if !anyTracked {
		return nil, nil
	}

	asset := tx.Chain.NativeAsset()
	var events []models.HistoryEvent

	// Fee shares are computed in satoshis over all inputs so the tracked
	// shares of a fully tracked tx sum to the fee without rounding loss.
	shares := feeShares(tx.FeeSat(), inputSat, totalIn)
	for _, addr := range sortedKeys(shares) {
		if !tracked[addr] || shares[addr] == 0 {
			continue
		}
		amount := decimal.New(shares[addr], -8)
		events = append(events, models.HistoryEvent{
			EventType: models.EventTypeSpend,
			Subtype:   models.SubtypeFee,
			Asset:     asset,
			Amount:    amount,
			Address:   addr,
			Notes:     fmt.Sprintf("Spend %s %s as a transaction fee", amount, asset),
		})
	}

	sender := largestTrackedInput(inputSat, tracked)

	// Per-address credit from the input side. Outputs back to an input address
	// consume this credit before anything counts as a flow.
	credit := make(map[string]int64, len(inputSat))
	for addr, sat := range inputSat {
		credit[addr] = sat
	}

	informationalDone := false
	for _, out := range tx.Outputs {
		if out.Class == models.ScriptOpReturn {
			if informationalDone {
				continue
			}
			informationalDone = true
			addr := sender
			if addr == "" {
				addr = firstTrackedOutput(tx.Outputs, tracked)
			}
			events = append(events, models.HistoryEvent{
				EventType: models.EventTypeInformational,
				Subtype:   models.SubtypeNone,
				Asset:     asset,
				Amount:    decimal.Zero,
				Address:   addr,
				Notes:     "Store text on the blockchain: " + opReturnText(out.Script),
			})
			continue
		}
		if out.Address == "" {
			continue
		}
		valueSat := out.ValueSat
		if c := credit[out.Address]; c > 0 {
			cancelled := c
			if valueSat < cancelled {
				cancelled = valueSat
			}
			credit[out.Address] -= cancelled
			valueSat -= cancelled
		}
		if valueSat == 0 {
			// Pure change, cancels against the input side.
			continue
		}

		amount := decimal.New(valueSat, -8)
		receiverTracked := tracked[out.Address]
		switch {
		case sender != "" && receiverTracked && out.Address != sender:
			events = append(events, models.HistoryEvent{
				EventType:     models.EventTypeTransfer,
				Subtype:       models.SubtypeNone,
				Asset:         asset,
				Amount:        amount,
				Address:       sender,
				LocationLabel: out.Address,
				Notes:         fmt.Sprintf("Transfer %s %s to %s", amount, asset, out.Address),
			})
		case sender != "" && !receiverTracked:
			events = append(events, models.HistoryEvent{
				EventType:     models.EventTypeSpend,
				Subtype:       models.SubtypeNone,
				Asset:         asset,
				Amount:        amount,
				Address:       sender,
				LocationLabel: out.Address,
				Notes:         fmt.Sprintf("Send %s %s to %s", amount, asset, out.Address),
			})
		case receiverTracked:
			events = append(events, models.HistoryEvent{
				EventType: models.EventTypeReceive,
				Subtype:   models.SubtypeNone,
				Asset:     asset,
				Amount:    amount,
				Address:   out.Address,
				Notes:     fmt.Sprintf("Receive %s %s", amount, asset),
			})
		}
	}
	return events, nil
}

// feeShares splits the fee across input addresses proportionally to their
// contributed value, in integer satoshis. The rounding leftover goes to the
// largest remainders so the shares always sum to the fee exactly.
func feeShares(fee int64, contributions map[string]int64, totalIn int64) map[string]int64 {
	shares := make(map[string]int64, len(contributions))
	if fee <= 0 || totalIn <= 0 {
		return shares
	}

	type rem struct {
		addr string
		rem  *big.Int
	}
	var rems []rem
	distributed := int64(0)
	total := big.NewInt(totalIn)
	for addr, contrib := range contributions {
		num := new(big.Int).Mul(big.NewInt(fee), big.NewInt(contrib))
		quo, mod := new(big.Int).QuoRem(num, total, new(big.Int))
		shares[addr] = quo.Int64()
		distributed += quo.Int64()
		rems = append(rems, rem{addr: addr, rem: mod})
	}
	sort.Slice(rems, func(i, j int) bool {
		if c := rems[i].rem.Cmp(rems[j].rem); c != 0 {
			return c > 0
		}
		return rems[i].addr < rems[j].addr
	})
	for i := 0; distributed < fee && i < len(rems); i++ {
		shares[rems[i].addr]++
		distributed++
	}
	return shares
}

// largestTrackedInput picks the tracked input address with the biggest
// contribution, so multi-input spends get a deterministic sender.
func largestTrackedInput(inputSat map[string]int64, tracked map[string]bool) string {
	best := ""
	var bestSat int64
	for _, addr := range sortedKeys(inputSat) {
		if tracked[addr] && inputSat[addr] > bestSat {
			best, bestSat = addr, inputSat[addr]
		}
	}
	return best
}

func firstTrackedOutput(outputs []models.TxIO, tracked map[string]bool) string {
	for _, out := range outputs {
		if out.Address != "" && tracked[out.Address] {
			return out.Address
		}
	}
	return ""
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// opReturnText decodes an OP_RETURN payload as text when printable, hex
// otherwise.
func opReturnText(script []byte) string {
	payload := sources.OpReturnPayload(script)
	if payload == nil {
		return hex.EncodeToString(script)
	}
	if utf8.Valid(payload) && isPrintable(string(payload)) {
		return string(payload)
	}
	return hex.EncodeToString(payload)
}

func isPrintable(s string) bool {
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return s != ""
}
