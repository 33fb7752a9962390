package sources

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"

	"chainledger/internal/bitcoinaddr"
	"chainledger/internal/models"
)

// Haskoin is the Bitcoin Cash provider. It speaks CashAddr; addresses in its
// responses may arrive with the bitcoincash: prefix or without, so results are
// keyed back to the requested form via canonical comparison.
type Haskoin struct {
	name    string
	baseURL string
	client  *http.Client
	params  *chaincfg.Params
}

func NewHaskoin(baseURL string, client *http.Client) *Haskoin {
	return &Haskoin{name: "haskoin", baseURL: baseURL, client: client, params: &chaincfg.MainNetParams}
}

func (h *Haskoin) Name() string        { return h.name }
func (h *Haskoin) Chain() models.Chain { return models.ChainBitcoinCash }

const haskoinPageSize = 100

type haskoinBalance struct {
	Address   string `json:"address"`
	Confirmed int64  `json:"confirmed"`
	TxCount   int    `json:"txs"`
}

type haskoinTx struct {
	TxID  string `json:"txid"`
	Time  int64  `json:"time"`
	Block struct {
		Height uint64 `json:"height"`
	} `json:"block"`
	Fee     int64       `json:"fee"`
	Inputs  []haskoinIO `json:"inputs"`
	Outputs []haskoinIO `json:"outputs"`
}

type haskoinIO struct {
	Value    int64  `json:"value"`
	Address  string `json:"address"`
	PkScript string `json:"pkscript"`
}

// matchRequested maps a provider-reported address (either CashAddr form) back
// to the requested address string, or "" when it is not one of ours.
func matchRequested(reported string, requested []string) string {
	canonReported, err := bitcoinaddr.Canonical(reported)
	if err != nil {
		return ""
	}
	for _, req := range requested {
		if canonReq, err := bitcoinaddr.Canonical(req); err == nil && canonReq == canonReported {
			return req
		}
	}
	return ""
}

func (h *Haskoin) Balances(ctx context.Context, addresses []string) (map[string]decimal.Decimal, error) {
	joined := make([]string, 0, len(addresses))
	for _, a := range addresses {
		canon, err := bitcoinaddr.Canonical(a)
		if err != nil {
			return nil, &BadResponseError{Provider: h.name, Err: err}
		}
		joined = append(joined, canon)
	}

	var balances []haskoinBalance
	endpoint := fmt.Sprintf("%s/address/balances?addresses=%s", h.baseURL, url.QueryEscape(strings.Join(joined, ",")))
	if err := getJSON(ctx, h.client, h.name, endpoint, &balances); err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(addresses))
	for _, b := range balances {
		if req := matchRequested(b.Address, addresses); req != "" {
			out[req] = decimal.New(b.Confirmed, -8)
		}
	}
	return out, nil
}

func (h *Haskoin) HasActivity(ctx context.Context, addresses []string) (map[string]Activity, error) {
	joined := make([]string, 0, len(addresses))
	for _, a := range addresses {
		canon, err := bitcoinaddr.Canonical(a)
		if err != nil {
			return nil, &BadResponseError{Provider: h.name, Err: err}
		}
		joined = append(joined, canon)
	}

	var balances []haskoinBalance
	endpoint := fmt.Sprintf("%s/address/balances?addresses=%s", h.baseURL, url.QueryEscape(strings.Join(joined, ",")))
	if err := getJSON(ctx, h.client, h.name, endpoint, &balances); err != nil {
		return nil, err
	}

	out := make(map[string]Activity, len(addresses))
	for _, b := range balances {
		if req := matchRequested(b.Address, addresses); req != "" {
			out[req] = Activity{HasAny: b.TxCount > 0, Balance: decimal.New(b.Confirmed, -8)}
		}
	}
	return out, nil
}

func (h *Haskoin) Transactions(ctx context.Context, addresses []string, opts TxOptions) (uint64, []models.RawTransaction, error) {
	var latestBlock uint64
	var all []models.RawTransaction
	seen := make(map[string]bool)

	for _, addr := range addresses {
		canon, err := bitcoinaddr.Canonical(addr)
		if err != nil {
			return 0, nil, &BadResponseError{Provider: h.name, Err: err}
		}

		offset := 0
		for {
			endpoint := fmt.Sprintf("%s/address/%s/transactions/full?limit=%d&offset=%d",
				h.baseURL, url.PathEscape(canon), haskoinPageSize, offset)
			var page []haskoinTx
			if err := getJSON(ctx, h.client, h.name, endpoint, &page); err != nil {
				return 0, nil, err
			}

			reachedFloor := false
			for _, raw := range page {
				if raw.Block.Height == 0 {
					continue
				}
				if raw.Block.Height > latestBlock {
					latestBlock = raw.Block.Height
				}
				if opts.FromTs > 0 && raw.Time < opts.FromTs {
					reachedFloor = true
					break
				}
				if opts.ToTs > 0 && raw.Time > opts.ToTs {
					continue
				}
				if seen[raw.TxID] {
					continue
				}
				seen[raw.TxID] = true
				all = append(all, h.convertTx(raw))
			}

			if reachedFloor || len(page) < haskoinPageSize {
				break
			}
			offset += haskoinPageSize
		}
	}
	return latestBlock, all, nil
}

func (h *Haskoin) convertTx(raw haskoinTx) models.RawTransaction {
	tx := models.RawTransaction{
		Chain:       models.ChainBitcoinCash,
		TxID:        raw.TxID,
		BlockHeight: raw.Block.Height,
		TimestampMs: raw.Time * 1000,
		Success:     true,
	}
	for _, in := range raw.Inputs {
		tx.Inputs = append(tx.Inputs, h.convertIO(in, models.DirectionIn))
	}
	for _, out := range raw.Outputs {
		tx.Outputs = append(tx.Outputs, h.convertIO(out, models.DirectionOut))
	}
	return tx
}

func (h *Haskoin) convertIO(io haskoinIO, dir models.IODirection) models.TxIO {
	script, _ := hex.DecodeString(io.PkScript)
	class, _ := ClassifyScript(script, h.params)

	// Normalize whatever form the provider used to the canonical prefixed one.
	addr := io.Address
	if addr != "" {
		if canon, err := bitcoinaddr.Canonical(addr); err == nil {
			addr = canon
		}
	}
	return models.TxIO{
		ValueSat:  io.Value,
		Script:    script,
		Address:   addr,
		Direction: dir,
		Class:     class,
	}
}
