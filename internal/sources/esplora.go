package sources

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"

	"chainledger/internal/models"
)

// Esplora speaks the blockstream.info / mempool.space REST schema. Two base
// URLs give us two independent providers over the same parser.
type Esplora struct {
	name    string
	baseURL string
	client  *http.Client
	params  *chaincfg.Params
}

func NewEsplora(name, baseURL string, client *http.Client) *Esplora {
	return &Esplora{name: name, baseURL: baseURL, client: client, params: &chaincfg.MainNetParams}
}

func (e *Esplora) Name() string        { return e.name }
func (e *Esplora) Chain() models.Chain { return models.ChainBitcoin }

type esploraAddressInfo struct {
	Address    string `json:"address"`
	ChainStats struct {
		FundedTxoSum int64 `json:"funded_txo_sum"`
		SpentTxoSum  int64 `json:"spent_txo_sum"`
		TxCount      int   `json:"tx_count"`
	} `json:"chain_stats"`
}

type esploraTx struct {
	TxID   string `json:"txid"`
	Fee    int64  `json:"fee"`
	Status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint64 `json:"block_height"`
		BlockTime   int64  `json:"block_time"`
	} `json:"status"`
	Vin []struct {
		Prevout struct {
			ScriptPubKey        string `json:"scriptpubkey"`
			ScriptPubKeyAddress string `json:"scriptpubkey_address"`
			Value               int64  `json:"value"`
		} `json:"prevout"`
	} `json:"vin"`
	Vout []struct {
		ScriptPubKey        string `json:"scriptpubkey"`
		ScriptPubKeyAddress string `json:"scriptpubkey_address"`
		Value               int64  `json:"value"`
	} `json:"vout"`
}

func (e *Esplora) addressInfo(ctx context.Context, address string) (*esploraAddressInfo, error) {
	var info esploraAddressInfo
	if err := getJSON(ctx, e.client, e.name, fmt.Sprintf("%s/address/%s", e.baseURL, url.PathEscape(address)), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (e *Esplora) Balances(ctx context.Context, addresses []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(addresses))
	for _, addr := range addresses {
		info, err := e.addressInfo(ctx, addr)
		if err != nil {
			return nil, err
		}
		out[addr] = decimal.New(info.ChainStats.FundedTxoSum-info.ChainStats.SpentTxoSum, -8)
	}
	return out, nil
}

func (e *Esplora) HasActivity(ctx context.Context, addresses []string) (map[string]Activity, error) {
	out := make(map[string]Activity, len(addresses))
	for _, addr := range addresses {
		info, err := e.addressInfo(ctx, addr)
		if err != nil {
			return nil, err
		}
		out[addr] = Activity{
			HasAny:  info.ChainStats.TxCount > 0,
			Balance: decimal.New(info.ChainStats.FundedTxoSum-info.ChainStats.SpentTxoSum, -8),
		}
	}
	return out, nil
}

const esploraPageSize = 25

func (e *Esplora) Transactions(ctx context.Context, addresses []string, opts TxOptions) (uint64, []models.RawTransaction, error) {
	var latestBlock uint64
	var all []models.RawTransaction
	seen := make(map[string]bool)

	for _, addr := range addresses {
		lastSeen := ""
		for {
			endpoint := fmt.Sprintf("%s/address/%s/txs/chain", e.baseURL, url.PathEscape(addr))
			if lastSeen != "" {
				endpoint += "/" + lastSeen
			}
			var page []esploraTx
			if err := getJSON(ctx, e.client, e.name, endpoint, &page); err != nil {
				return 0, nil, err
			}

			reachedFloor := false
			for _, raw := range page {
				if !raw.Status.Confirmed {
					continue
				}
				if raw.Status.BlockHeight > latestBlock {
					latestBlock = raw.Status.BlockHeight
				}
				// Pages are newest-first; once below the window floor we can stop.
				if opts.FromTs > 0 && raw.Status.BlockTime < opts.FromTs {
					reachedFloor = true
					break
				}
				if opts.ToTs > 0 && raw.Status.BlockTime > opts.ToTs {
					continue
				}
				if seen[raw.TxID] {
					continue
				}
				seen[raw.TxID] = true
				all = append(all, e.convertTx(raw))
			}

			if reachedFloor || len(page) < esploraPageSize {
				break
			}
			lastSeen = page[len(page)-1].TxID
		}
	}
	return latestBlock, all, nil
}

func (e *Esplora) convertTx(raw esploraTx) models.RawTransaction {
	tx := models.RawTransaction{
		Chain:       models.ChainBitcoin,
		TxID:        raw.TxID,
		BlockHeight: raw.Status.BlockHeight,
		TimestampMs: raw.Status.BlockTime * 1000,
		Success:     true,
	}
	for _, in := range raw.Vin {
		tx.Inputs = append(tx.Inputs, e.convertIO(in.Prevout.ScriptPubKey, in.Prevout.ScriptPubKeyAddress, in.Prevout.Value, models.DirectionIn))
	}
	for _, out := range raw.Vout {
		tx.Outputs = append(tx.Outputs, e.convertIO(out.ScriptPubKey, out.ScriptPubKeyAddress, out.Value, models.DirectionOut))
	}
	return tx
}

func (e *Esplora) convertIO(scriptHex, address string, value int64, dir models.IODirection) models.TxIO {
	script, _ := hex.DecodeString(scriptHex)
	class, derived := ClassifyScript(script, e.params)
	if address == "" {
		// P2PK outputs carry no embedded address; use the derived one.
		address = derived
	}
	return models.TxIO{
		ValueSat:  value,
		Script:    script,
		Address:   address,
		Direction: dir,
		Class:     class,
	}
}
