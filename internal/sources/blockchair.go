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

// Blockchair paginates by block height: each page is capped at limit rows and
// the next page passes before=<earliest block seen>. Pagination stops when a
// page comes back shorter than the limit or the earliest block drops below the
// requested floor.
type Blockchair struct {
	name    string
	baseURL string
	client  *http.Client
	params  *chaincfg.Params
}

func NewBlockchair(baseURL string, client *http.Client) *Blockchair {
	return &Blockchair{name: "blockchair", baseURL: baseURL, client: client, params: &chaincfg.MainNetParams}
}

func (b *Blockchair) Name() string        { return b.name }
func (b *Blockchair) Chain() models.Chain { return models.ChainBitcoin }

const blockchairPageSize = 50

type blockchairAddressData struct {
	Address struct {
		Balance          int64 `json:"balance"`
		TransactionCount int   `json:"transaction_count"`
	} `json:"address"`
	Transactions []blockchairTx `json:"transactions"`
}

type blockchairTx struct {
	Hash    string         `json:"hash"`
	BlockID uint64         `json:"block_id"`
	Time    int64          `json:"time"`
	Fee     int64          `json:"fee"`
	Inputs  []blockchairIO `json:"inputs"`
	Outputs []blockchairIO `json:"outputs"`
}

type blockchairIO struct {
	Value     int64  `json:"value"`
	Recipient string `json:"recipient"`
	ScriptHex string `json:"script_hex"`
}

func (b *Blockchair) dashboard(ctx context.Context, address string, limit int, before uint64) (*blockchairAddressData, error) {
	endpoint := fmt.Sprintf("%s/dashboards/address/%s?limit=%d", b.baseURL, url.PathEscape(address), limit)
	if before > 0 {
		endpoint += fmt.Sprintf("&before=%d", before)
	}
	var resp struct {
		Data map[string]blockchairAddressData `json:"data"`
	}
	if err := getJSON(ctx, b.client, b.name, endpoint, &resp); err != nil {
		return nil, err
	}
	data, ok := resp.Data[address]
	if !ok {
		return nil, &BadResponseError{Provider: b.name, Err: fmt.Errorf("address %s missing from response", address)}
	}
	return &data, nil
}

func (b *Blockchair) Balances(ctx context.Context, addresses []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(addresses))
	for _, addr := range addresses {
		data, err := b.dashboard(ctx, addr, 0, 0)
		if err != nil {
			return nil, err
		}
		out[addr] = decimal.New(data.Address.Balance, -8)
	}
	return out, nil
}

func (b *Blockchair) HasActivity(ctx context.Context, addresses []string) (map[string]Activity, error) {
	out := make(map[string]Activity, len(addresses))
	for _, addr := range addresses {
		data, err := b.dashboard(ctx, addr, 0, 0)
		if err != nil {
			return nil, err
		}
		out[addr] = Activity{
			HasAny:  data.Address.TransactionCount > 0,
			Balance: decimal.New(data.Address.Balance, -8),
		}
	}
	return out, nil
}

func (b *Blockchair) Transactions(ctx context.Context, addresses []string, opts TxOptions) (uint64, []models.RawTransaction, error) {
	var latestBlock uint64
	var all []models.RawTransaction
	seen := make(map[string]bool)

	for _, addr := range addresses {
		before := uint64(0)
		for {
			data, err := b.dashboard(ctx, addr, blockchairPageSize, before)
			if err != nil {
				return 0, nil, err
			}

			var earliest uint64
			belowFloor := false
			for _, raw := range data.Transactions {
				if raw.BlockID == 0 {
					continue
				}
				if raw.BlockID > latestBlock {
					latestBlock = raw.BlockID
				}
				if earliest == 0 || raw.BlockID < earliest {
					earliest = raw.BlockID
				}
				if opts.FromTs > 0 && raw.Time < opts.FromTs {
					belowFloor = true
					continue
				}
				if opts.ToTs > 0 && raw.Time > opts.ToTs {
					continue
				}
				if seen[raw.Hash] {
					continue
				}
				seen[raw.Hash] = true
				all = append(all, b.convertTx(raw))
			}

			if belowFloor || len(data.Transactions) < blockchairPageSize || earliest == 0 {
				break
			}
			before = earliest
		}
	}
	return latestBlock, all, nil
}

func (b *Blockchair) convertTx(raw blockchairTx) models.RawTransaction {
	tx := models.RawTransaction{
		Chain:       models.ChainBitcoin,
		TxID:        raw.Hash,
		BlockHeight: raw.BlockID,
		TimestampMs: raw.Time * 1000,
		Success:     true,
	}
	for _, in := range raw.Inputs {
		tx.Inputs = append(tx.Inputs, b.convertIO(in, models.DirectionIn))
	}
	for _, out := range raw.Outputs {
		tx.Outputs = append(tx.Outputs, b.convertIO(out, models.DirectionOut))
	}
	return tx
}

func (b *Blockchair) convertIO(io blockchairIO, dir models.IODirection) models.TxIO {
	script, _ := hex.DecodeString(io.ScriptHex)
	class, derived := ClassifyScript(script, b.params)
	addr := io.Recipient
	if addr == "" {
		addr = derived
	}
	return models.TxIO{
		ValueSat:  io.Value,
		Script:    script,
		Address:   addr,
		Direction: dir,
		Class:     class,
	}
}
