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

	"chainledger/internal/models"
)

// BlockchainInfo speaks the blockchain.info multiaddr API: one call covers a
// batch of addresses, paginated by offset.
type BlockchainInfo struct {
	name    string
	baseURL string
	client  *http.Client
	params  *chaincfg.Params
}

func NewBlockchainInfo(baseURL string, client *http.Client) *BlockchainInfo {
	return &BlockchainInfo{name: "blockchain.info", baseURL: baseURL, client: client, params: &chaincfg.MainNetParams}
}

func (b *BlockchainInfo) Name() string        { return b.name }
func (b *BlockchainInfo) Chain() models.Chain { return models.ChainBitcoin }

const multiaddrPageSize = 100

type multiaddrResponse struct {
	Addresses []struct {
		Address      string `json:"address"`
		FinalBalance int64  `json:"final_balance"`
		NTx          int    `json:"n_tx"`
	} `json:"addresses"`
	Txs []multiaddrTx `json:"txs"`
}

type multiaddrTx struct {
	Hash        string `json:"hash"`
	Time        int64  `json:"time"`
	BlockHeight uint64 `json:"block_height"`
	Fee         int64  `json:"fee"`
	Inputs      []struct {
		PrevOut multiaddrOut `json:"prev_out"`
	} `json:"inputs"`
	Out []multiaddrOut `json:"out"`
}

type multiaddrOut struct {
	Value  int64  `json:"value"`
	Addr   string `json:"addr"`
	Script string `json:"script"`
}

func (b *BlockchainInfo) multiaddr(ctx context.Context, addresses []string, n, offset int) (*multiaddrResponse, error) {
	endpoint := fmt.Sprintf("%s/multiaddr?active=%s&n=%d&offset=%d",
		b.baseURL, url.QueryEscape(strings.Join(addresses, "|")), n, offset)
	var resp multiaddrResponse
	if err := getJSON(ctx, b.client, b.name, endpoint, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *BlockchainInfo) Balances(ctx context.Context, addresses []string) (map[string]decimal.Decimal, error) {
	resp, err := b.multiaddr(ctx, addresses, 0, 0)
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(addresses))
	for _, a := range resp.Addresses {
		out[a.Address] = decimal.New(a.FinalBalance, -8)
	}
	return out, nil
}

func (b *BlockchainInfo) HasActivity(ctx context.Context, addresses []string) (map[string]Activity, error) {
	resp, err := b.multiaddr(ctx, addresses, 0, 0)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Activity, len(addresses))
	for _, a := range resp.Addresses {
		out[a.Address] = Activity{HasAny: a.NTx > 0, Balance: decimal.New(a.FinalBalance, -8)}
	}
	return out, nil
}

func (b *BlockchainInfo) Transactions(ctx context.Context, addresses []string, opts TxOptions) (uint64, []models.RawTransaction, error) {
	var latestBlock uint64
	var all []models.RawTransaction
	seen := make(map[string]bool)

	offset := 0
	for {
		resp, err := b.multiaddr(ctx, addresses, multiaddrPageSize, offset)
		if err != nil {
			return 0, nil, err
		}

		reachedFloor := false
		for _, raw := range resp.Txs {
			if raw.BlockHeight == 0 {
				continue // unconfirmed
			}
			if raw.BlockHeight > latestBlock {
				latestBlock = raw.BlockHeight
			}
			if opts.FromTs > 0 && raw.Time < opts.FromTs {
				reachedFloor = true
				break
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

		if reachedFloor || len(resp.Txs) < multiaddrPageSize {
			break
		}
		offset += multiaddrPageSize
	}
	return latestBlock, all, nil
}

func (b *BlockchainInfo) convertTx(raw multiaddrTx) models.RawTransaction {
	tx := models.RawTransaction{
		Chain:       models.ChainBitcoin,
		TxID:        raw.Hash,
		BlockHeight: raw.BlockHeight,
		TimestampMs: raw.Time * 1000,
		Success:     true,
	}
	for _, in := range raw.Inputs {
		tx.Inputs = append(tx.Inputs, b.convertIO(in.PrevOut, models.DirectionIn))
	}
	for _, out := range raw.Out {
		tx.Outputs = append(tx.Outputs, b.convertIO(out, models.DirectionOut))
	}
	return tx
}

func (b *BlockchainInfo) convertIO(out multiaddrOut, dir models.IODirection) models.TxIO {
	script, _ := hex.DecodeString(out.Script)
	class, derived := ClassifyScript(script, b.params)
	addr := out.Addr
	if addr == "" {
		addr = derived
	}
	return models.TxIO{
		ValueSat:  out.Value,
		Script:    script,
		Address:   addr,
		Direction: dir,
		Class:     class,
	}
}
