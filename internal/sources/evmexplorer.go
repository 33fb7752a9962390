package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"chainledger/internal/models"
)

// EVMExplorer speaks the etherscan-style API: account txlist/txlistinternal
// for the tx stream, the proxy receipt endpoint for logs, balancemulti for
// balances. One instance per EVM chain.
type EVMExplorer struct {
	name    string
	baseURL string
	apiKey  string
	chain   models.Chain
	client  *http.Client
}

func NewEVMExplorer(name, baseURL, apiKey string, chain models.Chain, client *http.Client) *EVMExplorer {
	return &EVMExplorer{name: name, baseURL: baseURL, apiKey: apiKey, chain: chain, client: client}
}

func (e *EVMExplorer) Name() string        { return e.name }
func (e *EVMExplorer) Chain() models.Chain { return e.chain }

const evmPageSize = 100

type explorerEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type explorerTxRow struct {
	BlockNumber string `json:"blockNumber"`
	TimeStamp   string `json:"timeStamp"`
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	GasUsed     string `json:"gasUsed"`
	GasPrice    string `json:"gasPrice"`
	IsError     string `json:"isError"`
}

type explorerReceipt struct {
	GasUsed           string `json:"gasUsed"`
	EffectiveGasPrice string `json:"effectiveGasPrice"`
	Status            string `json:"status"`
	Logs              []struct {
		Address  string   `json:"address"`
		Topics   []string `json:"topics"`
		Data     string   `json:"data"`
		LogIndex string   `json:"logIndex"`
	} `json:"logs"`
}

func (e *EVMExplorer) call(ctx context.Context, params url.Values, out any) error {
	if e.apiKey == "" {
		return &MissingAPIKeyError{Service: e.name}
	}
	params.Set("apikey", e.apiKey)
	endpoint := e.baseURL + "?" + params.Encode()
	return getJSON(ctx, e.client, e.name, endpoint, out)
}

func (e *EVMExplorer) Balances(ctx context.Context, addresses []string) (map[string]decimal.Decimal, error) {
	var resp struct {
		explorerEnvelope
		Result []struct {
			Account string `json:"account"`
			Balance string `json:"balance"`
		} `json:"result"`
	}
	params := url.Values{
		"module":  {"account"},
		"action":  {"balancemulti"},
		"address": {strings.Join(addresses, ",")},
		"tag":     {"latest"},
	}
	if err := e.call(ctx, params, &resp); err != nil {
		return nil, err
	}
	if err := e.checkEnvelope(resp.explorerEnvelope); err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(addresses))
	for _, row := range resp.Result {
		wei, err := decimal.NewFromString(row.Balance)
		if err != nil {
			return nil, &BadResponseError{Provider: e.name, Err: fmt.Errorf("balance %q: %w", row.Balance, err)}
		}
		out[strings.ToLower(row.Account)] = wei.Shift(-18)
	}
	return out, nil
}

func (e *EVMExplorer) HasActivity(ctx context.Context, addresses []string) (map[string]Activity, error) {
	balances, err := e.Balances(ctx, addresses)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Activity, len(addresses))
	for _, addr := range addresses {
		bal := balances[strings.ToLower(addr)]
		hasAny := !bal.IsZero()
		if !hasAny {
			// A zero balance can still mean past activity; one cheap page decides.
			rows, err := e.txPage(ctx, "txlist", addr, 1, 1)
			if err != nil {
				return nil, err
			}
			hasAny = len(rows) > 0
		}
		out[addr] = Activity{HasAny: hasAny, Balance: bal}
	}
	return out, nil
}

func (e *EVMExplorer) txPage(ctx context.Context, action, address string, page, offset int) ([]explorerTxRow, error) {
	var resp struct {
		explorerEnvelope
		Result []explorerTxRow `json:"result"`
	}
	params := url.Values{
		"module":  {"account"},
		"action":  {action},
		"address": {address},
		"page":    {strconv.Itoa(page)},
		"offset":  {strconv.Itoa(offset)},
		"sort":    {"desc"},
	}
	if err := e.call(ctx, params, &resp); err != nil {
		return nil, err
	}
	if resp.Status == "0" && !strings.Contains(strings.ToLower(resp.Message), "no transactions found") {
		if err := e.checkEnvelope(resp.explorerEnvelope); err != nil {
			return nil, err
		}
	}
	return resp.Result, nil
}

func (e *EVMExplorer) checkEnvelope(env explorerEnvelope) error {
	if env.Status == "1" || env.Status == "" {
		return nil
	}
	if looksRateLimited(env.Message) {
		return &RateLimitedError{Provider: e.name, RetryAfterSecs: defaultRetryAfterSecs}
	}
	return &BadResponseError{Provider: e.name, Err: fmt.Errorf("explorer error: %s", env.Message)}
}

func (e *EVMExplorer) Transactions(ctx context.Context, addresses []string, opts TxOptions) (uint64, []models.RawTransaction, error) {
	var latestBlock uint64
	var all []models.RawTransaction
	seen := make(map[string]bool)

	for _, addr := range addresses {
		for _, action := range []string{"txlist", "txlistinternal"} {
			page := 1
			for {
				rows, err := e.txPage(ctx, action, addr, page, evmPageSize)
				if err != nil {
					return 0, nil, err
				}

				reachedFloor := false
				for _, row := range rows {
					ts, _ := strconv.ParseInt(row.TimeStamp, 10, 64)
					block, _ := strconv.ParseUint(row.BlockNumber, 10, 64)
					if block > latestBlock {
						latestBlock = block
					}
					if opts.FromTs > 0 && ts < opts.FromTs {
						reachedFloor = true
						break
					}
					if opts.ToTs > 0 && ts > opts.ToTs {
						continue
					}
					if seen[row.Hash] {
						continue
					}
					seen[row.Hash] = true

					tx, err := e.convertTx(ctx, row, block, ts)
					if err != nil {
						return 0, nil, err
					}
					all = append(all, *tx)
				}

				if reachedFloor || len(rows) < evmPageSize {
					break
				}
				page++
			}
		}
	}
	return latestBlock, all, nil
}

func (e *EVMExplorer) convertTx(ctx context.Context, row explorerTxRow, block uint64, ts int64) (*models.RawTransaction, error) {
	value, err := decimal.NewFromString(row.Value)
	if err != nil {
		return nil, &BadResponseError{Provider: e.name, Err: fmt.Errorf("tx %s value %q: %w", row.Hash, row.Value, err)}
	}

	tx := &models.RawTransaction{
		Chain:       e.chain,
		TxID:        strings.ToLower(row.Hash),
		BlockHeight: block,
		TimestampMs: ts * 1000,
		Success:     row.IsError != "1",
		From:        strings.ToLower(row.From),
		To:          strings.ToLower(row.To),
		ValueWei:    value,
	}

	receipt, err := e.receipt(ctx, row.Hash)
	if err != nil {
		return nil, err
	}
	if receipt != nil {
		if gasUsed, err := hexutil.DecodeUint64(receipt.GasUsed); err == nil {
			tx.GasUsed = gasUsed
		}
		if price, err := hexutil.DecodeBig(receipt.EffectiveGasPrice); err == nil {
			tx.EffectiveGasPrice = decimal.NewFromBigInt(price, 0)
		}
		if receipt.Status == "0x0" {
			tx.Success = false
		}
		for _, l := range receipt.Logs {
			topics := make([]common.Hash, 0, len(l.Topics))
			for _, t := range l.Topics {
				topics = append(topics, common.HexToHash(t))
			}
			data, _ := hexutil.Decode(l.Data)
			index := uint64(0)
			if l.LogIndex != "" {
				index, _ = hexutil.DecodeUint64(l.LogIndex)
			}
			tx.Logs = append(tx.Logs, models.LogRecord{
				Address: common.HexToAddress(l.Address),
				Topics:  topics,
				Data:    data,
				Index:   uint(index),
			})
		}
	}
	return tx, nil
}

func (e *EVMExplorer) receipt(ctx context.Context, txHash string) (*explorerReceipt, error) {
	var resp struct {
		Result *explorerReceipt `json:"result"`
	}
	params := url.Values{
		"module": {"proxy"},
		"action": {"eth_getTransactionReceipt"},
		"txhash": {txHash},
	}
	if err := e.call(ctx, params, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}
