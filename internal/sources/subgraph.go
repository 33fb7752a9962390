package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"chainledger/internal/models"
)

// Subgraph is a GraphQL adapter for protocol-level metadata (Balancer pool
// composition, Curve gauge lists). It carries no tx stream: Transactions and
// the balance operations answer Unsupported and the coordinator moves on.
type Subgraph struct {
	name    string
	baseURL string
	chain   models.Chain
	client  *http.Client
}

func NewSubgraph(name, baseURL string, chain models.Chain, client *http.Client) *Subgraph {
	return &Subgraph{name: name, baseURL: baseURL, chain: chain, client: client}
}

func (s *Subgraph) Name() string        { return s.name }
func (s *Subgraph) Chain() models.Chain { return s.chain }

func (s *Subgraph) Balances(ctx context.Context, addresses []string) (map[string]decimal.Decimal, error) {
	return nil, &UnsupportedError{Provider: s.name, Op: "balances"}
}

func (s *Subgraph) HasActivity(ctx context.Context, addresses []string) (map[string]Activity, error) {
	return nil, &UnsupportedError{Provider: s.name, Op: "has_activity"}
}

func (s *Subgraph) Transactions(ctx context.Context, addresses []string, opts TxOptions) (uint64, []models.RawTransaction, error) {
	return 0, nil, &UnsupportedError{Provider: s.name, Op: "transactions"}
}

func (s *Subgraph) query(ctx context.Context, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return &BadResponseError{Provider: s.name, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(payload))
	if err != nil {
		return &BadResponseError{Provider: s.name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := doJSON(s.client, s.name, req, &envelope); err != nil {
		return err
	}
	if len(envelope.Errors) > 0 {
		return &BadResponseError{Provider: s.name, Err: fmt.Errorf("graphql: %s", envelope.Errors[0].Message)}
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return &BadResponseError{Provider: s.name, Err: err}
	}
	return nil
}

// PoolToken is one leg of a pool's composition.
type PoolToken struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Weight  string `json:"weight"`
}

// PoolTokens resolves the underlying tokens of a Balancer-style pool. Used by
// the decoder to name LP legs; read-only metadata.
func (s *Subgraph) PoolTokens(ctx context.Context, poolID string) ([]PoolToken, error) {
	const q = `query ($id: ID!) { pool(id: $id) { tokens { address symbol weight } } }`
	var data struct {
		Pool struct {
			Tokens []PoolToken `json:"tokens"`
		} `json:"pool"`
	}
	if err := s.query(ctx, q, map[string]any{"id": poolID}, &data); err != nil {
		return nil, err
	}
	return data.Pool.Tokens, nil
}

// Gauge is one Curve-style gauge and the LP token it stakes.
type Gauge struct {
	Address string `json:"address"`
	LPToken string `json:"lpToken"`
	Symbol  string `json:"symbol"`
}

// Gauges lists the known gauges so the decoder registry can scope gauge
// decoders by contract address.
func (s *Subgraph) Gauges(ctx context.Context) ([]Gauge, error) {
	const q = `query { gauges(first: 1000) { address lpToken symbol } }`
	var data struct {
		Gauges []Gauge `json:"gauges"`
	}
	if err := s.query(ctx, q, nil, &data); err != nil {
		return nil, err
	}
	return data.Gauges, nil
}
