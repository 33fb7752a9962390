package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testClient() *http.Client {
	return NewHTTPClient(HTTPClientConfig{Timeout: 5 * time.Second, PoolSizePerHost: 2})
}

func TestDoJSONClassifiesRateLimit(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name: "http 429 with retry-after",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "17")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			check: func(t *testing.T, err error) {
				var rl *RateLimitedError
				if !errors.As(err, &rl) {
					t.Fatalf("err=%v want RateLimitedError", err)
				}
				if rl.RetryAfterSecs != 17 {
					t.Fatalf("RetryAfterSecs=%d want 17", rl.RetryAfterSecs)
				}
			},
		},
		{
			name: "200 with provider limit body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"Response":"Error","Message":"You are over your rate limit of 10 calls/sec"}`)
			},
			check: func(t *testing.T, err error) {
				var rl *RateLimitedError
				if !errors.As(err, &rl) {
					t.Fatalf("err=%v want RateLimitedError", err)
				}
			},
		},
		{
			name: "200 with non-limit error body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"Response":"Error","Message":"unknown address"}`)
			},
			check: func(t *testing.T, err error) {
				var bad *BadResponseError
				if !errors.As(err, &bad) {
					t.Fatalf("err=%v want BadResponseError", err)
				}
			},
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"broken`)
			},
			check: func(t *testing.T, err error) {
				var bad *BadResponseError
				if !errors.As(err, &bad) {
					t.Fatalf("err=%v want BadResponseError", err)
				}
			},
		},
		{
			name: "server error is network class",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			check: func(t *testing.T, err error) {
				var netErr *NetworkError
				if !errors.As(err, &netErr) {
					t.Fatalf("err=%v want NetworkError", err)
				}
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			var out map[string]any
			err := getJSON(context.Background(), testClient(), "testprov", srv.URL, &out)
			if err == nil {
				t.Fatal("getJSON succeeded, want classified error")
			}
			tc.check(t, err)
		})
	}
}

func TestEsploraTransactionsPaginatesAndFilters(t *testing.T) {
	t.Parallel()

	const addr = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
	pageOne := make([]map[string]any, 0, esploraPageSize)
	for i := 0; i < esploraPageSize; i++ {
		pageOne = append(pageOne, map[string]any{
			"txid": fmt.Sprintf("a%02d", i),
			"fee":  100,
			"status": map[string]any{
				"confirmed": true, "block_height": 800100 - i, "block_time": 1686240000 - int64(i),
			},
			"vin": []map[string]any{{"prevout": map[string]any{
				"scriptpubkey_address": addr, "value": 5000,
			}}},
			"vout": []map[string]any{{
				"scriptpubkey_address": "1G3MiCE8CnbBCYcFLTRBNTJXrHFQvBRp", "value": 4000,
			}},
		})
	}
	pageTwo := []map[string]any{{
		"txid": "old",
		"fee":  100,
		"status": map[string]any{
			// Below the window floor: pagination must stop here.
			"confirmed": true, "block_height": 700000, "block_time": 1000000,
		},
		"vin":  []map[string]any{},
		"vout": []map[string]any{},
	}}

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			json.NewEncoder(w).Encode(pageOne)
			return
		}
		json.NewEncoder(w).Encode(pageTwo)
	}))
	defer srv.Close()

	e := NewEsplora("blockstream", srv.URL, testClient())
	latest, txs, err := e.Transactions(context.Background(), []string{addr}, TxOptions{FromTs: 1686000000, ToTs: 1686300000})
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls=%d want 2 (full page must trigger a second fetch)", calls)
	}
	if len(txs) != esploraPageSize {
		t.Fatalf("len(txs)=%d want %d (below-floor tx excluded)", len(txs), esploraPageSize)
	}
	if latest != 800100 {
		t.Fatalf("latest=%d want 800100", latest)
	}
	if txs[0].Inputs[0].Address != addr {
		t.Fatalf("input address=%q want %q", txs[0].Inputs[0].Address, addr)
	}
}

func TestBlockchairPaginatesByBeforeBlock(t *testing.T) {
	t.Parallel()

	const addr = "1G3MiCE8CnbBCYcFLTRBNTJXrHFQvBRp"
	makePage := func(startBlock uint64, n int) []map[string]any {
		rows := make([]map[string]any, 0, n)
		for i := 0; i < n; i++ {
			rows = append(rows, map[string]any{
				"hash":     fmt.Sprintf("tx-%d-%d", startBlock, i),
				"block_id": startBlock - uint64(i),
				"time":     1686240000,
				"inputs":   []map[string]any{{"value": 1000, "recipient": addr}},
				"outputs":  []map[string]any{{"value": 900, "recipient": addr}},
			})
		}
		return rows
	}

	var befores []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		before := r.URL.Query().Get("before")
		befores = append(befores, before)
		var rows []map[string]any
		if before == "" {
			rows = makePage(800000, blockchairPageSize)
		} else {
			rows = makePage(700000, 3) // short page ends pagination
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{addr: map[string]any{
				"address":      map[string]any{"balance": 1000, "transaction_count": 100},
				"transactions": rows,
			}},
		})
	}))
	defer srv.Close()

	b := NewBlockchair(srv.URL, testClient())
	_, txs, err := b.Transactions(context.Background(), []string{addr}, TxOptions{})
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	if len(befores) != 2 {
		t.Fatalf("requests=%d want 2", len(befores))
	}
	wantBefore := fmt.Sprintf("%d", 800000-blockchairPageSize+1)
	if befores[1] != wantBefore {
		t.Fatalf("second request before=%q want %q (earliest block of first page)", befores[1], wantBefore)
	}
	if len(txs) != blockchairPageSize+3 {
		t.Fatalf("len(txs)=%d want %d", len(txs), blockchairPageSize+3)
	}
}

func TestEVMExplorerMissingAPIKey(t *testing.T) {
	t.Parallel()

	e := NewEVMExplorer("etherscan", "http://unused", "", "evm:1", testClient())
	_, err := e.Balances(context.Background(), []string{"0x1"})
	var missing *MissingAPIKeyError
	if !errors.As(err, &missing) {
		t.Fatalf("err=%v want MissingAPIKeyError", err)
	}
	if missing.Service != "etherscan" {
		t.Fatalf("Service=%q want etherscan", missing.Service)
	}
}

func TestHealthQuarantine(t *testing.T) {
	t.Parallel()

	h := NewHealth(100, nil)
	now := time.Unix(1_700_000_000, 0)
	h.now = func() time.Time { return now }

	if h.Quarantined("prov") {
		t.Fatal("fresh provider quarantined")
	}
	h.RecordRateLimit("prov")
	if h.Quarantined("prov") {
		t.Fatal("one 429 should not quarantine")
	}
	now = now.Add(30 * time.Second)
	h.RecordRateLimit("prov")
	if !h.Quarantined("prov") {
		t.Fatal("two 429s within a minute must quarantine")
	}
	now = now.Add(quarantineDuration + time.Second)
	if h.Quarantined("prov") {
		t.Fatal("quarantine must lapse after 5 minutes")
	}
}
