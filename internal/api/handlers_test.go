package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"chainledger/internal/messages"
	"chainledger/internal/models"
)

type fakeStore struct {
	mu        sync.Mutex
	accounts  []models.TrackedAccount
	removed   []string
	rewrites  []bool
	ignored   []models.IgnoredAction
	purged    []models.Chain
	filter    models.EventFilter
	events    []models.HistoryEvent
	settings  map[string]string
	noteEdits []string
	txQueries []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{settings: make(map[string]string)}
}

func (s *fakeStore) AddAccounts(ctx context.Context, accounts []models.TrackedAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = append(s.accounts, accounts...)
	return nil
}

func (s *fakeStore) RemoveAccount(ctx context.Context, chain models.Chain, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, string(chain)+":"+address)
	return nil
}

func (s *fakeStore) GetAccounts(ctx context.Context, chain models.Chain) ([]models.TrackedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TrackedAccount(nil), s.accounts...), nil
}

func (s *fakeStore) GetEvents(ctx context.Context, filter models.EventFilter) ([]models.HistoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = filter
	return append([]models.HistoryEvent(nil), s.events...), nil
}

func (s *fakeStore) GetEventsByIdentifier(ctx context.Context, identifier string) ([]models.HistoryEvent, error) {
	return []models.HistoryEvent{{Identifier: identifier, Sequence: 0}}, nil
}

func (s *fakeStore) GetRawTransactionsForAddress(ctx context.Context, chain models.Chain, address string) ([]models.RawTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txQueries = append(s.txQueries, string(chain)+":"+address)
	return nil, nil
}

func (s *fakeStore) UpdateEventNotes(ctx context.Context, identifier string, sequence int, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noteEdits = append(s.noteEdits, identifier)
	return nil
}

func (s *fakeStore) RewriteStakingToInformational(ctx context.Context, chain models.Chain, address string, toInformational bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewrites = append(s.rewrites, toInformational)
	return nil
}

func (s *fakeStore) IgnoreActions(ctx context.Context, actions []models.IgnoredAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignored = append(s.ignored, actions...)
	return nil
}

func (s *fakeStore) UnignoreActions(ctx context.Context, actions []models.IgnoredAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range actions {
		for i, have := range s.ignored {
			if have == a {
				s.ignored = append(s.ignored[:i], s.ignored[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (s *fakeStore) ListIgnoredActions(ctx context.Context, actionType string) ([]models.IgnoredAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.IgnoredAction(nil), s.ignored...), nil
}

func (s *fakeStore) PurgeChain(ctx context.Context, chain models.Chain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purged = append(s.purged, chain)
	return nil
}

func (s *fakeStore) SetSetting(ctx context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[name] = value
	return nil
}

type fakeTasks struct {
	mu        sync.Mutex
	triggered []string
	cancelled []string
}

func (t *fakeTasks) TriggerQuery(ctx context.Context, chain models.Chain, canonicalAddress string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.triggered = append(t.triggered, string(chain)+":"+canonicalAddress)
	return nil
}

func (t *fakeTasks) CancelAccount(chain models.Chain, canonicalAddress string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = append(t.cancelled, string(chain)+":"+canonicalAddress)
}

func newTestServer(store *fakeStore, tasks *fakeTasks) *Server {
	return NewServer(store, tasks, messages.NewAggregator(), NewHub(), 0)
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAddAccountsCanonicalizesEVM(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store, &fakeTasks{})

	body := `{"accounts":[{"address":"0xDE0B295669a9FD93d5F28D9Ec85E40f4cb697BAe","label":"main"}]}`
	rec := doRequest(s, "PUT", "/api/v1/accounts/evm:1", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(store.accounts) != 1 {
		t.Fatalf("got %d accounts, want 1", len(store.accounts))
	}
	acc := store.accounts[0]
	if acc.CanonicalAddress != "0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae" {
		t.Fatalf("canonical = %q", acc.CanonicalAddress)
	}
	if acc.Address != "0xDE0B295669a9FD93d5F28D9Ec85E40f4cb697BAe" {
		t.Fatalf("entered form not preserved: %q", acc.Address)
	}
	// Re-tracking turns informational staking history back.
	if len(store.rewrites) != 1 || store.rewrites[0] != false {
		t.Fatalf("rewrites = %v, want [false]", store.rewrites)
	}
}

func TestAddAccountsRejectsBadAddress(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store, &fakeTasks{})

	rec := doRequest(s, "PUT", "/api/v1/accounts/evm:1", `{"accounts":[{"address":"nonsense"}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(store.accounts) != 0 {
		t.Fatal("invalid address was stored")
	}
}

func TestRemoveAccountCancelsAndRewrites(t *testing.T) {
	store := newFakeStore()
	tasks := &fakeTasks{}
	s := newTestServer(store, tasks)

	rec := doRequest(s, "DELETE", "/api/v1/accounts/btc?address=bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	want := "btc:bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
	if len(tasks.cancelled) != 1 || tasks.cancelled[0] != want {
		t.Fatalf("cancelled = %v, want [%s]", tasks.cancelled, want)
	}
	if len(store.removed) != 1 || store.removed[0] != want {
		t.Fatalf("removed = %v, want [%s]", store.removed, want)
	}
	if len(store.rewrites) != 1 || store.rewrites[0] != true {
		t.Fatalf("rewrites = %v, want [true]", store.rewrites)
	}
}

func TestQueryTransactionsSync(t *testing.T) {
	store := newFakeStore()
	store.events = []models.HistoryEvent{
		{Identifier: "btc:deadbeef", Sequence: 0, EventType: models.EventTypeReceive},
	}
	tasks := &fakeTasks{}
	s := newTestServer(store, tasks)

	body := `{"chain":"btc","address":"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"}`
	rec := doRequest(s, "POST", "/api/v1/transactions/query", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(tasks.triggered) != 1 {
		t.Fatalf("triggered = %v, want one entry", tasks.triggered)
	}

	// The sync response carries the pulled events for the queried address.
	var resp struct {
		Status string                `json:"status"`
		Events []models.HistoryEvent `json:"events"`
		Count  int                   `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "done" || resp.Count != 1 {
		t.Fatalf("status %q count %d, want done/1", resp.Status, resp.Count)
	}
	if len(resp.Events) != 1 || resp.Events[0].Identifier != "btc:deadbeef" {
		t.Fatalf("events = %+v", resp.Events)
	}
	if store.filter.Chain != models.ChainBitcoin || store.filter.Address != "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4" {
		t.Fatalf("event filter = %+v", store.filter)
	}
}

func TestQueryTransactionsAsync(t *testing.T) {
	tasks := &fakeTasks{}
	s := newTestServer(newFakeStore(), tasks)

	body := `{"chain":"btc","address":"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4","async":true}`
	rec := doRequest(s, "POST", "/api/v1/transactions/query", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	deadline := time.After(5 * time.Second)
	for {
		tasks.mu.Lock()
		n := len(tasks.triggered)
		tasks.mu.Unlock()
		if n == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("async query never ran")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestGetEventsFilterParsing(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store, &fakeTasks{})

	rec := doRequest(s, "GET", "/api/v1/events?chain=btc&from_ts=100&to_ts=200&event_type=spend&limit=5&offset=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	f := store.filter
	if f.Chain != models.ChainBitcoin || f.FromTs != 100 || f.ToTs != 200 {
		t.Fatalf("filter = %+v", f)
	}
	if f.EventType != models.EventTypeSpend || f.Limit != 5 || f.Offset != 10 {
		t.Fatalf("filter = %+v", f)
	}
}

func TestGetEventsByIdentifier(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store, &fakeTasks{})

	rec := doRequest(s, "GET", "/api/v1/events/btc:deadbeef", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Events []models.HistoryEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Events) != 1 || resp.Events[0].Identifier != "btc:deadbeef" {
		t.Fatalf("events = %+v", resp.Events)
	}
}

func TestGetRawTransactionsCanonicalizes(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store, &fakeTasks{})

	rec := doRequest(s, "GET", "/api/v1/transactions?chain=evm:1&address=0xDE0B295669a9FD93d5F28D9Ec85E40f4cb697BAe", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	want := "evm:1:0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae"
	if len(store.txQueries) != 1 || store.txQueries[0] != want {
		t.Fatalf("queries = %v, want [%s]", store.txQueries, want)
	}
}

func TestIgnoredRoundTrip(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store, &fakeTasks{})

	body := `{"actions":[{"action_type":"swap","external_id":"0xabc"}]}`
	if rec := doRequest(s, "PUT", "/api/v1/ignored", body); rec.Code != http.StatusOK {
		t.Fatalf("ignore status = %d", rec.Code)
	}
	if len(store.ignored) != 1 {
		t.Fatalf("ignored = %v", store.ignored)
	}
	if rec := doRequest(s, "DELETE", "/api/v1/ignored", body); rec.Code != http.StatusOK {
		t.Fatalf("unignore status = %d", rec.Code)
	}
	if len(store.ignored) != 0 {
		t.Fatalf("ignored after delete = %v", store.ignored)
	}
}

func TestAdminPurgeAuth(t *testing.T) {
	t.Setenv("ADMIN_JWT_SECRET", "test-secret")
	store := newFakeStore()
	s := newTestServer(store, &fakeTasks{})

	rec := doRequest(s, "POST", "/api/v1/admin/purge/btc", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}
	if len(store.purged) != 0 {
		t.Fatal("purge ran without auth")
	}

	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": "admin",
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	req := httptest.NewRequest("POST", "/api/v1/admin/purge/btc", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(store.purged) != 1 || store.purged[0] != models.ChainBitcoin {
		t.Fatalf("purged = %v", store.purged)
	}
}

func TestAdminPurgeDisabledWithoutSecret(t *testing.T) {
	t.Setenv("ADMIN_JWT_SECRET", "")
	store := newFakeStore()
	s := newTestServer(store, &fakeTasks{})

	rec := doRequest(s, "POST", "/api/v1/admin/purge/btc", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestMessagesDrain(t *testing.T) {
	store := newFakeStore()
	msgs := messages.NewAggregator()
	msgs.Warning("provider x is flaky")
	s := NewServer(store, &fakeTasks{}, msgs, NewHub(), 0)

	rec := doRequest(s, "GET", "/api/v1/messages", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Messages []messages.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].Text != "provider x is flaky" {
		t.Fatalf("messages = %+v", resp.Messages)
	}

	rec = doRequest(s, "GET", "/api/v1/messages", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Messages) != 0 {
		t.Fatalf("second drain returned %+v", resp.Messages)
	}
}

func TestWebSocketTransactionStatusFrame(t *testing.T) {
	hub := NewHub()
	s := NewServer(newFakeStore(), &fakeTasks{}, messages.NewAggregator(), hub, 0)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", wsURL, err)
	}
	defer conn.Close()

	// The registration races the first broadcast, so publish until a frame
	// arrives.
	var raw []byte
	deadline := time.Now().Add(5 * time.Second)
	for {
		hub.TransactionStatus([]string{"addr1"}, models.ChainBitcoin, "querying_transactions_started")
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, msg, err := conn.ReadMessage()
		if err == nil {
			raw = msg
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no frame received: %v", err)
		}
	}

	var frame struct {
		Type string              `json:"type"`
		Data WSTransactionStatus `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("decoding frame %s: %v", raw, err)
	}
	if frame.Type != "transaction_status" {
		t.Fatalf("type = %q", frame.Type)
	}
	if frame.Data.Status != "querying_transactions_started" || frame.Data.Chain != models.ChainBitcoin {
		t.Fatalf("data = %+v", frame.Data)
	}
	if frame.Data.Subtype != "transactions" {
		t.Fatalf("subtype = %q", frame.Data.Subtype)
	}
}
