package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"chainledger/internal/bitcoinaddr"
	"chainledger/internal/models"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Printf("[api] encoding response: %v", err)
		}
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func chainFromRequest(r *http.Request) (models.Chain, error) {
	return models.ParseChain(mux.Vars(r)["chain"])
}

// canonicalAddress maps a user-entered address to the form all internal
// matching uses: CashAddr for BCH, lowercased hex for EVM, verbatim for BTC.
func canonicalAddress(chain models.Chain, address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("empty address")
	}
	switch {
	case chain == models.ChainBitcoinCash:
		return bitcoinaddr.Canonical(address)
	case chain.IsEVM():
		if !common.IsHexAddress(address) {
			return "", fmt.Errorf("not a valid EVM address: %q", address)
		}
		return strings.ToLower(common.HexToAddress(address).Hex()), nil
	default:
		return address, nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(`{"status":"ok"}`))
}

// --- Accounts ---

type accountRequest struct {
	Address string `json:"address"`
	Label   string `json:"label,omitempty"`
}

type addAccountsRequest struct {
	Accounts []accountRequest `json:"accounts"`
}

func (s *Server) handleAddAccounts(w http.ResponseWriter, r *http.Request) {
	chain, err := chainFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req addAccountsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Accounts) == 0 {
		writeError(w, http.StatusBadRequest, "no accounts given")
		return
	}

	accounts := make([]models.TrackedAccount, 0, len(req.Accounts))
	for _, a := range req.Accounts {
		canonical, err := canonicalAddress(chain, a.Address)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		accounts = append(accounts, models.TrackedAccount{
			Chain:            chain,
			Address:          strings.TrimSpace(a.Address),
			CanonicalAddress: canonical,
			Label:            a.Label,
		})
	}

	if err := s.store.AddAccounts(r.Context(), accounts); err != nil {
		log.Printf("[api] adding accounts: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to add accounts")
		return
	}

	// Re-tracking an address restores its staking history.
	for _, acc := range accounts {
		if err := s.store.RewriteStakingToInformational(r.Context(), chain, acc.CanonicalAddress, false); err != nil {
			log.Printf("[api] restoring staking events for %s: %v", acc.CanonicalAddress, err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": accounts})
}

func (s *Server) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	chain, err := chainFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	canonical, err := canonicalAddress(chain, r.URL.Query().Get("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Stop in-flight jobs first so nothing re-creates state mid-removal.
	s.tasks.CancelAccount(chain, canonical)

	if err := s.store.RemoveAccount(r.Context(), chain, canonical); err != nil {
		log.Printf("[api] removing account %s on %s: %v", canonical, chain, err)
		writeError(w, http.StatusInternalServerError, "failed to remove account")
		return
	}
	// History stays; staking events lose their tracked recipient and turn
	// informational.
	if err := s.store.RewriteStakingToInformational(r.Context(), chain, canonical, true); err != nil {
		log.Printf("[api] rewriting staking events for %s: %v", canonical, err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	var chain models.Chain
	if raw := r.URL.Query().Get("chain"); raw != "" {
		parsed, err := models.ParseChain(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		chain = parsed
	}

	accounts, err := s.store.GetAccounts(r.Context(), chain)
	if err != nil {
		log.Printf("[api] listing accounts: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": accounts})
}

// --- Raw transactions ---

func (s *Server) handleGetRawTransactions(w http.ResponseWriter, r *http.Request) {
	chain, err := models.ParseChain(r.URL.Query().Get("chain"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	canonical, err := canonicalAddress(chain, r.URL.Query().Get("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	txs, err := s.store.GetRawTransactionsForAddress(r.Context(), chain, canonical)
	if err != nil {
		log.Printf("[api] listing raw txs for %s on %s: %v", canonical, chain, err)
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs, "count": len(txs)})
}

// --- Forced pull ---

type queryRequest struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
	Async   bool   `json:"async"`
}

func (s *Server) handleQueryTransactions(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	chain, err := models.ParseChain(req.Chain)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	canonical, err := canonicalAddress(chain, req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Async {
		// Detached from the request context; progress arrives over /ws.
		go func() {
			if err := s.tasks.TriggerQuery(context.Background(), chain, canonical); err != nil {
				log.Printf("[api] async query for %s on %s: %v", canonical, chain, err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}

	if err := s.tasks.TriggerQuery(r.Context(), chain, canonical); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	// The sync caller gets the events the pull produced for this address.
	events, err := s.store.GetEvents(r.Context(), models.EventFilter{Chain: chain, Address: canonical})
	if err != nil {
		log.Printf("[api] reading events after query for %s on %s: %v", canonical, chain, err)
		writeError(w, http.StatusInternalServerError, "query finished but reading events failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "done", "events": events, "count": len(events)})
}

// --- Events ---

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.EventFilter{
		Identifier: q.Get("identifier"),
		Address:    q.Get("address"),
		EventType:  models.EventType(q.Get("event_type")),
	}
	if raw := q.Get("chain"); raw != "" {
		chain, err := models.ParseChain(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Chain = chain
	}
	filter.FromTs = parseInt64(q.Get("from_ts"), 0)
	filter.ToTs = parseInt64(q.Get("to_ts"), 0)
	filter.Limit = int(parseInt64(q.Get("limit"), 100))
	filter.Offset = int(parseInt64(q.Get("offset"), 0))

	events, err := s.store.GetEvents(r.Context(), filter)
	if err != nil {
		log.Printf("[api] querying events: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to query events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

func (s *Server) handleGetEventsByIdentifier(w http.ResponseWriter, r *http.Request) {
	identifier := mux.Vars(r)["identifier"]
	events, err := s.store.GetEventsByIdentifier(r.Context(), identifier)
	if err != nil {
		log.Printf("[api] querying events for %s: %v", identifier, err)
		writeError(w, http.StatusInternalServerError, "failed to query events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

type updateNotesRequest struct {
	Identifier string `json:"identifier"`
	Sequence   int    `json:"sequence"`
	Notes      string `json:"notes"`
}

func (s *Server) handleUpdateNotes(w http.ResponseWriter, r *http.Request) {
	var req updateNotesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Identifier == "" {
		writeError(w, http.StatusBadRequest, "identifier is required")
		return
	}
	if err := s.store.UpdateEventNotes(r.Context(), req.Identifier, req.Sequence, req.Notes); err != nil {
		log.Printf("[api] updating notes for %s/%d: %v", req.Identifier, req.Sequence, err)
		writeError(w, http.StatusInternalServerError, "failed to update notes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// --- Ignored actions ---

type ignoredRequest struct {
	Actions []models.IgnoredAction `json:"actions"`
}

func (s *Server) handleIgnoreActions(w http.ResponseWriter, r *http.Request) {
	var req ignoredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.store.IgnoreActions(r.Context(), req.Actions); err != nil {
		log.Printf("[api] ignoring actions: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to ignore actions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
}

func (s *Server) handleUnignoreActions(w http.ResponseWriter, r *http.Request) {
	var req ignoredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.store.UnignoreActions(r.Context(), req.Actions); err != nil {
		log.Printf("[api] unignoring actions: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to unignore actions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unignored"})
}

func (s *Server) handleListIgnored(w http.ResponseWriter, r *http.Request) {
	actions, err := s.store.ListIgnoredActions(r.Context(), r.URL.Query().Get("action_type"))
	if err != nil {
		log.Printf("[api] listing ignored actions: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list ignored actions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": actions})
}

// --- Messages ---

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": s.msgs.Drain()})
}

// --- Settings ---

type premiumKeyRequest struct {
	APIKey string `json:"api_key"`
}

func (s *Server) handleSetPremiumKey(w http.ResponseWriter, r *http.Request) {
	var req premiumKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.store.SetSetting(r.Context(), "premium_api_key", req.APIKey); err != nil {
		log.Printf("[api] storing premium key: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to store key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

// --- Admin ---

func (s *Server) handlePurgeChain(w http.ResponseWriter, r *http.Request) {
	chain, err := chainFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.PurgeChain(r.Context(), chain); err != nil {
		log.Printf("[api] purging %s: %v", chain, err)
		writeError(w, http.StatusInternalServerError, "failed to purge chain")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

func parseInt64(raw string, def int64) int64 {
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}
