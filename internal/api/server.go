// Package api is the HTTP and websocket surface: account registration, event
// queries, forced pulls, the message drain, and the admin purge endpoint.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"chainledger/internal/messages"
	"chainledger/internal/models"
)

// Store is the slice of the repository the handlers touch. Implemented by
// *repository.Repository.
type Store interface {
	AddAccounts(ctx context.Context, accounts []models.TrackedAccount) error
	RemoveAccount(ctx context.Context, chain models.Chain, address string) error
	GetAccounts(ctx context.Context, chain models.Chain) ([]models.TrackedAccount, error)
	GetEvents(ctx context.Context, filter models.EventFilter) ([]models.HistoryEvent, error)
	GetEventsByIdentifier(ctx context.Context, identifier string) ([]models.HistoryEvent, error)
	GetRawTransactionsForAddress(ctx context.Context, chain models.Chain, address string) ([]models.RawTransaction, error)
	UpdateEventNotes(ctx context.Context, identifier string, sequence int, notes string) error
	RewriteStakingToInformational(ctx context.Context, chain models.Chain, address string, toInformational bool) error
	IgnoreActions(ctx context.Context, actions []models.IgnoredAction) error
	UnignoreActions(ctx context.Context, actions []models.IgnoredAction) error
	ListIgnoredActions(ctx context.Context, actionType string) ([]models.IgnoredAction, error)
	PurgeChain(ctx context.Context, chain models.Chain) error
	SetSetting(ctx context.Context, name, value string) error
}

// Tasks is the scheduler surface the handlers drive.
type Tasks interface {
	TriggerQuery(ctx context.Context, chain models.Chain, canonicalAddress string) error
	CancelAccount(chain models.Chain, canonicalAddress string)
}

type Server struct {
	store Store
	tasks Tasks
	msgs  *messages.Aggregator
	hub   *Hub

	jwtSecret  []byte
	httpServer *http.Server
}

func NewServer(store Store, tasks Tasks, msgs *messages.Aggregator, hub *Hub, port int) *Server {
	r := mux.NewRouter()

	s := &Server{
		store:     store,
		tasks:     tasks,
		msgs:      msgs,
		hub:       hub,
		jwtSecret: []byte(os.Getenv("ADMIN_JWT_SECRET")),
	}

	r.Use(commonMiddleware)
	r.Use(rateLimitMiddleware)

	registerRoutes(r, s)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}

	return s
}

func registerRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/ws", s.handleWebSocket)

	r.HandleFunc("/api/v1/accounts", s.handleListAccounts).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/accounts/{chain}", s.handleAddAccounts).Methods("PUT", "OPTIONS")
	r.HandleFunc("/api/v1/accounts/{chain}", s.handleRemoveAccount).Methods("DELETE", "OPTIONS")

	r.HandleFunc("/api/v1/transactions", s.handleGetRawTransactions).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/transactions/query", s.handleQueryTransactions).Methods("POST", "OPTIONS")

	r.HandleFunc("/api/v1/events", s.handleGetEvents).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/events/notes", s.handleUpdateNotes).Methods("PUT", "OPTIONS")
	r.HandleFunc("/api/v1/events/{identifier}", s.handleGetEventsByIdentifier).Methods("GET", "OPTIONS")

	r.HandleFunc("/api/v1/ignored", s.handleListIgnored).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/ignored", s.handleIgnoreActions).Methods("PUT", "OPTIONS")
	r.HandleFunc("/api/v1/ignored", s.handleUnignoreActions).Methods("DELETE", "OPTIONS")

	r.HandleFunc("/api/v1/messages", s.handleMessages).Methods("GET", "OPTIONS")

	r.HandleFunc("/api/v1/settings/premium", s.handleSetPremiumKey).Methods("PUT", "OPTIONS")

	r.HandleFunc("/api/v1/admin/purge/{chain}", s.requireAdmin(s.handlePurgeChain)).Methods("POST", "OPTIONS")
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the configured router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
