// Package taskmanager schedules the periodic ingestion jobs: per-account
// transaction pulls, the decode-pending rescan, balance refreshes, and the
// premium credential refresh. At most one job runs per fingerprint; duplicate
// attempts are dropped, not queued.
package taskmanager

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"chainledger/internal/coordinator"
	"chainledger/internal/models"
	"chainledger/internal/normalizer"
	"chainledger/internal/ranges"
	"chainledger/internal/sources"
)

// Websocket status values, emitted in this order for every account pass.
const (
	StatusQueryingStarted  = "querying_transactions_started"
	StatusQueryingFinished = "querying_transactions_finished"
	StatusDecodingStarted  = "decoding_transactions_started"
	StatusDecodingFinished = "decoding_transactions_finished"
)

// Store is the slice of the repository the manager drives. Implemented by
// *repository.Repository.
type Store interface {
	GetAccounts(ctx context.Context, chain models.Chain) ([]models.TrackedAccount, error)
	SaveRawTransactions(ctx context.Context, txs []models.RawTransaction, links map[string][]string, fingerprint string, fetched models.Interval) error
	GetUndecodedTransactions(ctx context.Context, schemaVersion, limit int) ([]models.RawTransaction, error)
	MarkDecoded(ctx context.Context, chain models.Chain, txID string, schemaVersion int) error
	InsertEvents(ctx context.Context, events []models.HistoryEvent) (int, error)
	DeleteEventsByIdentifier(ctx context.Context, identifier string) (map[int]string, error)
	RestoreEventNotes(ctx context.Context, identifier string, notes map[int]string) error
	GetSetting(ctx context.Context, name string) (string, error)
	SetSetting(ctx context.Context, name, value string) error
}

// Notifier publishes progress to the websocket hub. Implementations must not
// block; the manager calls it inline.
type Notifier interface {
	TransactionStatus(addresses []string, chain models.Chain, status string)
	Progress(taskID string, step, total int)
}

// Messenger is the user-visible message sink.
type Messenger interface {
	Info(text string)
	Warning(text string)
	Error(text string)
}

type Config struct {
	PoolSize        int
	PollInterval    time.Duration
	JobDeadline     time.Duration
	InitialLookback int64 // unix seconds bound on the first backfill; 0 means genesis
	BalanceTTL      time.Duration
	DecodeBatchSize int
}

func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 20 * time.Second
	}
	if c.JobDeadline <= 0 {
		c.JobDeadline = 10 * time.Minute
	}
	if c.BalanceTTL <= 0 {
		c.BalanceTTL = 10 * time.Minute
	}
	if c.DecodeBatchSize <= 0 {
		c.DecodeBatchSize = 200
	}
}

type Manager struct {
	store    Store
	tracker  *ranges.Tracker
	coord    *coordinator.Coordinator
	norm     *normalizer.Normalizer
	adapters map[models.Chain][]sources.Adapter
	notifier Notifier
	msgs     Messenger
	cfg      Config

	mu       sync.Mutex
	inflight map[string]context.CancelFunc // fingerprint -> cancel

	now func() time.Time
}

func New(
	store Store,
	tracker *ranges.Tracker,
	coord *coordinator.Coordinator,
	norm *normalizer.Normalizer,
	adapters map[models.Chain][]sources.Adapter,
	notifier Notifier,
	msgs Messenger,
	cfg Config,
) *Manager {
	cfg.applyDefaults()
	return &Manager{
		store:    store,
		tracker:  tracker,
		coord:    coord,
		norm:     norm,
		adapters: adapters,
		notifier: notifier,
		msgs:     msgs,
		cfg:      cfg,
		inflight: make(map[string]context.CancelFunc),
		now:      time.Now,
	}
}

// Run drives the scheduler until ctx is cancelled. Each tick schedules one
// pass over the tracked accounts plus the global decode and balance jobs,
// bounded by the pool size.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.PoolSize)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		m.schedulePass(gctx, g)
		select {
		case <-ctx.Done():
			// Let in-flight jobs unwind before returning.
			g.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) schedulePass(ctx context.Context, g *errgroup.Group) {
	accounts, err := m.store.GetAccounts(ctx, "")
	if err != nil {
		log.Printf("[taskmanager] listing accounts: %v", err)
		return
	}

	for _, acc := range accounts {
		acc := acc
		if len(m.adapters[acc.Chain]) == 0 {
			continue
		}
		// TryGo drops the job when the pool is saturated; the next tick
		// will pick the account up again.
		g.TryGo(func() error {
			m.runQueryJob(ctx, acc, accounts)
			return nil
		})
		g.TryGo(func() error {
			m.runBalancesJob(ctx, acc)
			return nil
		})
	}

	g.TryGo(func() error {
		m.runDecodePendingJob(ctx, accounts)
		return nil
	})
	g.TryGo(func() error {
		m.runPremiumRefreshJob(ctx)
		return nil
	})
}

// TriggerQuery runs an immediate ingestion pass for one tracked account,
// outside the poll loop. A pass already in flight for the same fingerprint
// makes this a no-op.
func (m *Manager) TriggerQuery(ctx context.Context, chain models.Chain, canonicalAddress string) error {
	accounts, err := m.store.GetAccounts(ctx, "")
	if err != nil {
		return err
	}
	for _, acc := range accounts {
		if acc.Chain == chain && acc.CanonicalAddress == canonicalAddress {
			m.runQueryJob(ctx, acc, accounts)
			return nil
		}
	}
	return fmt.Errorf("account %s on %s is not tracked", canonicalAddress, chain)
}

// tryLock claims a fingerprint. The second return is false when a job for it
// is already in flight.
func (m *Manager) tryLock(fingerprint string, cancel context.CancelFunc) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[fingerprint]; busy {
		return false
	}
	m.inflight[fingerprint] = cancel
	return true
}

func (m *Manager) unlock(fingerprint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, fingerprint)
}

// CancelAccount cooperatively cancels every in-flight job touching the
// account. Called on removal; the jobs unwind at their next context check
// without writing partial state.
func (m *Manager) CancelAccount(chain models.Chain, canonicalAddress string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fp := range []string{
		models.TxsFingerprint(chain, canonicalAddress),
		models.BalancesFingerprint(chain, canonicalAddress),
	} {
		if cancel, ok := m.inflight[fp]; ok {
			cancel()
		}
	}
}

// InFlight reports whether a fingerprint has a running job. Test hook.
func (m *Manager) InFlight(fingerprint string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[fingerprint]
	return ok
}
