package taskmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"chainledger/internal/coordinator"
	"chainledger/internal/decoder"
	"chainledger/internal/models"
	"chainledger/internal/normalizer"
	"chainledger/internal/ranges"
	"chainledger/internal/sources"
)

const (
	testAddr  = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
	otherAddr = "1G3MiFP4Gb4KTZt4h5DSmYwrwrGc4FvBRp"
)

type fakeStore struct {
	mu        sync.Mutex
	intervals map[string][]models.Interval
	events    map[string][]models.HistoryEvent
	rawTxs    []models.RawTransaction
	decoded   map[string]int
	settings  map[string]string
	saveCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		intervals: make(map[string][]models.Interval),
		events:    make(map[string][]models.HistoryEvent),
		decoded:   make(map[string]int),
		settings:  make(map[string]string),
	}
}

func (s *fakeStore) GetAccounts(ctx context.Context, chain models.Chain) ([]models.TrackedAccount, error) {
	return []models.TrackedAccount{
		{Chain: models.ChainBitcoin, Address: testAddr, CanonicalAddress: testAddr},
	}, nil
}

func (s *fakeStore) GetQueryIntervals(ctx context.Context, fp string) ([]models.Interval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervals[fp], nil
}

func (s *fakeStore) SetQueryIntervals(ctx context.Context, fp string, ivs []models.Interval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intervals[fp] = ivs
	return nil
}

func (s *fakeStore) SaveRawTransactions(ctx context.Context, txs []models.RawTransaction, links map[string][]string, fp string, fetched models.Interval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	s.rawTxs = append(s.rawTxs, txs...)
	s.intervals[fp] = ranges.Merge(s.intervals[fp], fetched)
	return nil
}

func (s *fakeStore) GetUndecodedTransactions(ctx context.Context, schemaVersion, limit int) ([]models.RawTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RawTransaction
	for _, tx := range s.rawTxs {
		if s.decoded[tx.TxID] < schemaVersion {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkDecoded(ctx context.Context, chain models.Chain, txID string, schemaVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decoded[txID] = schemaVersion
	return nil
}

func (s *fakeStore) InsertEvents(ctx context.Context, events []models.HistoryEvent) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		s.events[ev.Identifier] = append(s.events[ev.Identifier], ev)
	}
	return len(events), nil
}

func (s *fakeStore) DeleteEventsByIdentifier(ctx context.Context, identifier string) (map[int]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	notes := make(map[int]string)
	delete(s.events, identifier)
	return notes, nil
}

func (s *fakeStore) RestoreEventNotes(ctx context.Context, identifier string, notes map[int]string) error {
	return nil
}

func (s *fakeStore) GetSetting(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[name], nil
}

func (s *fakeStore) SetSetting(ctx context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[name] = value
	return nil
}

func (s *fakeStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, evs := range s.events {
		n += len(evs)
	}
	return n
}

type fakeNotifier struct {
	mu       sync.Mutex
	statuses []string
}

func (n *fakeNotifier) TransactionStatus(addresses []string, chain models.Chain, status string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, status)
}

func (n *fakeNotifier) Progress(taskID string, step, total int) {}

func (n *fakeNotifier) seen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.statuses...)
}

type nopMessenger struct{}

func (nopMessenger) Info(string)    {}
func (nopMessenger) Warning(string) {}
func (nopMessenger) Error(string)   {}

// fakeAdapter returns a single 1-in-1-out tx involving testAddr, optionally
// blocking until the context is cancelled.
type fakeAdapter struct {
	block    chan struct{} // non-nil: wait for ctx before answering
	inactive bool          // report the address as having no activity
}

func (a *fakeAdapter) Name() string        { return "fake" }
func (a *fakeAdapter) Chain() models.Chain { return models.ChainBitcoin }

func (a *fakeAdapter) Balances(ctx context.Context, addresses []string) (map[string]decimal.Decimal, error) {
	return map[string]decimal.Decimal{testAddr: decimal.RequireFromString("0.5")}, nil
}

func (a *fakeAdapter) HasActivity(ctx context.Context, addresses []string) (map[string]sources.Activity, error) {
	return map[string]sources.Activity{testAddr: {HasAny: !a.inactive}}, nil
}

func (a *fakeAdapter) Transactions(ctx context.Context, addresses []string, opts sources.TxOptions) (uint64, []models.RawTransaction, error) {
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return 0, nil, &sources.NetworkError{Provider: "fake", Err: ctx.Err()}
		}
	}
	tx := models.RawTransaction{
		Chain:       models.ChainBitcoin,
		TxID:        "f1d2d2f924e986ac86fdf7b36c94bcdf32beec15e986ac86fdf7b36c94bcdf32",
		TimestampMs: (opts.FromTs + 1) * 1000,
		Success:     true,
		Inputs:      []models.TxIO{{ValueSat: 5000, Address: testAddr, Direction: models.DirectionIn}},
		Outputs:     []models.TxIO{{ValueSat: 4000, Address: otherAddr, Direction: models.DirectionOut}},
	}
	return 800000, []models.RawTransaction{tx}, nil
}

func newTestManager(store *fakeStore, adapter sources.Adapter, notifier Notifier) *Manager {
	reg := decoder.NewRegistry(1, decoder.StaticTokens{})
	return New(
		store,
		ranges.NewTracker(store),
		coordinator.New(sources.NewHealth(5, nil)),
		normalizer.New(reg, nil),
		map[models.Chain][]sources.Adapter{models.ChainBitcoin: {adapter}},
		notifier,
		nopMessenger{},
		Config{PollInterval: time.Hour, InitialLookback: 3600},
	)
}

func TestQueryJobStatusOrderAndPersistence(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	notifier := &fakeNotifier{}
	m := newTestManager(store, &fakeAdapter{}, notifier)

	accounts, _ := store.GetAccounts(context.Background(), "")
	m.runQueryJob(context.Background(), accounts[0], accounts)

	want := []string{
		StatusQueryingStarted,
		StatusQueryingFinished,
		StatusDecodingStarted,
		StatusDecodingFinished,
	}
	got := notifier.seen()
	if len(got) != len(want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if store.saveCalls == 0 {
		t.Fatal("no raw transactions saved")
	}
	if store.eventCount() == 0 {
		t.Fatal("no events decoded")
	}
	fp := models.TxsFingerprint(models.ChainBitcoin, testAddr)
	if ivs := store.intervals[fp]; len(ivs) == 0 {
		t.Fatal("fetched range was not recorded")
	}
}

func TestInactiveAddressSkipsPull(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	notifier := &fakeNotifier{}
	m := newTestManager(store, &fakeAdapter{inactive: true}, notifier)

	accounts, _ := store.GetAccounts(context.Background(), "")
	m.runQueryJob(context.Background(), accounts[0], accounts)

	if len(notifier.seen()) != 0 {
		t.Fatalf("statuses emitted for an inactive address: %v", notifier.seen())
	}
	if store.saveCalls != 0 {
		t.Fatal("inactive address still pulled transactions")
	}
	fp := models.TxsFingerprint(models.ChainBitcoin, testAddr)
	if ivs := store.intervals[fp]; len(ivs) == 0 {
		t.Fatal("probed range was not recorded")
	}
}

func TestDuplicateFingerprintDropped(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	notifier := &fakeNotifier{}
	m := newTestManager(store, &fakeAdapter{}, notifier)

	fp := models.TxsFingerprint(models.ChainBitcoin, testAddr)
	if !m.tryLock(fp, func() {}) {
		t.Fatal("first lock failed")
	}
	defer m.unlock(fp)

	accounts, _ := store.GetAccounts(context.Background(), "")
	m.runQueryJob(context.Background(), accounts[0], accounts)

	if len(notifier.seen()) != 0 {
		t.Fatalf("duplicate job ran anyway: statuses %v", notifier.seen())
	}
	if store.saveCalls != 0 {
		t.Fatal("duplicate job wrote to the store")
	}
}

func TestCancelOnRemoveWritesNothing(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	notifier := &fakeNotifier{}
	adapter := &fakeAdapter{block: make(chan struct{})}
	m := newTestManager(store, adapter, notifier)

	accounts, _ := store.GetAccounts(context.Background(), "")
	fp := models.TxsFingerprint(models.ChainBitcoin, testAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.runQueryJob(context.Background(), accounts[0], accounts)
	}()

	deadline := time.After(5 * time.Second)
	for !m.InFlight(fp) {
		select {
		case <-deadline:
			t.Fatal("job never started")
		case <-time.After(time.Millisecond):
		}
	}
	m.CancelAccount(models.ChainBitcoin, testAddr)
	<-done

	if store.saveCalls != 0 {
		t.Fatal("cancelled job still saved raw transactions")
	}
	if store.eventCount() != 0 {
		t.Fatal("cancelled job still inserted events")
	}
	for _, st := range notifier.seen() {
		if st == StatusQueryingFinished || st == StatusDecodingFinished {
			t.Fatalf("cancelled job emitted %q", st)
		}
	}
	if m.InFlight(fp) {
		t.Fatal("fingerprint still locked after the job unwound")
	}
}
