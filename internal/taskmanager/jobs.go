package taskmanager

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"chainledger/internal/coordinator"
	"chainledger/internal/decoder"
	"chainledger/internal/models"
	"chainledger/internal/normalizer"
	"chainledger/internal/sources"
)

type fetchResult struct {
	LatestBlock uint64
	Txs         []models.RawTransaction
}

// runQueryJob is one ingestion pass for one account: missing ranges, provider
// failover per range, atomic save, then a decode pass. Status messages for the
// account always observe started < finished, and a cancelled job emits
// nothing further and writes nothing further.
func (m *Manager) runQueryJob(ctx context.Context, acc models.TrackedAccount, all []models.TrackedAccount) {
	fp := models.TxsFingerprint(acc.Chain, acc.CanonicalAddress)
	jobCtx, cancel := context.WithTimeout(ctx, m.cfg.JobDeadline)
	defer cancel()
	if !m.tryLock(fp, cancel) {
		return
	}
	defer m.unlock(fp)

	to := m.now().Unix()
	from := int64(0)
	if m.cfg.InitialLookback > 0 && to > m.cfg.InitialLookback {
		from = to - m.cfg.InitialLookback
	}
	missing, err := m.tracker.MissingRanges(jobCtx, fp, from, to)
	if err != nil {
		log.Printf("[taskmanager] missing ranges for %s: %v", fp, err)
		return
	}
	if len(missing) == 0 {
		return
	}

	addresses := []string{acc.CanonicalAddress}

	// On the very first pass over a fresh address, an activity probe can
	// answer "nothing there" in one call instead of one pull per range.
	if len(missing) == 1 && missing[0].Start == from && missing[0].End == to {
		if acts, err := coordinator.Execute(jobCtx, m.coord, m.activityAttempts(acc.Chain, addresses)); err == nil {
			if a, ok := acts[acc.CanonicalAddress]; ok && !a.HasAny {
				if err := m.tracker.Record(jobCtx, fp, from, to); err != nil {
					log.Printf("[taskmanager] recording empty range for %s: %v", fp, err)
				}
				return
			}
		}
	}

	tracked := trackedSetFor(all, acc.Chain)
	taskID := uuid.NewString()
	m.notifier.TransactionStatus(addresses, acc.Chain, StatusQueryingStarted)

	for i, iv := range missing {
		if jobCtx.Err() != nil {
			return
		}
		m.notifier.Progress(taskID, i+1, len(missing))

		result, err := coordinator.Execute(jobCtx, m.coord, m.attemptsFor(acc.Chain, addresses, sources.TxOptions{
			FromTs: iv.Start,
			ToTs:   iv.End,
		}))
		if err != nil {
			if jobCtx.Err() != nil {
				return
			}
			// Range stays unrecorded; the next pass retries it.
			log.Printf("[taskmanager] fetch %s [%d,%d]: %v", fp, iv.Start, iv.End, err)
			m.msgs.Error(fmt.Sprintf("Fetching transactions for %s on %s failed: %v", acc.Address, acc.Chain, err))
			break
		}
		links := linksFor(result.Txs, tracked)
		if err := m.store.SaveRawTransactions(jobCtx, result.Txs, links, fp, iv); err != nil {
			log.Printf("[taskmanager] save txs for %s: %v", fp, err)
			return
		}
	}
	if jobCtx.Err() != nil {
		return
	}
	m.notifier.TransactionStatus(addresses, acc.Chain, StatusQueryingFinished)

	m.notifier.TransactionStatus(addresses, acc.Chain, StatusDecodingStarted)
	m.decodeBatch(jobCtx, all)
	if jobCtx.Err() != nil {
		return
	}
	m.notifier.TransactionStatus(addresses, acc.Chain, StatusDecodingFinished)
}

func (m *Manager) attemptsFor(chain models.Chain, addresses []string, opts sources.TxOptions) []coordinator.Attempt[fetchResult] {
	var attempts []coordinator.Attempt[fetchResult]
	for _, adapter := range m.adapters[chain] {
		adapter := adapter
		attempts = append(attempts, coordinator.Attempt[fetchResult]{
			Name: adapter.Name(),
			Fn: func(ctx context.Context) (fetchResult, error) {
				latest, txs, err := adapter.Transactions(ctx, addresses, opts)
				return fetchResult{LatestBlock: latest, Txs: txs}, err
			},
		})
	}
	return attempts
}

func (m *Manager) activityAttempts(chain models.Chain, addresses []string) []coordinator.Attempt[map[string]sources.Activity] {
	var attempts []coordinator.Attempt[map[string]sources.Activity]
	for _, adapter := range m.adapters[chain] {
		adapter := adapter
		attempts = append(attempts, coordinator.Attempt[map[string]sources.Activity]{
			Name: adapter.Name(),
			Fn: func(ctx context.Context) (map[string]sources.Activity, error) {
				return adapter.HasActivity(ctx, addresses)
			},
		})
	}
	return attempts
}

// runDecodePendingJob rescans the raw store for txs decoded under an older
// schema version, or never decoded at all.
func (m *Manager) runDecodePendingJob(ctx context.Context, all []models.TrackedAccount) {
	const fp = "decode:pending"
	jobCtx, cancel := context.WithTimeout(ctx, m.cfg.JobDeadline)
	defer cancel()
	if !m.tryLock(fp, cancel) {
		return
	}
	defer m.unlock(fp)
	m.decodeBatch(jobCtx, all)
}

func (m *Manager) decodeBatch(ctx context.Context, all []models.TrackedAccount) {
	txs, err := m.store.GetUndecodedTransactions(ctx, m.norm.SchemaVersion(), m.cfg.DecodeBatchSize)
	if err != nil {
		log.Printf("[taskmanager] listing undecoded txs: %v", err)
		return
	}
	trackedByChain := make(map[models.Chain]map[string]bool)
	for i := range txs {
		if ctx.Err() != nil {
			return
		}
		tx := &txs[i]
		tracked, ok := trackedByChain[tx.Chain]
		if !ok {
			tracked = trackedSetFor(all, tx.Chain)
			trackedByChain[tx.Chain] = tracked
		}
		m.decodeTx(ctx, tx, tracked)
	}
}

// decodeTx re-decodes one tx: snapshot user-edited notes, delete the old
// events, insert the fresh ones, re-apply the notes. A normalizer failure
// skips the tx but still stamps it, so one bad tx cannot wedge the batch
// forever; the warning tells the user what was skipped.
func (m *Manager) decodeTx(ctx context.Context, tx *models.RawTransaction, tracked map[string]bool) {
	identifier := normalizer.EventIdentifier(tx.Chain, tx.TxID)
	notes, err := m.store.DeleteEventsByIdentifier(ctx, identifier)
	if err != nil {
		log.Printf("[taskmanager] clearing events for %s: %v", identifier, err)
		return
	}

	events, err := m.norm.Normalize(tx, tracked)
	if err != nil {
		log.Printf("[taskmanager] normalizing %s: %v", identifier, err)
		m.msgs.Warning(fmt.Sprintf("Transaction %s could not be decoded and was skipped: %v", tx.TxID, err))
		m.store.MarkDecoded(ctx, tx.Chain, tx.TxID, m.norm.SchemaVersion())
		return
	}

	if _, err := m.store.InsertEvents(ctx, events); err != nil {
		log.Printf("[taskmanager] inserting events for %s: %v", identifier, err)
		return
	}
	if len(notes) > 0 {
		if err := m.store.RestoreEventNotes(ctx, identifier, notes); err != nil {
			log.Printf("[taskmanager] restoring notes for %s: %v", identifier, err)
		}
	}
	if err := m.store.MarkDecoded(ctx, tx.Chain, tx.TxID, m.norm.SchemaVersion()); err != nil {
		log.Printf("[taskmanager] marking %s decoded: %v", identifier, err)
	}
}

// runBalancesJob refreshes one account's on-chain balance behind a TTL.
func (m *Manager) runBalancesJob(ctx context.Context, acc models.TrackedAccount) {
	fp := models.BalancesFingerprint(acc.Chain, acc.CanonicalAddress)
	jobCtx, cancel := context.WithTimeout(ctx, m.cfg.JobDeadline)
	defer cancel()
	if !m.tryLock(fp, cancel) {
		return
	}
	defer m.unlock(fp)

	if last, err := m.store.GetSetting(jobCtx, "balances_refreshed:"+fp); err == nil && last != "" {
		if ts, err := strconv.ParseInt(last, 10, 64); err == nil {
			if m.now().Sub(time.Unix(ts, 0)) < m.cfg.BalanceTTL {
				return
			}
		}
	}

	var attempts []coordinator.Attempt[map[string]decimal.Decimal]
	for _, adapter := range m.adapters[acc.Chain] {
		adapter := adapter
		attempts = append(attempts, coordinator.Attempt[map[string]decimal.Decimal]{
			Name: adapter.Name(),
			Fn: func(ctx context.Context) (map[string]decimal.Decimal, error) {
				return adapter.Balances(ctx, []string{acc.CanonicalAddress})
			},
		})
	}
	balances, err := coordinator.Execute(jobCtx, m.coord, attempts)
	if err != nil {
		if jobCtx.Err() == nil {
			log.Printf("[taskmanager] balance refresh for %s: %v", fp, err)
		}
		return
	}
	if jobCtx.Err() != nil {
		return
	}

	if amount, ok := balances[acc.CanonicalAddress]; ok {
		m.store.SetSetting(jobCtx, "balance:"+fp, amount.String())
	}
	m.store.SetSetting(jobCtx, "balances_refreshed:"+fp, strconv.FormatInt(m.now().Unix(), 10))
}

// runPremiumRefreshJob keeps the paid-tier credential warm. The key is only
// stored and timestamped here; validation happens on first use against the
// premium endpoints.
func (m *Manager) runPremiumRefreshJob(ctx context.Context) {
	const fp = "premium:refresh"
	jobCtx, cancel := context.WithTimeout(ctx, m.cfg.JobDeadline)
	defer cancel()
	if !m.tryLock(fp, cancel) {
		return
	}
	defer m.unlock(fp)

	key, err := m.store.GetSetting(jobCtx, "premium_api_key")
	if err != nil || key == "" {
		return
	}
	m.store.SetSetting(jobCtx, "premium_last_refresh", strconv.FormatInt(m.now().Unix(), 10))
}

// trackedSetFor builds the canonical tracked-address set the normalizer and
// link builder match against. EVM addresses compare lowercased.
func trackedSetFor(accounts []models.TrackedAccount, chain models.Chain) map[string]bool {
	out := make(map[string]bool)
	for _, acc := range accounts {
		if acc.Chain != chain {
			continue
		}
		addr := acc.CanonicalAddress
		if chain.IsEVM() {
			addr = strings.ToLower(addr)
		}
		out[addr] = true
	}
	return out
}

// linksFor computes the (tx -> tracked participant) link rows for a batch.
func linksFor(txs []models.RawTransaction, tracked map[string]bool) map[string][]string {
	links := make(map[string][]string, len(txs))
	for i := range txs {
		tx := &txs[i]
		seen := make(map[string]bool)
		add := func(addr string) {
			if addr == "" || seen[addr] || !tracked[addr] {
				return
			}
			seen[addr] = true
			links[tx.TxID] = append(links[tx.TxID], addr)
		}

		if tx.Chain.IsBitcoinFamily() {
			for _, io := range tx.Inputs {
				add(io.Address)
			}
			for _, io := range tx.Outputs {
				add(io.Address)
			}
			continue
		}

		add(strings.ToLower(tx.From))
		add(strings.ToLower(tx.To))
		for j := range tx.Logs {
			logRec := &tx.Logs[j]
			if logRec.Topic0() != decoder.TopicERC20Transfer || len(logRec.Topics) < 3 {
				continue
			}
			for _, t := range logRec.Topics[1:3] {
				add(strings.ToLower(common.BytesToAddress(t.Bytes()).Hex()))
			}
		}
	}
	return links
}
