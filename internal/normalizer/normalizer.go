package normalizer

import (
	"fmt"
	"log"

	"chainledger/internal/decoder"
	"chainledger/internal/models"
)

// Normalizer turns one raw transaction into its ordered history events. It is
// stateless apart from the decoder registry, so one instance serves all tasks.
type Normalizer struct {
	registry *decoder.Registry

	// warn surfaces decoder problems to the user-visible message stream.
	// Decoder failures never abort a tx, so log-and-warn is all that happens.
	warn func(msg string)
}

func New(registry *decoder.Registry, warn func(string)) *Normalizer {
	if warn == nil {
		warn = func(string) {}
	}
	return &Normalizer{registry: registry, warn: warn}
}

// SchemaVersion is the decoder schema the produced events are stamped with.
func (n *Normalizer) SchemaVersion() int {
	return n.registry.SchemaVersion()
}

// EventIdentifier groups all events of one transaction.
func EventIdentifier(chain models.Chain, txID string) string {
	return fmt.Sprintf("%s:%s", chain, txID)
}

// Normalize emits the tx's events in final sequence order. The tracked set
// holds canonical addresses (lowercased hex for EVM). An error aborts this tx
// only; callers continue with the rest of the batch.
func (n *Normalizer) Normalize(tx *models.RawTransaction, tracked map[string]bool) ([]models.HistoryEvent, error) {
	var events []models.HistoryEvent
	var err error
	switch {
	case tx.Chain.IsBitcoinFamily():
		events, err = n.normalizeBitcoin(tx, tracked)
	case tx.Chain.IsEVM():
		events, err = n.normalizeEVM(tx, tracked)
	default:
		return nil, fmt.Errorf("cannot normalize tx %s: unknown chain %s", tx.TxID, tx.Chain)
	}
	if err != nil {
		return nil, err
	}

	identifier := EventIdentifier(tx.Chain, tx.TxID)
	for i := range events {
		events[i].Identifier = identifier
		events[i].Sequence = i
		events[i].TimestampMs = tx.TimestampMs
		events[i].Location = tx.Chain
		events[i].SchemaVersion = n.registry.SchemaVersion()
	}
	return events, nil
}

func (n *Normalizer) decoderFailed(txID string, logIndex uint, err error) {
	log.Printf("[normalizer] decoder failed on tx %s log %d: %v", txID, logIndex, err)
	n.warn(fmt.Sprintf("Failed to decode a log of transaction %s; the generic event was kept: %v", txID, err))
}
