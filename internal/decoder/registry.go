package decoder

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"chainledger/internal/models"
)

// TokenResolver maps an ERC-20 contract to its symbol and decimals. The
// normalizer needs it to turn raw transfer amounts into asset quantities.
type TokenResolver interface {
	Token(address common.Address) (symbol string, decimals int32, ok bool)
}

// StaticTokens is a fixed in-memory resolver, loaded from config at startup.
type StaticTokens map[common.Address]TokenInfo

type TokenInfo struct {
	Symbol   string
	Decimals int32
}

func (s StaticTokens) Token(address common.Address) (string, int32, bool) {
	info, ok := s[address]
	return info.Symbol, info.Decimals, ok
}

// DecodeContext is what a decoder function sees: the log under inspection plus
// everything decoded so far for the same transaction.
type DecodeContext struct {
	Tx           *models.RawTransaction
	Log          *models.LogRecord
	DecodedSoFar []models.HistoryEvent
	AllLogs      []models.LogRecord
	Tracked      map[string]bool // lowercased tracked addresses
	Tokens       TokenResolver
}

// IsTracked reports whether an EVM address is one of the user's.
func (c *DecodeContext) IsTracked(address common.Address) bool {
	return c.Tracked[strings.ToLower(address.Hex())]
}

// Match selects preliminary events an action item applies to. Zero-valued
// fields match anything; Amount participates only when AmountSet.
type Match struct {
	EventType models.EventType
	Subtype   models.EventSubtype
	Asset     string
	Amount    decimal.Decimal
	AmountSet bool
}

func (m Match) hits(ev *models.HistoryEvent) bool {
	if m.EventType != "" && ev.EventType != m.EventType {
		return false
	}
	if m.Subtype != "" && ev.Subtype != m.Subtype {
		return false
	}
	if m.Asset != "" && ev.Asset != m.Asset {
		return false
	}
	if m.AmountSet && !ev.Amount.Equal(m.Amount) {
		return false
	}
	return true
}

// Transform rewrites a matched event. Empty fields leave the event's value
// alone. ToNotes may contain {amount} and {asset} placeholders.
type Transform struct {
	ToType         models.EventType
	ToSubtype      models.EventSubtype
	ToCounterparty string
	ToNotes        string
}

// ActionItem is a deferred rewrite: declared while walking logs, applied once
// all preliminary transfer events exist.
type ActionItem struct {
	Match     Match
	Transform Transform
}

// Apply rewrites ev in place if it matches. Returns whether it did.
func (a ActionItem) Apply(ev *models.HistoryEvent) bool {
	if !a.Match.hits(ev) {
		return false
	}
	t := a.Transform
	if t.ToType != "" {
		ev.EventType = t.ToType
	}
	if t.ToSubtype != "" {
		ev.Subtype = t.ToSubtype
	}
	if t.ToCounterparty != "" {
		ev.Counterparty = t.ToCounterparty
	}
	if t.ToNotes != "" {
		notes := strings.ReplaceAll(t.ToNotes, "{amount}", ev.Amount.String())
		ev.Notes = strings.ReplaceAll(notes, "{asset}", ev.Asset)
	}
	return true
}

// DecodingOutput is what one decoder invocation produced. All fields optional:
// a new event to append, deferred rewrites, and the protocol tag whose post
// rule should run for this tx.
type DecodingOutput struct {
	Event        *models.HistoryEvent
	ActionItems  []ActionItem
	Counterparty string
}

// DecoderFunc inspects one log. An error is contained to that log: the
// preliminary event stands and decoding continues.
type DecoderFunc func(ctx *DecodeContext) (DecodingOutput, error)

// PostRule runs once per tx per matched counterparty, after action items. It
// reorders events and attaches pairing metadata; it must not drop events.
type PostRule func(events []models.HistoryEvent) []models.HistoryEvent

// Registry routes logs to decoders by contract address first, event signature
// second, and holds the per-counterparty post rules. Registration happens at
// startup; lookups are lock-cheap reads.
type Registry struct {
	mu        sync.RWMutex
	byAddress map[common.Address][]DecoderFunc
	byTopic   map[common.Hash][]DecoderFunc
	postRules map[string]PostRule

	schemaVersion int
	tokens        TokenResolver
}

func NewRegistry(schemaVersion int, tokens TokenResolver) *Registry {
	r := &Registry{
		byAddress:     make(map[common.Address][]DecoderFunc),
		byTopic:       make(map[common.Hash][]DecoderFunc),
		postRules:     make(map[string]PostRule),
		schemaVersion: schemaVersion,
		tokens:        tokens,
	}
	registerSwapDecoders(r)
	registerBalancerV3(r)
	registerAave(r)
	return r
}

func (r *Registry) SchemaVersion() int { return r.schemaVersion }

func (r *Registry) Tokens() TokenResolver { return r.tokens }

func (r *Registry) RegisterAddress(address common.Address, fn DecoderFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAddress[address] = append(r.byAddress[address], fn)
}

func (r *Registry) RegisterTopic(topic common.Hash, fn DecoderFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTopic[topic] = append(r.byTopic[topic], fn)
}

func (r *Registry) RegisterPostRule(counterparty string, rule PostRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postRules[counterparty] = rule
}

// DecodersFor returns the decoders interested in a log: address-scoped ones
// first, then signature-scoped ones.
func (r *Registry) DecodersFor(log *models.LogRecord) []DecoderFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []DecoderFunc
	out = append(out, r.byAddress[log.Address]...)
	out = append(out, r.byTopic[log.Topic0()]...)
	return out
}

// PostRuleFor returns the counterparty's post rule, or nil.
func (r *Registry) PostRuleFor(counterparty string) PostRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.postRules[counterparty]
}

// AmountFromWord converts a 32-byte big-endian word to a decimal quantity.
func AmountFromWord(word []byte, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetBytes(word), -decimals)
}

// ResolveToken is the shared "symbol or synthetic id" lookup: unknown tokens
// get an eip155-style placeholder so amounts are never silently dropped.
func ResolveToken(tokens TokenResolver, chain models.Chain, address common.Address) (string, int32) {
	if symbol, dec, ok := tokens.Token(address); ok {
		return symbol, dec
	}
	return fmt.Sprintf("eip155:%d/erc20:%s", chain.EVMChainID(), address.Hex()), 18
}
