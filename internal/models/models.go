package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Chain identifies a supported ledger. EVM chains share structure but are kept
// distinct by their numeric chain id ("evm:1", "evm:10", ...).
type Chain string

const (
	ChainBitcoin     Chain = "btc"
	ChainBitcoinCash Chain = "bch"
	ChainEthereum    Chain = "evm:1"
)

func EVMChain(chainID uint64) Chain {
	return Chain("evm:" + strconv.FormatUint(chainID, 10))
}

func (c Chain) IsEVM() bool {
	return strings.HasPrefix(string(c), "evm:")
}

func (c Chain) IsBitcoinFamily() bool {
	return c == ChainBitcoin || c == ChainBitcoinCash
}

// EVMChainID returns the numeric chain id, or 0 for non-EVM chains.
func (c Chain) EVMChainID() uint64 {
	if !c.IsEVM() {
		return 0
	}
	id, _ := strconv.ParseUint(strings.TrimPrefix(string(c), "evm:"), 10, 64)
	return id
}

// NativeAsset returns the asset symbol used for fees and plain value transfers.
func (c Chain) NativeAsset() string {
	switch {
	case c == ChainBitcoin:
		return "BTC"
	case c == ChainBitcoinCash:
		return "BCH"
	default:
		return "ETH"
	}
}

func ParseChain(s string) (Chain, error) {
	c := Chain(strings.ToLower(strings.TrimSpace(s)))
	switch {
	case c == ChainBitcoin || c == ChainBitcoinCash:
		return c, nil
	case c.IsEVM() && c.EVMChainID() > 0:
		return c, nil
	}
	return "", fmt.Errorf("unknown chain %q", s)
}

// IODirection marks a Bitcoin-family tx I/O as input or output.
type IODirection string

const (
	DirectionIn  IODirection = "IN"
	DirectionOut IODirection = "OUT"
)

// ScriptClass is the coarse classification the normalizer cares about. P2PK has
// no embedded address (derived from the pubkey); OP_RETURN is data-only.
type ScriptClass string

const (
	ScriptP2PK     ScriptClass = "P2PK"
	ScriptOpReturn ScriptClass = "OP_RETURN"
	ScriptOther    ScriptClass = "OTHER"
)

// TxIO is one input or output of a Bitcoin-family transaction. Address may be
// empty for OP_RETURN and non-standard scripts. Values are in satoshis.
type TxIO struct {
	ValueSat  int64       `json:"value_sat"`
	Script    []byte      `json:"script,omitempty"`
	Address   string      `json:"address,omitempty"`
	Direction IODirection `json:"direction"`
	Class     ScriptClass `json:"class"`
}

// LogRecord is one EVM receipt log.
type LogRecord struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    []byte         `json:"data"`
	Index   uint           `json:"index"`
}

// Topic0 returns the event signature topic, or the zero hash for anonymous logs.
func (l LogRecord) Topic0() common.Hash {
	if len(l.Topics) == 0 {
		return common.Hash{}
	}
	return l.Topics[0]
}

// RawTransaction is the exact upstream transaction record plus decoded I/O or
// logs. Immutable once stored; TxID is unique within a chain.
type RawTransaction struct {
	Chain       Chain  `json:"chain"`
	TxID        string `json:"tx_id"`
	BlockHeight uint64 `json:"block_height"`
	TimestampMs int64  `json:"timestamp_ms"`
	Success     bool   `json:"success"`

	// Bitcoin family
	Inputs  []TxIO `json:"inputs,omitempty"`
	Outputs []TxIO `json:"outputs,omitempty"`

	// EVM family
	From              string          `json:"from,omitempty"`
	To                string          `json:"to,omitempty"`
	ValueWei          decimal.Decimal `json:"value_wei"`
	GasUsed           uint64          `json:"gas_used,omitempty"`
	EffectiveGasPrice decimal.Decimal `json:"effective_gas_price"`
	Logs              []LogRecord     `json:"logs,omitempty"`
}

// Fee returns the transaction fee in the chain's native unit.
// Bitcoin family: sum(inputs) - sum(outputs), converted from satoshis.
// EVM family: gas_used * effective_gas_price, converted from wei.
func (tx *RawTransaction) Fee() decimal.Decimal {
	if tx.Chain.IsBitcoinFamily() {
		return decimal.New(tx.FeeSat(), -8)
	}
	return decimal.NewFromInt(int64(tx.GasUsed)).Mul(tx.EffectiveGasPrice).Shift(-18)
}

// FeeSat returns the Bitcoin-family fee in satoshis.
func (tx *RawTransaction) FeeSat() int64 {
	var in, out int64
	for _, io := range tx.Inputs {
		in += io.ValueSat
	}
	for _, io := range tx.Outputs {
		out += io.ValueSat
	}
	return in - out
}

// Timestamp returns the tx timestamp as a time.Time.
func (tx *RawTransaction) Timestamp() time.Time {
	return time.UnixMilli(tx.TimestampMs).UTC()
}

// EventType is the coarse accounting classification of a history event.
type EventType string

const (
	EventTypeSpend         EventType = "spend"
	EventTypeReceive       EventType = "receive"
	EventTypeTransfer      EventType = "transfer"
	EventTypeDeposit       EventType = "deposit"
	EventTypeWithdrawal    EventType = "withdrawal"
	EventTypeTrade         EventType = "trade"
	EventTypeStaking       EventType = "staking"
	EventTypeInformational EventType = "informational"
)

// EventSubtype refines EventType.
type EventSubtype string

const (
	SubtypeNone              EventSubtype = "none"
	SubtypeFee               EventSubtype = "fee"
	SubtypeDepositAsset      EventSubtype = "deposit asset"
	SubtypeRemoveAsset       EventSubtype = "remove asset"
	SubtypeDepositForWrapped EventSubtype = "deposit for wrapped"
	SubtypeRedeemWrapped     EventSubtype = "redeem wrapped"
	SubtypeReceiveWrapped    EventSubtype = "receive wrapped"
	SubtypeReturnWrapped     EventSubtype = "return wrapped"
	SubtypePaybackDebt       EventSubtype = "payback debt"
	SubtypeGenerateDebt      EventSubtype = "generate debt"
	SubtypeReward            EventSubtype = "reward"
	SubtypeRefund            EventSubtype = "refund"
	SubtypeBurn              EventSubtype = "burn"
	SubtypeGovernance        EventSubtype = "governance"
	SubtypeSpend             EventSubtype = "spend"
	SubtypeReceive           EventSubtype = "receive"
)

// HistoryEvent is a normalized, chain-agnostic record of a ledger-affecting
// action. Identifier groups events of one logical operation; Sequence gives a
// total order within an identifier (gaps allowed, ties forbidden).
type HistoryEvent struct {
	Identifier    string          `json:"event_identifier"`
	Sequence      int             `json:"sequence_index"`
	TimestampMs   int64           `json:"timestamp"`
	Location      Chain           `json:"location"`
	EventType     EventType       `json:"event_type"`
	Subtype       EventSubtype    `json:"event_subtype"`
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
	LocationLabel string          `json:"location_label,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	Counterparty  string          `json:"counterparty,omitempty"`
	Address       string          `json:"address,omitempty"`
	ExtraData     map[string]any  `json:"extra_data,omitempty"`
	SchemaVersion int             `json:"schema_version,omitempty"`
}

// Interval is a closed wall-clock range [Start, End] in unix seconds.
type Interval struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// QueryRange is the coalesced set of intervals already pulled for a fingerprint.
type QueryRange struct {
	Fingerprint string     `json:"fingerprint"`
	Intervals   []Interval `json:"intervals"`
}

// TxsFingerprint keys the query-range entry for an address's transaction pulls.
func TxsFingerprint(chain Chain, address string) string {
	return fmt.Sprintf("txs:%s:%s", chain, address)
}

// BalancesFingerprint keys the TTL entry for an address's balance refresh.
func BalancesFingerprint(chain Chain, address string) string {
	return fmt.Sprintf("balances:%s:%s", chain, address)
}

// TrackedAccount is an address the user registered. CanonicalAddress is the
// internal matching form (e.g. CashAddr for BCH); Address keeps the form the
// user entered and is what we echo back.
type TrackedAccount struct {
	Chain            Chain     `json:"chain"`
	Address          string    `json:"address"`
	CanonicalAddress string    `json:"canonical_address"`
	Label            string    `json:"label,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// IgnoredAction marks an external id the user excluded from accounting.
type IgnoredAction struct {
	ActionType string `json:"action_type"`
	ExternalID string `json:"external_id"`
}

// EventFilter is the query surface of the event store.
type EventFilter struct {
	FromTs     int64
	ToTs       int64
	Chain      Chain
	Address    string
	EventType  EventType
	Identifier string
	Limit      int
	Offset     int
}
