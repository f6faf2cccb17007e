package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferKind classifies how value moved between two addresses
type TransferKind string

const (
	TransferDirect TransferKind = "direct"
	TransferSplit  TransferKind = "split"
	TransferMerge  TransferKind = "merge"
	TransferSwap   TransferKind = "swap"
	TransferBridge TransferKind = "bridge"
)

// TransferRecord is a single value movement fetched from the ledger.
// Records are treated as immutable once fetched.
type TransferRecord struct {
	From      string            `json:"from"`
	To        string            `json:"to"`
	Amount    decimal.Decimal   `json:"amount"` // base units (sats, wei, ...), integral and non-negative
	Asset     string            `json:"asset"`
	Timestamp time.Time         `json:"timestamp"`
	TxID      string            `json:"txid"`
	Kind      TransferKind      `json:"kind"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// FlowKey identifies a transfer for cross-address deduplication
type FlowKey struct {
	TxID string
	From string
	To   string
}

// Key returns the (txid, from, to) triple of the record
func (r TransferRecord) Key() FlowKey {
	return FlowKey{TxID: r.TxID, From: r.From, To: r.To}
}

// AddressRiskProfile is the externally maintained risk context of an address
type AddressRiskProfile struct {
	Address        string    `json:"address"`
	RiskScore      float64   `json:"riskScore"` // 0-100
	TotalTransfers int       `json:"totalTransfers"`
	PriorAlerts    int       `json:"priorAlerts"`
	Labels         []string  `json:"labels,omitempty"` // "exchange", "mixer", "sanctioned", ...
	FirstSeen      time.Time `json:"firstSeen,omitempty"`
	LastSeen       time.Time `json:"lastSeen,omitempty"`
}
