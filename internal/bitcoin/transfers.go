package bitcoin

import (
	"sort"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/rawblock/aml-engine/pkg/models"
	"github.com/shopspring/decimal"
)

// Transaction → transfer attribution
//
// A UTXO transaction has no single sender or receiver, so value is split
// between every (input address, output address) pair in proportion to
// the input address's share of the total input value:
//
//	amount(a→b) = floor(out[b] * in[a] / Σin)
//
// Outputs paying back to one of the input addresses are treated as
// change and produce no transfer. Inputs or outputs without a decodable
// address (coinbase, OP_RETURN, bare multisig) are ignored.

// Leg is one side of a transaction aggregated per address
type Leg struct {
	Address string
	Sats    int64
}

// TxView is the address-level shape of a transaction
type TxView struct {
	Txid    string
	Time    time.Time
	Inputs  []Leg
	Outputs []Leg
}

// BTCToSats converts a node-reported BTC float to satoshis with rounding
func BTCToSats(v float64) int64 {
	amt, err := btcutil.NewAmount(v)
	if err != nil {
		return 0
	}
	return int64(amt)
}

// ViewFromSearchResult maps a searchrawtransactions entry. Inputs need
// prevOut data, which SearchRawTransactions always requests.
func ViewFromSearchResult(r *btcjson.SearchRawTransactionsResult) TxView {
	ts := r.Blocktime
	if ts == 0 {
		ts = r.Time
	}
	view := TxView{Txid: r.Txid, Time: time.Unix(ts, 0).UTC()}
	for _, vin := range r.Vin {
		if vin.PrevOut == nil || len(vin.PrevOut.Addresses) == 0 {
			continue
		}
		view.Inputs = append(view.Inputs, Leg{Address: vin.PrevOut.Addresses[0], Sats: BTCToSats(vin.PrevOut.Value)})
	}
	for _, vout := range r.Vout {
		if len(vout.ScriptPubKey.Addresses) == 0 {
			continue
		}
		view.Outputs = append(view.Outputs, Leg{Address: vout.ScriptPubKey.Addresses[0], Sats: BTCToSats(vout.Value)})
	}
	return view
}

// TransfersFromTx attributes a transaction's value to address pairs.
// The result is ordered by (from, to).
func TransfersFromTx(tx TxView, asset string) []models.TransferRecord {
	ins, inOrder := aggregate(tx.Inputs)
	outs, outOrder := aggregate(tx.Outputs)

	var totalIn int64
	for _, v := range ins {
		totalIn += v
	}
	if totalIn <= 0 {
		return nil
	}

	recipients := make([]string, 0, len(outOrder))
	for _, addr := range outOrder {
		if _, isChange := ins[addr]; isChange || outs[addr] <= 0 {
			continue
		}
		recipients = append(recipients, addr)
	}
	if len(recipients) == 0 {
		return nil
	}

	kind := transferKind(len(inOrder), len(recipients))
	total := decimal.NewFromInt(totalIn)
	meta := map[string]string{
		"inputs":  strconv.Itoa(len(inOrder)),
		"outputs": strconv.Itoa(len(recipients)),
	}

	records := make([]models.TransferRecord, 0, len(inOrder)*len(recipients))
	for _, from := range inOrder {
		share := decimal.NewFromInt(ins[from])
		for _, to := range recipients {
			amount := decimal.NewFromInt(outs[to]).Mul(share).Div(total).Floor()
			if !amount.IsPositive() {
				continue
			}
			records = append(records, models.TransferRecord{
				From:      from,
				To:        to,
				Amount:    amount,
				Asset:     asset,
				Timestamp: tx.Time,
				TxID:      tx.Txid,
				Kind:      kind,
				Metadata:  meta,
			})
		}
	}
	return records
}

func aggregate(legs []Leg) (map[string]int64, []string) {
	sums := make(map[string]int64, len(legs))
	for _, l := range legs {
		if l.Address == "" {
			continue
		}
		sums[l.Address] += l.Sats
	}
	order := make([]string, 0, len(sums))
	for addr := range sums {
		order = append(order, addr)
	}
	sort.Strings(order)
	return sums, order
}

func transferKind(senders, recipients int) models.TransferKind {
	switch {
	case senders == 1 && recipients == 1:
		return models.TransferDirect
	case senders == 1:
		return models.TransferSplit
	case recipients == 1:
		return models.TransferMerge
	case senders > recipients:
		return models.TransferMerge
	default:
		return models.TransferSplit
	}
}
