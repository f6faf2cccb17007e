package bitcoin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/sirupsen/logrus"
)

type fakeSearcher struct {
	txs   map[string][]*btcjson.SearchRawTransactionsResult
	fail  map[string]error
	calls map[string]int
}

func (f *fakeSearcher) SearchRawTransactions(address string, skip, count int) ([]*btcjson.SearchRawTransactionsResult, error) {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[address]++
	if err := f.fail[address]; err != nil {
		return nil, err
	}
	all := f.txs[address]
	if skip >= len(all) {
		return nil, nil
	}
	end := min(skip+count, len(all))
	return all[skip:end], nil
}

func payment(txid, from, to string, btc float64, at time.Time) *btcjson.SearchRawTransactionsResult {
	return &btcjson.SearchRawTransactionsResult{
		Txid:      txid,
		Blocktime: at.Unix(),
		Vin:       []btcjson.VinPrevOut{{Txid: "p-" + txid, PrevOut: &btcjson.PrevOut{Addresses: []string{from}, Value: btc}}},
		Vout:      []btcjson.Vout{{Value: btc, ScriptPubKey: btcjson.ScriptPubKeyResult{Addresses: []string{to}}}},
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestActivitySource_FollowsOutgoingHops(t *testing.T) {
	ab := payment("t1", "A", "B", 0.01, blockTime)
	bc := payment("t2", "B", "C", 0.01, blockTime.Add(time.Hour))
	cd := payment("t3", "C", "D", 0.01, blockTime.Add(2*time.Hour))
	searcher := &fakeSearcher{txs: map[string][]*btcjson.SearchRawTransactionsResult{
		"A": {ab},
		"B": {ab, bc},
		"C": {bc, cd},
		"D": {cd},
	}}

	src := NewActivitySource(searcher, quietLogger())
	src.MaxDepth = 3

	records, err := src.FetchTransferActivity(context.Background(), "A", blockTime.Add(-time.Hour), blockTime.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 deduplicated transfers, got %d", len(records))
	}
	for i, want := range []string{"t1", "t2", "t3"} {
		if records[i].TxID != want {
			t.Fatalf("expected time order t1,t2,t3; position %d is %s", i, records[i].TxID)
		}
	}
	if searcher.calls["D"] != 0 {
		t.Fatalf("expected depth bound to stop before D, got %d lookups", searcher.calls["D"])
	}
}

func TestActivitySource_WindowAndPaging(t *testing.T) {
	var txs []*btcjson.SearchRawTransactionsResult
	for i := 0; i < 5; i++ {
		txs = append(txs, payment("w"+string(rune('0'+i)), "A", "Z", 0.001, blockTime.Add(time.Duration(i)*24*time.Hour)))
	}
	searcher := &fakeSearcher{txs: map[string][]*btcjson.SearchRawTransactionsResult{"A": txs}}

	src := NewActivitySource(searcher, quietLogger())
	src.MaxDepth = 1
	src.PageSize = 2

	records, err := src.FetchTransferActivity(context.Background(), "A", blockTime.Add(24*time.Hour), blockTime.Add(3*24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected days 1-3 inside the window, got %d", len(records))
	}
	if searcher.calls["A"] != 3 {
		t.Fatalf("expected 3 pages for 5 txs at page size 2, got %d", searcher.calls["A"])
	}
}

func TestActivitySource_SeedFailureIsFatal(t *testing.T) {
	boom := errors.New("no address index")
	src := NewActivitySource(&fakeSearcher{fail: map[string]error{"A": boom}}, quietLogger())

	_, err := src.FetchTransferActivity(context.Background(), "A", time.Time{}, time.Time{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected seed failure to surface, got %v", err)
	}
}

func TestActivitySource_DownstreamFailureNarrowsTrace(t *testing.T) {
	ab := payment("t1", "A", "B", 0.01, blockTime)
	searcher := &fakeSearcher{
		txs:  map[string][]*btcjson.SearchRawTransactionsResult{"A": {ab}},
		fail: map[string]error{"B": errors.New("timeout")},
	}

	records, err := NewActivitySource(searcher, quietLogger()).FetchTransferActivity(context.Background(), "A", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected the seed's transfer to survive, got %d", len(records))
	}
}
