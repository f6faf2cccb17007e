package bitcoin

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/rawblock/aml-engine/pkg/models"
	"github.com/sirupsen/logrus"
)

// TxSearcher is the address-index lookup ActivitySource depends on
type TxSearcher interface {
	SearchRawTransactions(address string, skip, count int) ([]*btcjson.SearchRawTransactionsResult, error)
}

// ActivitySource serves transfer activity straight from a node with an
// address index. Starting at the seed it follows outgoing transfers
// breadth-first, at most MaxDepth hops and MaxAddresses lookups.
type ActivitySource struct {
	rpc    TxSearcher
	logger *logrus.Logger

	Asset        string
	MaxDepth     int
	MaxAddresses int
	PageSize     int
	MaxPages     int // per address
}

// NewActivitySource creates a node-backed ledger source with default bounds
func NewActivitySource(rpc TxSearcher, logger *logrus.Logger) *ActivitySource {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ActivitySource{
		rpc:          rpc,
		logger:       logger,
		Asset:        "BTC",
		MaxDepth:     5,
		MaxAddresses: 200,
		PageSize:     100,
		MaxPages:     10,
	}
}

type frontier struct {
	address string
	depth   int
}

// FetchTransferActivity implements aml.LedgerSource
func (s *ActivitySource) FetchTransferActivity(ctx context.Context, address string, start, end time.Time) ([]models.TransferRecord, error) {
	if end.IsZero() {
		end = time.Now().UTC()
	}

	seen := make(map[models.FlowKey]bool)
	visited := map[string]bool{address: true}
	queue := []frontier{{address: address}}
	var records []models.TransferRecord

	for lookups := 0; len(queue) > 0 && lookups < s.MaxAddresses; lookups++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := queue[0]
		queue = queue[1:]

		found, err := s.addressTransfers(cur.address, start, end)
		if err != nil {
			// Failures past the seed only narrow the trace
			if cur.depth == 0 {
				return nil, fmt.Errorf("searchrawtransactions %s: %w", cur.address, err)
			}
			s.logger.WithError(err).WithField("address", cur.address).Warn("[Bitcoin] Skipping address in trace")
			continue
		}

		for _, r := range found {
			if seen[r.Key()] {
				continue
			}
			seen[r.Key()] = true
			records = append(records, r)

			if r.From == cur.address && cur.depth+1 < s.MaxDepth && !visited[r.To] {
				visited[r.To] = true
				queue = append(queue, frontier{address: r.To, depth: cur.depth + 1})
			}
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return records, nil
}

// addressTransfers pages through one address's history inside the window
func (s *ActivitySource) addressTransfers(address string, start, end time.Time) ([]models.TransferRecord, error) {
	pageSize := s.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	var out []models.TransferRecord
	for page := 0; s.MaxPages <= 0 || page < s.MaxPages; page++ {
		results, err := s.rpc.SearchRawTransactions(address, page*pageSize, pageSize)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			view := ViewFromSearchResult(r)
			if view.Time.Before(start) || view.Time.After(end) {
				continue
			}
			out = append(out, TransfersFromTx(view, s.Asset)...)
		}
		if len(results) < pageSize {
			break
		}
	}
	return out, nil
}
