package aml

import (
	"context"
	"fmt"
	"time"

	"github.com/rawblock/aml-engine/pkg/models"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

// transfer builds a BTC transfer offset from t0
func transfer(from, to string, amount int64, offset time.Duration) models.TransferRecord {
	return models.TransferRecord{
		From:      from,
		To:        to,
		Amount:    decimal.NewFromInt(amount),
		Asset:     "BTC",
		Timestamp: t0.Add(offset),
		TxID:      fmt.Sprintf("tx-%s-%s-%d", from, to, offset/time.Minute),
		Kind:      models.TransferDirect,
	}
}

// layeringChain is A→B→C→D→E, 100 units per hop, one hour apart
func layeringChain() []models.TransferRecord {
	return []models.TransferRecord{
		transfer("A", "B", 100, 0),
		transfer("B", "C", 100, 1*time.Hour),
		transfer("C", "D", 100, 2*time.Hour),
		transfer("D", "E", 100, 3*time.Hour),
	}
}

// smurfFanOut is X paying 12 distinct recipients over 44 hours
func smurfFanOut() []models.TransferRecord {
	var flows []models.TransferRecord
	for i := 0; i < 12; i++ {
		flows = append(flows, transfer("X", fmt.Sprintf("R%02d", i), 1000, time.Duration(i)*4*time.Hour))
	}
	return flows
}

type fakeLedger struct {
	records map[string][]models.TransferRecord
	err     error
}

func (f *fakeLedger) FetchTransferActivity(ctx context.Context, address string, start, end time.Time) ([]models.TransferRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records[address], nil
}

type fakeProfiles struct {
	profiles map[string]*models.AddressRiskProfile
	err      error
}

func (f *fakeProfiles) GetProfile(ctx context.Context, address string) (*models.AddressRiskProfile, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.profiles[address], nil
}

// window brackets t0 generously so fixtures never fall outside it
func window() (time.Time, time.Time) {
	return t0.Add(-24 * time.Hour), t0.Add(30 * 24 * time.Hour)
}
