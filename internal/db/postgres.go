package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rawblock/aml-engine/internal/aml"
	"github.com/rawblock/aml-engine/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// schemaSQL is compiled into the binary so schema init works from the
// runtime image, which does not ship internal/db/schema.sql.
//
//go:embed schema.sql
var schemaSQL string

// defaultTraceDepth bounds the recursive activity query
const defaultTraceDepth = 5

// PostgresStore is the ledger source, profile backend and alert archive
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *logrus.Logger

	// TraceDepth is how many hops FetchTransferActivity follows outward from the seed
	TraceDepth int
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(ctx context.Context, connStr string, logger *logrus.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	logger.Info("[DB] Connected to PostgreSQL")
	return &PostgresStore{pool: pool, logger: logger, TraceDepth: defaultTraceDepth}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping reports whether the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	s.logger.Info("[DB] AML schema initialized")
	return nil
}

// activitySQL collects every transfer leaving an address reachable from the
// seed within the window, following at most $4 hops.
const activitySQL = `
	WITH RECURSIVE reach(address, depth) AS (
		SELECT $1::text, 0
		UNION
		SELECT t.to_address, r.depth + 1
		FROM transfers t
		JOIN reach r ON t.from_address = r.address
		WHERE r.depth < $4 AND t.block_time BETWEEN $2 AND $3
	)
	SELECT t.txid, t.from_address, t.to_address, t.amount::text, t.asset, t.kind, t.block_time, t.metadata
	FROM transfers t
	WHERE t.from_address IN (SELECT address FROM reach)
		AND t.block_time BETWEEN $2 AND $3
	ORDER BY t.block_time, t.txid
`

// FetchTransferActivity implements aml.LedgerSource
func (s *PostgresStore) FetchTransferActivity(ctx context.Context, address string, start, end time.Time) ([]models.TransferRecord, error) {
	depth := s.TraceDepth
	if depth <= 0 {
		depth = defaultTraceDepth
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}

	rows, err := s.pool.Query(ctx, activitySQL, address, start, end, depth)
	if err != nil {
		return nil, fmt.Errorf("activity query failed: %w", err)
	}
	defer rows.Close()

	records := make([]models.TransferRecord, 0)
	for rows.Next() {
		var (
			r      models.TransferRecord
			amount string
			kind   string
		)
		if err := rows.Scan(&r.TxID, &r.From, &r.To, &amount, &r.Asset, &kind, &r.Timestamp, &r.Metadata); err != nil {
			return nil, err
		}
		if r.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("bad amount %q on %s: %w", amount, r.TxID, err)
		}
		r.Kind = models.TransferKind(kind)
		records = append(records, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// InsertTransfers upserts ledger rows in a single batch
func (s *PostgresStore) InsertTransfers(ctx context.Context, records []models.TransferRecord) error {
	if len(records) == 0 {
		return nil
	}

	sql := `
		INSERT INTO transfers (txid, from_address, to_address, amount, asset, kind, block_time, metadata)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)
		ON CONFLICT (txid, from_address, to_address) DO UPDATE SET
			amount = EXCLUDED.amount,
			asset = EXCLUDED.asset,
			kind = EXCLUDED.kind,
			block_time = EXCLUDED.block_time,
			metadata = EXCLUDED.metadata;
	`
	batch := &pgx.Batch{}
	for _, r := range records {
		kind := r.Kind
		if kind == "" {
			kind = models.TransferDirect
		}
		batch.Queue(sql, r.TxID, r.From, r.To, r.Amount.String(), r.Asset, string(kind), r.Timestamp, r.Metadata)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert transfers: %w", err)
	}
	return nil
}

// GetProfile implements aml.ProfileSource. Unknown addresses yield nil, nil.
func (s *PostgresStore) GetProfile(ctx context.Context, address string) (*models.AddressRiskProfile, error) {
	sql := `
		SELECT address, risk_score, total_transfers, prior_alerts, labels, first_seen, last_seen
		FROM address_risk_profiles
		WHERE address = $1
	`
	var (
		p         models.AddressRiskProfile
		firstSeen *time.Time
		lastSeen  *time.Time
	)
	err := s.pool.QueryRow(ctx, sql, address).Scan(
		&p.Address, &p.RiskScore, &p.TotalTransfers, &p.PriorAlerts, &p.Labels, &firstSeen, &lastSeen,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if firstSeen != nil {
		p.FirstSeen = *firstSeen
	}
	if lastSeen != nil {
		p.LastSeen = *lastSeen
	}
	return &p, nil
}

// UpsertProfile stores or replaces an address risk profile
func (s *PostgresStore) UpsertProfile(ctx context.Context, p models.AddressRiskProfile) error {
	sql := `
		INSERT INTO address_risk_profiles
			(address, risk_score, total_transfers, prior_alerts, labels, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (address) DO UPDATE SET
			risk_score = EXCLUDED.risk_score,
			total_transfers = EXCLUDED.total_transfers,
			prior_alerts = EXCLUDED.prior_alerts,
			labels = EXCLUDED.labels,
			first_seen = COALESCE(address_risk_profiles.first_seen, EXCLUDED.first_seen),
			last_seen = EXCLUDED.last_seen,
			updated_at = NOW();
	`
	labels := p.Labels
	if labels == nil {
		labels = []string{}
	}
	_, err := s.pool.Exec(ctx, sql, p.Address, p.RiskScore, p.TotalTransfers, p.PriorAlerts, labels,
		nullableTime(p.FirstSeen), nullableTime(p.LastSeen))
	return err
}

// SaveAlert archives an emitted alert and bumps prior_alerts for its addresses
func (s *PostgresStore) SaveAlert(ctx context.Context, alert aml.MoneyLaunderingAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	addresses := make([]string, 0, len(alert.Addresses))
	for _, a := range alert.Addresses {
		addresses = append(addresses, a.Address)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertSQL := `
		INSERT INTO ml_alerts (id, created_at, severity, typology, risk_score, addresses, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING;
	`
	if _, err := tx.Exec(ctx, insertSQL, alert.ID, alert.CreatedAt, alert.Severity.String(),
		string(alert.Pattern.Type), alert.RiskScore, addresses, payload); err != nil {
		return fmt.Errorf("failed to insert ml_alerts: %w", err)
	}

	bumpSQL := `UPDATE address_risk_profiles SET prior_alerts = prior_alerts + 1, updated_at = NOW() WHERE address = ANY($1)`
	if _, err := tx.Exec(ctx, bumpSQL, addresses); err != nil {
		return fmt.Errorf("failed to update prior alerts: %w", err)
	}

	return tx.Commit(ctx)
}

// RecentAlerts returns archived alerts, newest first
func (s *PostgresStore) RecentAlerts(ctx context.Context, limit int) ([]aml.MoneyLaunderingAlert, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `SELECT payload FROM ml_alerts ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]aml.MoneyLaunderingAlert, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var a aml.MoneyLaunderingAlert
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, fmt.Errorf("corrupt alert payload: %w", err)
		}
		alerts = append(alerts, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
