// Package store provides data persistence implementations.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"crypto-sentinel/internal/models"
)

// SQLiteStore implements Store using SQLite. Prices, quantities and P&L are
// stored as decimal strings; REAL columns would reintroduce the float drift
// the ledger exists to avoid.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Positions table; rows are status-transitioned, never deleted.
	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		strategy_id TEXT NOT NULL,
		status TEXT NOT NULL,
		entry_time DATETIME NOT NULL,
		entry_price TEXT NOT NULL,
		quantity TEXT NOT NULL,
		cost_basis TEXT NOT NULL,
		entry_regime TEXT,
		close_time DATETIME,
		close_price TEXT,
		realized_pnl TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Circuit breaker singleton row; survives process restarts.
	CREATE TABLE IF NOT EXISTS breaker_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		is_open INTEGER NOT NULL DEFAULT 0,
		consecutive_errors INTEGER NOT NULL DEFAULT 0,
		last_error_time DATETIME,
		total_trips INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Equity time series consumed by the drawdown-velocity gate.
	CREATE TABLE IF NOT EXISTS portfolio_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME NOT NULL,
		total_equity TEXT NOT NULL,
		cash TEXT NOT NULL,
		exposure TEXT NOT NULL
	);

	-- Audit trail of every evaluation outcome.
	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		ts DATETIME NOT NULL,
		symbol TEXT NOT NULL,
		strategy_id TEXT NOT NULL,
		side TEXT NOT NULL,
		requested_usd TEXT NOT NULL,
		approved INTEGER NOT NULL,
		reason_code TEXT,
		reason TEXT,
		approved_usd TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_positions_symbol_strategy ON positions(symbol, strategy_id);
	CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
	CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON portfolio_snapshots(ts);
	CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts);
	CREATE INDEX IF NOT EXISTS idx_decisions_symbol ON decisions(symbol);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Positions
// ============================================================================

// SavePosition inserts a newly opened position.
func (s *SQLiteStore) SavePosition(ctx context.Context, p *models.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (id, symbol, strategy_id, status, entry_time, entry_price, quantity, cost_basis, entry_regime)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Symbol, p.StrategyID, p.Status, p.EntryTime,
		p.EntryPrice.String(), p.Quantity.String(), p.CostBasis.String(), p.RegimeTag)
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// MarkPositionClosed persists the close of a position.
func (s *SQLiteStore) MarkPositionClosed(ctx context.Context, p *models.Position) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions
		SET status = ?, close_time = ?, close_price = ?, realized_pnl = ?
		WHERE id = ? AND status = ?
	`, models.PositionClosed, p.CloseTime, p.ClosePrice.String(), p.RealizedPnL.String(),
		p.ID, models.PositionOpen)
	if err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("position not open: %s", p.ID)
	}
	return nil
}

// LoadPositions loads all positions ordered by entry time ascending, so the
// ledger rebuilds its FIFO queues in one pass.
func (s *SQLiteStore) LoadPositions(ctx context.Context) ([]models.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, strategy_id, status, entry_time, entry_price, quantity, cost_basis,
		       COALESCE(entry_regime, ''), close_time, close_price, realized_pnl
		FROM positions
		ORDER BY entry_time ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		var p models.Position
		var entryPrice, quantity, costBasis string
		var regime string
		var closeTime sql.NullTime
		var closePrice, realizedPnL sql.NullString

		if err := rows.Scan(&p.ID, &p.Symbol, &p.StrategyID, &p.Status, &p.EntryTime,
			&entryPrice, &quantity, &costBasis, &regime, &closeTime, &closePrice, &realizedPnL); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}

		if p.EntryPrice, err = decimal.NewFromString(entryPrice); err != nil {
			return nil, fmt.Errorf("corrupt entry_price for %s: %w", p.ID, err)
		}
		if p.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, fmt.Errorf("corrupt quantity for %s: %w", p.ID, err)
		}
		if p.CostBasis, err = decimal.NewFromString(costBasis); err != nil {
			return nil, fmt.Errorf("corrupt cost_basis for %s: %w", p.ID, err)
		}
		p.RegimeTag = models.RegimeState(regime)
		if closeTime.Valid {
			p.CloseTime = closeTime.Time
		}
		if closePrice.Valid {
			if p.ClosePrice, err = decimal.NewFromString(closePrice.String); err != nil {
				return nil, fmt.Errorf("corrupt close_price for %s: %w", p.ID, err)
			}
		}
		if realizedPnL.Valid {
			if p.RealizedPnL, err = decimal.NewFromString(realizedPnL.String); err != nil {
				return nil, fmt.Errorf("corrupt realized_pnl for %s: %w", p.ID, err)
			}
		}

		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// ============================================================================
// Circuit breaker state
// ============================================================================

// BreakerState is the persisted circuit breaker row.
type BreakerState struct {
	IsOpen            bool
	ConsecutiveErrors int
	LastErrorTime     time.Time
	TotalTrips        int
}

// SaveBreakerState upserts the breaker singleton row.
func (s *SQLiteStore) SaveBreakerState(ctx context.Context, st BreakerState) error {
	isOpen := 0
	if st.IsOpen {
		isOpen = 1
	}
	var lastErr interface{}
	if !st.LastErrorTime.IsZero() {
		lastErr = st.LastErrorTime
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO breaker_state (id, is_open, consecutive_errors, last_error_time, total_trips, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_open = excluded.is_open,
			consecutive_errors = excluded.consecutive_errors,
			last_error_time = excluded.last_error_time,
			total_trips = excluded.total_trips,
			updated_at = excluded.updated_at
	`, isOpen, st.ConsecutiveErrors, lastErr, st.TotalTrips, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save breaker state: %w", err)
	}
	return nil
}

// LoadBreakerState loads the breaker singleton row. Returns a zero state when
// none has been persisted yet.
func (s *SQLiteStore) LoadBreakerState(ctx context.Context) (BreakerState, error) {
	var st BreakerState
	var isOpen int
	var lastErr sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT is_open, consecutive_errors, last_error_time, total_trips
		FROM breaker_state WHERE id = 1
	`).Scan(&isOpen, &st.ConsecutiveErrors, &lastErr, &st.TotalTrips)
	if err == sql.ErrNoRows {
		return BreakerState{}, nil
	}
	if err != nil {
		return BreakerState{}, fmt.Errorf("failed to load breaker state: %w", err)
	}

	st.IsOpen = isOpen == 1
	if lastErr.Valid {
		st.LastErrorTime = lastErr.Time
	}
	return st, nil
}

// ============================================================================
// Portfolio snapshots
// ============================================================================

// SaveSnapshot appends an equity snapshot.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap models.PortfolioSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO portfolio_snapshots (ts, total_equity, cash, exposure)
		VALUES (?, ?, ?, ?)
	`, snap.Timestamp, snap.TotalEquity.String(), snap.Cash.String(), snap.Exposure.String())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// SnapshotAtOrBefore returns the most recent snapshot at or before t.
// Returns nil when no snapshot exists that early.
func (s *SQLiteStore) SnapshotAtOrBefore(ctx context.Context, t time.Time) (*models.PortfolioSnapshot, error) {
	var snap models.PortfolioSnapshot
	var equity, cash, exposure string

	err := s.db.QueryRowContext(ctx, `
		SELECT ts, total_equity, cash, exposure
		FROM portfolio_snapshots
		WHERE ts <= ?
		ORDER BY ts DESC LIMIT 1
	`, t).Scan(&snap.Timestamp, &equity, &cash, &exposure)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}

	if snap.TotalEquity, err = decimal.NewFromString(equity); err != nil {
		return nil, fmt.Errorf("corrupt total_equity: %w", err)
	}
	if snap.Cash, err = decimal.NewFromString(cash); err != nil {
		return nil, fmt.Errorf("corrupt cash: %w", err)
	}
	if snap.Exposure, err = decimal.NewFromString(exposure); err != nil {
		return nil, fmt.Errorf("corrupt exposure: %w", err)
	}
	return &snap, nil
}

// ============================================================================
// Decision audit
// ============================================================================

// DecisionRecord is one evaluation outcome for the audit trail.
type DecisionRecord struct {
	ID           string
	Timestamp    time.Time
	Symbol       string
	StrategyID   string
	Side         models.Side
	RequestedUSD decimal.Decimal
	Approved     bool
	ReasonCode   string
	Reason       string
	ApprovedUSD  decimal.Decimal
}

// SaveDecision records an evaluation outcome.
func (s *SQLiteStore) SaveDecision(ctx context.Context, d DecisionRecord) error {
	approved := 0
	if d.Approved {
		approved = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, ts, symbol, strategy_id, side, requested_usd, approved, reason_code, reason, approved_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Timestamp, d.Symbol, d.StrategyID, d.Side,
		d.RequestedUSD.String(), approved, d.ReasonCode, d.Reason, d.ApprovedUSD.String())
	if err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}
	return nil
}

// RecentDecisions returns the latest decisions, newest first.
func (s *SQLiteStore) RecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, symbol, strategy_id, side, requested_usd, approved,
		       COALESCE(reason_code, ''), COALESCE(reason, ''), COALESCE(approved_usd, '0')
		FROM decisions ORDER BY ts DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var records []DecisionRecord
	for rows.Next() {
		var d DecisionRecord
		var requested, approvedUSD string
		var approved int
		if err := rows.Scan(&d.ID, &d.Timestamp, &d.Symbol, &d.StrategyID, &d.Side,
			&requested, &approved, &d.ReasonCode, &d.Reason, &approvedUSD); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		d.Approved = approved == 1
		if d.RequestedUSD, err = decimal.NewFromString(requested); err != nil {
			return nil, fmt.Errorf("corrupt requested_usd: %w", err)
		}
		if d.ApprovedUSD, err = decimal.NewFromString(approvedUSD); err != nil {
			return nil, fmt.Errorf("corrupt approved_usd: %w", err)
		}
		records = append(records, d)
	}

	return records, rows.Err()
}
