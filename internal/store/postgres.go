package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradepro/options-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

// --- Accounts ---

const accountColumns = `id, real_balance::TEXT, demo_balance::TEXT, kyc_status, is_leader,
	followers, followed_leaders, COALESCE(referral_code, ''), parent_referral,
	total_referral_earnings::TEXT, created_at`

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, real_balance, demo_balance, kyc_status, is_leader,
		                       followers, followed_leaders, referral_code, parent_referral,
		                       total_referral_earnings, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5, $6, $7, NULLIF($8, ''), $9, $10::NUMERIC, $11)`,
		a.ID, a.RealBalance.String(), a.DemoBalance.String(), a.KYCStatus, a.IsLeader,
		nonNil(a.Followers), nonNil(a.FollowedLeaders), a.ReferralCode, a.ParentReferral,
		a.TotalReferralEarnings.String(), a.CreatedAt,
	)
	return mapWriteErr(err, "account "+a.ID)
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if err != nil {
		return nil, mapReadErr(err, "account "+id)
	}
	return a, nil
}

func (s *PostgresStore) GetAccountByReferralCode(ctx context.Context, code string) (*model.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE referral_code = $1`, code)
	a, err := scanAccount(row)
	if err != nil {
		return nil, mapReadErr(err, "referral code "+code)
	}
	return a, nil
}

func (s *PostgresStore) ListLeaders(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE is_leader ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list leaders: %w", err)
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan leader: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveAccount(ctx context.Context, a *model.Account) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts
		 SET kyc_status = $2, is_leader = $3, followers = $4, followed_leaders = $5,
		     referral_code = NULLIF($6, ''), parent_referral = $7
		 WHERE id = $1`,
		a.ID, a.KYCStatus, a.IsLeader, nonNil(a.Followers), nonNil(a.FollowedLeaders),
		a.ReferralCode, a.ParentReferral,
	)
	if err != nil {
		return mapWriteErr(err, "account "+a.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

// SaveProfile never writes the follow arrays, so it cannot race Follow.
func (s *PostgresStore) SaveProfile(ctx context.Context, a *model.Account) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET kyc_status = $2, is_leader = $3, parent_referral = $4
		 WHERE id = $1`,
		a.ID, a.KYCStatus, a.IsLeader, a.ParentReferral,
	)
	if err != nil {
		return mapWriteErr(err, "account "+a.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

// AdjustBalance is a single conditional UPDATE, so concurrent debits can
// never drive a balance negative even across service instances.
func (s *PostgresStore) AdjustBalance(ctx context.Context, id string, denom model.Denomination, delta decimal.Decimal) (decimal.Decimal, error) {
	col := balanceColumn(denom)
	var balS string
	err := s.pool.QueryRow(ctx,
		`UPDATE accounts SET `+col+` = `+col+` + $2::NUMERIC
		 WHERE id = $1 AND `+col+` + $2::NUMERIC >= 0
		 RETURNING `+col+`::TEXT`,
		id, delta.String(),
	).Scan(&balS)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists); err != nil {
			return decimal.Zero, err
		}
		if !exists {
			return decimal.Zero, fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		return decimal.Zero, ErrInsufficientFunds
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("adjust balance %s: %w", id, err)
	}
	bal, _ := decimal.NewFromString(balS)
	return bal, nil
}

func (s *PostgresStore) AddReferralEarnings(ctx context.Context, id string, amount decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET total_referral_earnings = total_referral_earnings + $2::NUMERIC WHERE id = $1`,
		id, amount.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Positions ---

const positionColumns = `id, owner_id, symbol, stake::TEXT, denomination, direction,
	open_price::TEXT, close_price::TEXT, status, result, payout::TEXT, expires_at,
	is_copy, copied_from, source_position_id, created_at, closed_at`

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, owner_id, symbol, stake, denomination, direction,
		                        open_price, status, payout, expires_at,
		                        is_copy, copied_from, source_position_id, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7::NUMERIC, $8, $9::NUMERIC, $10, $11, $12, $13, $14)`,
		p.ID, p.OwnerID, p.Symbol, p.Stake.String(), string(p.Denomination), string(p.Direction),
		p.OpenPrice.String(), string(p.Status), p.Payout.String(), p.ExpiresAt,
		p.IsCopy, p.CopiedFrom, p.SourcePositionID, p.CreatedAt,
	)
	return mapWriteErr(err, "position "+p.ID)
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return &positions[0], nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerID != "" {
		args = append(args, f.OwnerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if f.Denomination != "" {
		args = append(args, string(f.Denomination))
		where = append(where, fmt.Sprintf("denomination = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	q := `SELECT ` + positionColumns + ` FROM positions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) FindOpenByCopiedFrom(ctx context.Context, leaderID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE copied_from = $1 AND is_copy AND status = 'open'`, leaderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ListExpiredOpen(ctx context.Context, t time.Time) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE status = 'open' AND expires_at <= $1
		 ORDER BY expires_at`, t)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ClosePosition(ctx context.Context, id string, c model.Closure) (*model.Position, error) {
	var closePrice *string
	if c.ClosePrice != nil {
		v := c.ClosePrice.String()
		closePrice = &v
	}

	rows, err := s.pool.Query(ctx,
		`UPDATE positions
		 SET status = $2, result = $3, direction = COALESCE(NULLIF($4, ''), direction),
		     close_price = $5::NUMERIC, payout = $6::NUMERIC, closed_at = $7
		 WHERE id = $1 AND status = 'open'
		 RETURNING `+positionColumns,
		id, string(c.Status), string(c.Result), string(c.Direction),
		closePrice, c.Payout.String(), c.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 1 {
		return &positions[0], nil
	}

	// Zero rows: either missing or no longer open.
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM positions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return nil, ErrStateConflict
}

// --- Settings ---

func (s *PostgresStore) GetSettings(ctx context.Context) (*model.TradeSettings, error) {
	var st model.TradeSettings
	var payoutS, spreadS string
	err := s.pool.QueryRow(ctx,
		`SELECT payout_percentage::TEXT, expiry_seconds, spread::TEXT,
		        trading_enabled, demo_mode_enabled, real_mode_enabled, updated_at
		 FROM trade_settings WHERE id = 1`).
		Scan(&payoutS, &st.ExpirySeconds, &spreadS,
			&st.TradingEnabled, &st.DemoModeEnabled, &st.RealModeEnabled, &st.UpdatedAt)
	if err != nil {
		return nil, mapReadErr(err, "trade settings")
	}
	st.PayoutPercentage, _ = decimal.NewFromString(payoutS)
	st.Spread, _ = decimal.NewFromString(spreadS)
	return &st, nil
}

func (s *PostgresStore) SaveSettings(ctx context.Context, st *model.TradeSettings) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_settings (id, payout_percentage, expiry_seconds, spread,
		                             trading_enabled, demo_mode_enabled, real_mode_enabled, updated_at)
		 VALUES (1, $1::NUMERIC, $2, $3::NUMERIC, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		     payout_percentage = EXCLUDED.payout_percentage,
		     expiry_seconds = EXCLUDED.expiry_seconds,
		     spread = EXCLUDED.spread,
		     trading_enabled = EXCLUDED.trading_enabled,
		     demo_mode_enabled = EXCLUDED.demo_mode_enabled,
		     real_mode_enabled = EXCLUDED.real_mode_enabled,
		     updated_at = EXCLUDED.updated_at`,
		st.PayoutPercentage.String(), st.ExpirySeconds, st.Spread.String(),
		st.TradingEnabled, st.DemoModeEnabled, st.RealModeEnabled, st.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, name, enabled, market_open, updated_at FROM assets ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []model.Asset
	for rows.Next() {
		var a model.Asset
		if err := rows.Scan(&a.Symbol, &a.Name, &a.Enabled, &a.MarketOpen, &a.UpdatedAt); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) SaveAsset(ctx context.Context, a *model.Asset) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assets (symbol, name, enabled, market_open, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (symbol) DO UPDATE SET
		     name = EXCLUDED.name,
		     enabled = EXCLUDED.enabled,
		     market_open = EXCLUDED.market_open,
		     updated_at = EXCLUDED.updated_at`,
		a.Symbol, a.Name, a.Enabled, a.MarketOpen, a.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) DeleteAsset(ctx context.Context, symbol string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM assets WHERE symbol = $1`, symbol)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("asset %s: %w", symbol, ErrNotFound)
	}
	return nil
}

// --- Scan helpers ---

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var realS, demoS, earningsS string
	if err := row.Scan(&a.ID, &realS, &demoS, &a.KYCStatus, &a.IsLeader,
		&a.Followers, &a.FollowedLeaders, &a.ReferralCode, &a.ParentReferral,
		&earningsS, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.RealBalance, _ = decimal.NewFromString(realS)
	a.DemoBalance, _ = decimal.NewFromString(demoS)
	a.TotalReferralEarnings, _ = decimal.NewFromString(earningsS)
	return &a, nil
}

// scanPositions reads pgx rows into Position slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanPositions(rows pgxRows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var stakeS, openS, payoutS string
		var closeS *string
		var denom, dir, status, result string

		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Symbol, &stakeS, &denom, &dir,
			&openS, &closeS, &status, &result, &payoutS, &p.ExpiresAt,
			&p.IsCopy, &p.CopiedFrom, &p.SourcePositionID, &p.CreatedAt, &p.ClosedAt); err != nil {
			return nil, err
		}

		p.Denomination = model.Denomination(denom)
		p.Direction = model.Direction(dir)
		p.Status = model.Status(status)
		p.Result = model.Result(result)
		p.Stake, _ = decimal.NewFromString(stakeS)
		p.OpenPrice, _ = decimal.NewFromString(openS)
		p.Payout, _ = decimal.NewFromString(payoutS)
		if closeS != nil {
			cp, _ := decimal.NewFromString(*closeS)
			p.ClosePrice = &cp
		}

		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func balanceColumn(d model.Denomination) string {
	if d == model.Real {
		return "real_balance"
	}
	return "demo_balance"
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func mapReadErr(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

func mapWriteErr(err error, what string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return fmt.Errorf("write %s: %w", what, err)
}
