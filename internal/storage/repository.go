package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Dado-hash/fundings-screener/internal/market"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrAlertNotFound indicates no active alert matched the request.
	ErrAlertNotFound = errors.New("storage: alert not found")
)

const alertColumns = `a.id,
        a.subscriber_id,
        a.name,
        a.interval_hours,
        a.interval_minutes,
        a.min_spread,
        a.max_spread,
        a.selected_sources,
        a.arbitrage_only,
        a.high_spread_only,
        a.max_results,
        a.last_sent_at,
        a.active,
        a.created_at`

const (
	listActiveDueCandidatesSQL = `SELECT ` + alertColumns + `
    FROM alert_configs a
    JOIN subscribers s ON s.chat_id = a.subscriber_id
    WHERE a.active AND s.active
    ORDER BY a.id;`

	listSubscriberAlertsSQL = `SELECT ` + alertColumns + `
    FROM alert_configs a
    WHERE a.subscriber_id = $1 AND a.active
    ORDER BY a.created_at DESC, a.id DESC;`

	advanceLastSentSQL = `UPDATE alert_configs
    SET last_sent_at = $2
    WHERE id = $1;`

	insertDeliveryRecordSQL = `INSERT INTO delivery_log (
        subscriber_id,
        alert_id,
        sent_at,
        opportunity_count,
        status
    ) VALUES (
        $1,$2,$3,$4,$5
    );`

	upsertSubscriberSQL = `INSERT INTO subscribers (
        chat_id,
        user_id,
        username
    ) VALUES (
        $1,$2,$3
    )
    ON CONFLICT (chat_id) DO UPDATE
    SET user_id  = EXCLUDED.user_id,
        username = EXCLUDED.username,
        active   = TRUE
    RETURNING chat_id, user_id, username, active, created_at;`

	insertAlertConfigSQL = `INSERT INTO alert_configs (
        subscriber_id,
        name,
        interval_hours,
        interval_minutes,
        min_spread,
        max_spread,
        selected_sources,
        arbitrage_only,
        high_spread_only,
        max_results
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    RETURNING id, created_at;`

	deactivateAlertSQL = `UPDATE alert_configs
    SET active = FALSE
    WHERE id = $1 AND subscriber_id = $2 AND active;`

	deactivateSubscriberSQL = `UPDATE subscribers
    SET active = FALSE
    WHERE chat_id = $1;`

	statsSQL = `SELECT
        (SELECT COUNT(*) FROM subscribers WHERE active),
        (SELECT COUNT(*) FROM alert_configs WHERE active),
        (SELECT COUNT(*) FROM alert_configs WHERE last_sent_at IS NOT NULL),
        (SELECT COUNT(*) FROM delivery_log),
        (SELECT COUNT(*) FROM delivery_log WHERE status = 'sent');`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SubscriptionStore is the narrow view the notification scheduler consumes.
type SubscriptionStore interface {
	ListActiveDueCandidates(ctx context.Context) ([]AlertConfig, error)
	AdvanceLastSent(ctx context.Context, alertID int64, at time.Time) error
	AppendDeliveryRecord(ctx context.Context, rec DeliveryRecord) error
}

// SubscriberStore manages subscribers and their alert configurations.
type SubscriberStore interface {
	UpsertSubscriber(ctx context.Context, sub Subscriber) (Subscriber, error)
	DeactivateSubscriber(ctx context.Context, chatID int64) error
	CreateAlert(ctx context.Context, cfg AlertConfig) (AlertConfig, error)
	ListAlerts(ctx context.Context, chatID int64) ([]AlertConfig, error)
	DeactivateAlert(ctx context.Context, chatID, alertID int64) error
	Stats(ctx context.Context) (Stats, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store implements every storage interface on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// 尽力解锁，失败时忽略
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// ListActiveDueCandidates returns active alerts of active subscribers ordered by id.
// Due filtering is left to the caller.
func (s *Store) ListActiveDueCandidates(ctx context.Context) ([]AlertConfig, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActiveDueCandidatesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list due candidates: %w", queryErr)
	}
	return collectAlerts(rows)
}

// AdvanceLastSent stamps the alert's last delivery time.
func (s *Store) AdvanceLastSent(ctx context.Context, alertID int64, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, advanceLastSentSQL, alertID, at.UTC())
	if execErr != nil {
		return fmt.Errorf("advance last sent: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// AppendDeliveryRecord appends to the delivery log.
func (s *Store) AppendDeliveryRecord(ctx context.Context, rec DeliveryRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertDeliveryRecordSQL,
		rec.SubscriberID,
		rec.AlertID,
		rec.SentAt.UTC(),
		rec.OpportunityCount,
		string(rec.Status),
	); execErr != nil {
		return fmt.Errorf("append delivery record: %w", execErr)
	}
	return nil
}

// UpsertSubscriber registers a chat, reactivating it if it was deactivated.
func (s *Store) UpsertSubscriber(ctx context.Context, sub Subscriber) (Subscriber, error) {
	pool, err := s.getPool()
	if err != nil {
		return Subscriber{}, err
	}

	var (
		out      Subscriber
		username *string
	)
	if scanErr := pool.QueryRow(ctx, upsertSubscriberSQL, sub.ChatID, sub.UserID, nullableString(sub.Username)).Scan(
		&out.ChatID,
		&out.UserID,
		&username,
		&out.Active,
		&out.CreatedAt,
	); scanErr != nil {
		return Subscriber{}, fmt.Errorf("upsert subscriber: %w", scanErr)
	}
	if username != nil {
		out.Username = *username
	}
	return out, nil
}

// DeactivateSubscriber stops all deliveries to a chat.
func (s *Store) DeactivateSubscriber(ctx context.Context, chatID int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deactivateSubscriberSQL, chatID); execErr != nil {
		return fmt.Errorf("deactivate subscriber: %w", execErr)
	}
	return nil
}

// CreateAlert validates and persists a new alert configuration.
func (s *Store) CreateAlert(ctx context.Context, cfg AlertConfig) (AlertConfig, error) {
	if err := cfg.Validate(); err != nil {
		return AlertConfig{}, fmt.Errorf("create alert: %w", err)
	}
	pool, err := s.getPool()
	if err != nil {
		return AlertConfig{}, err
	}

	hours, minutes := cfg.Interval.Columns()
	sources := make([]string, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		sources = append(sources, string(src))
	}

	if scanErr := pool.QueryRow(ctx, insertAlertConfigSQL,
		cfg.SubscriberID,
		cfg.Name,
		hours,
		minutes,
		decimal.NewFromFloat(cfg.MinSpread).String(),
		decimal.NewFromFloat(cfg.MaxSpread).String(),
		sources,
		cfg.ArbitrageOnly,
		cfg.HighSpreadOnly,
		cfg.MaxResults,
	).Scan(&cfg.ID, &cfg.CreatedAt); scanErr != nil {
		return AlertConfig{}, fmt.Errorf("create alert: %w", scanErr)
	}
	cfg.Active = true
	cfg.LastSentAt = nil
	return cfg, nil
}

// ListAlerts lists a chat's active alerts, newest first.
func (s *Store) ListAlerts(ctx context.Context, chatID int64) ([]AlertConfig, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listSubscriberAlertsSQL, chatID)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts: %w", queryErr)
	}
	return collectAlerts(rows)
}

// DeactivateAlert soft-deletes an alert owned by chatID.
func (s *Store) DeactivateAlert(ctx context.Context, chatID, alertID int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, deactivateAlertSQL, alertID, chatID)
	if execErr != nil {
		return fmt.Errorf("deactivate alert: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// Stats aggregates subscriber and delivery counters.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	pool, err := s.getPool()
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	if scanErr := pool.QueryRow(ctx, statsSQL).Scan(
		&st.ActiveSubscribers,
		&st.ActiveAlerts,
		&st.AlertsEverSent,
		&st.TotalDeliveries,
		&st.SuccessfulDeliveries,
	); scanErr != nil {
		return Stats{}, fmt.Errorf("notification stats: %w", scanErr)
	}
	return st, nil
}

func collectAlerts(rows pgx.Rows) ([]AlertConfig, error) {
	defer rows.Close()

	alerts := make([]AlertConfig, 0)
	for rows.Next() {
		cfg, err := scanAlertConfig(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, cfg)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanAlertConfig(row pgx.Row) (AlertConfig, error) {
	var (
		cfg          AlertConfig
		hours        *int
		minutes      *int
		minSpreadStr string
		maxSpreadStr string
		sources      []string
		lastSent     *time.Time
	)
	if err := row.Scan(
		&cfg.ID,
		&cfg.SubscriberID,
		&cfg.Name,
		&hours,
		&minutes,
		&minSpreadStr,
		&maxSpreadStr,
		&sources,
		&cfg.ArbitrageOnly,
		&cfg.HighSpreadOnly,
		&cfg.MaxResults,
		&lastSent,
		&cfg.Active,
		&cfg.CreatedAt,
	); err != nil {
		return AlertConfig{}, fmt.Errorf("scan alert config: %w", err)
	}

	interval, err := IntervalFromColumns(hours, minutes)
	if err != nil {
		return AlertConfig{}, fmt.Errorf("alert %d: %w", cfg.ID, err)
	}
	cfg.Interval = interval

	minSpread, err := decimal.NewFromString(minSpreadStr)
	if err != nil {
		return AlertConfig{}, fmt.Errorf("parse min spread: %w", err)
	}
	maxSpread, err := decimal.NewFromString(maxSpreadStr)
	if err != nil {
		return AlertConfig{}, fmt.Errorf("parse max spread: %w", err)
	}
	cfg.MinSpread = minSpread.InexactFloat64()
	cfg.MaxSpread = maxSpread.InexactFloat64()

	cfg.Sources = make([]market.Exchange, 0, len(sources))
	for _, name := range sources {
		if ex, ok := market.ParseExchange(name); ok {
			cfg.Sources = append(cfg.Sources, ex)
		}
	}
	if lastSent != nil {
		t := lastSent.UTC()
		cfg.LastSentAt = &t
	}
	return cfg, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
