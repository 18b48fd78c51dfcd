package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// eventsChannel is the LISTEN/NOTIFY channel carrying JSON-encoded Events.
const eventsChannel = "ride_request_events"

const requestColumns = `id, rider_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, vehicle_class,
	status, assigned_driver_id, excluded_driver_ids, search_radius_m, scheduled_time, created_at, updated_at`

// PostgresStore keeps ride requests in Postgres. Status changes are pushed to
// subscribers through NOTIFY, so subscriptions work across processes.
type PostgresStore struct {
	db        *sql.DB
	listener  *pq.Listener
	hub       *hub
	logger    *slog.Logger
	closeOnce sync.Once
}

func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	p := &PostgresStore{db: db, hub: newHub(), logger: logger}
	p.listener = pq.NewListener(dsn, 100*time.Millisecond, 10*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("postgres listener event", "event", int(ev), "error", err)
		}
	})
	if err := p.listener.Listen(eventsChannel); err != nil {
		_ = p.listener.Close()
		_ = db.Close()
		return nil, fmt.Errorf("listen %s: %w", eventsChannel, err)
	}
	go p.pump()
	return p, nil
}

// Migrate executes a schema script.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = errors.Join(p.listener.Close(), p.db.Close())
	})
	return err
}

func (p *PostgresStore) pump() {
	for n := range p.listener.Notify {
		// nil means the connection was re-established and notifications may
		// have been lost in between
		if n == nil {
			p.resync()
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
			p.logger.Warn("invalid notification payload", "error", err)
			continue
		}
		p.hub.publish(ev)
	}
}

func (p *PostgresStore) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range p.hub.ids() {
		r, err := p.Get(ctx, id)
		if err != nil {
			p.logger.Warn("resync read failed", "request_id", id, "error", err)
			continue
		}
		p.hub.publish(Event{RequestID: id, Status: r.Status, AssignedDriverID: r.AssignedDriverID})
	}
}

func (p *PostgresStore) Create(ctx context.Context, r *models.RideRequest) error {
	status := r.Status
	if status == "" {
		status = models.StatusCreated
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var scheduled sql.NullTime
	if r.ScheduledTime != nil {
		scheduled = sql.NullTime{Time: *r.ScheduledTime, Valid: true}
	}
	excluded := r.ExcludedDriverIDs
	if excluded == nil {
		excluded = []string{}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_requests(`+requestColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''),$10,$11,$12,$13,$13)`,
		r.ID, r.RiderID, r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon, string(r.VehicleClass),
		string(status), r.AssignedDriverID, pq.Array(excluded), r.SearchRadiusMeters, scheduled, created)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, r.ID)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.RideRequest, error) {
	var r models.RideRequest
	var class, status string
	var assigned sql.NullString
	var scheduled sql.NullTime
	var excluded []string
	err := row.Scan(&r.ID, &r.RiderID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon, &class,
		&status, &assigned, pq.Array(&excluded), &r.SearchRadiusMeters, &scheduled, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.VehicleClass = models.VehicleClass(class)
	r.Status = models.Status(status)
	r.AssignedDriverID = assigned.String
	r.ExcludedDriverIDs = excluded
	if scheduled.Valid {
		t := scheduled.Time
		r.ScheduledTime = &t
	}
	return &r, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.RideRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

func (p *PostgresStore) ConditionalUpdateStatus(ctx context.Context, id string, expected, next models.Status, u Update) (err error) {
	if err := validateTransition(expected, next, u); err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `UPDATE ride_requests
		SET status = $1,
			assigned_driver_id = NULLIF($2::text, ''),
			excluded_driver_ids = CASE WHEN $2::text = '' THEN excluded_driver_ids ELSE array_remove(excluded_driver_ids, $2::text) END,
			updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		string(next), u.AssignedDriverID, id, string(expected))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		err = p.explainMiss(ctx, tx, id, expected)
		return err
	}
	if err = notify(ctx, tx, Event{RequestID: id, Status: next, AssignedDriverID: u.AssignedDriverID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) explainMiss(ctx context.Context, tx *sql.Tx, id string, expected models.Status) error {
	var cur string
	err := tx.QueryRowContext(ctx, `SELECT status FROM ride_requests WHERE id = $1`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, expected %s", ErrPreconditionFailed, id, cur, expected)
}

func notify(ctx context.Context, tx *sql.Tx, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, eventsChannel, string(b))
	return err
}

func (p *PostgresStore) RecordProgress(ctx context.Context, id string, excluded []string, radiusMeters float64) error {
	if excluded == nil {
		excluded = []string{}
	}
	res, err := p.db.ExecContext(ctx, `UPDATE ride_requests
		SET excluded_driver_ids = $1, search_radius_m = $2, updated_at = NOW()
		WHERE id = $3 AND status = 'searching' AND excluded_driver_ids <@ $1::text[]`,
		pq.Array(excluded), radiusMeters, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}
	r, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Status != models.StatusSearching {
		return fmt.Errorf("%w: %s is %s", ErrPreconditionFailed, id, r.Status)
	}
	return fmt.Errorf("%w: exclusion set may not shrink", ErrInvalidTransition)
}

func (p *PostgresStore) RecordDecline(ctx context.Context, id, driverID string) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM ride_requests WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		err = fmt.Errorf("%w: %s", ErrNotFound, id)
		return err
	}
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO ride_request_declines(request_id, driver_id, declined_at) VALUES($1, $2, NOW())`, id, driverID); err != nil {
		return err
	}
	if err = notify(ctx, tx, Event{RequestID: id, Status: models.Status(status), DeclinedBy: driverID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM ride_requests WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return p.hub.subscribe(id), nil
}

func (p *PostgresStore) ListDueScheduled(ctx context.Context, now time.Time) ([]*models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM ride_requests
		WHERE status = 'created' AND scheduled_time IS NOT NULL AND scheduled_time <= $1
		ORDER BY scheduled_time LIMIT 100`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.RideRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
