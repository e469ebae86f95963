package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded migrations in file order. They are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(id, rider_id, rider_conn_id, driver_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
		status, start_otp, stop_otp, rejected_drivers, notified_drivers, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		r.ID, r.RiderID, r.RiderConnectionID, nullString(r.DriverID), r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon,
		string(r.Status), r.StartOTP, r.StopOTP, pq.StringArray(nonNil(r.RejectedDrivers)), pq.StringArray(nonNil(r.NotifiedDrivers)),
		r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ride %s: %w", r.ID, err)
	}
	return nil
}

const selectRide = `SELECT id, rider_id, rider_conn_id, driver_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	status, start_otp, stop_otp, rejected_drivers, notified_drivers, cancelled_by, cancellation_reason,
	driver_arrived_at, actual_start_time, actual_end_time, created_at, updated_at
	FROM rides WHERE id = $1`

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	var (
		r                             models.Ride
		driverID, cancelledBy, reason sql.NullString
		status                        string
		rejected, notified            pq.StringArray
		arrivedAt, startedAt, endedAt sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, selectRide, id).Scan(
		&r.ID, &r.RiderID, &r.RiderConnectionID, &driverID,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon,
		&status, &r.StartOTP, &r.StopOTP, &rejected, &notified, &cancelledBy, &reason,
		&arrivedAt, &startedAt, &endedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ride %s: %w", id, err)
	}
	r.DriverID = driverID.String
	r.Status = models.RideStatus(status)
	r.RejectedDrivers = []string(rejected)
	r.NotifiedDrivers = []string(notified)
	r.CancelledBy = models.CancelledBy(cancelledBy.String)
	r.CancellationReason = reason.String
	r.DriverArrivedAt = timePtr(arrivedAt)
	r.ActualStartTime = timePtr(startedAt)
	r.ActualEndTime = timePtr(endedAt)
	return &r, nil
}

// guarded runs a conditional single-row UPDATE. When nothing matched it
// tells a missing ride apart from a failed guard.
func (p *PostgresStore) guarded(ctx context.Context, id, query string, args ...interface{}) (bool, error) {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update ride %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update ride %s: %w", id, err)
	}
	if n > 0 {
		return true, nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check ride %s: %w", id, err)
	}
	if !exists {
		return false, models.ErrNotFound
	}
	return false, nil
}

func (p *PostgresStore) AddRejectedDriver(ctx context.Context, id, driverID string) error {
	_, err := p.guarded(ctx, id, `UPDATE rides SET rejected_drivers = array_append(rejected_drivers, $2::text), updated_at = $3
		WHERE id = $1 AND NOT ($2::text = ANY(rejected_drivers))`, id, driverID, time.Now())
	return err
}

func (p *PostgresStore) AddNotifiedDriver(ctx context.Context, id, driverID string) error {
	_, err := p.guarded(ctx, id, `UPDATE rides SET notified_drivers = array_append(notified_drivers, $2::text), updated_at = $3
		WHERE id = $1 AND NOT ($2::text = ANY(notified_drivers))`, id, driverID, time.Now())
	return err
}

func (p *PostgresStore) AssignDriver(ctx context.Context, id, driverID string, at time.Time) (bool, error) {
	return p.guarded(ctx, id, `UPDATE rides SET driver_id = $2, status = 'accepted', updated_at = $3
		WHERE id = $1 AND status = 'requested'`, id, driverID, at)
}

func (p *PostgresStore) MarkArrived(ctx context.Context, id string, at time.Time) (bool, error) {
	return p.guarded(ctx, id, `UPDATE rides SET driver_arrived_at = COALESCE(driver_arrived_at, $2), updated_at = $2
		WHERE id = $1 AND status = 'accepted' AND driver_id IS NOT NULL`, id, at)
}

func (p *PostgresStore) StartRide(ctx context.Context, id string, at time.Time) (bool, error) {
	return p.guarded(ctx, id, `UPDATE rides SET status = 'in_progress', actual_start_time = $2, updated_at = $2
		WHERE id = $1 AND status = 'accepted'`, id, at)
}

func (p *PostgresStore) CompleteRide(ctx context.Context, id string, at time.Time) (bool, error) {
	return p.guarded(ctx, id, `UPDATE rides SET status = 'completed', actual_end_time = $2, updated_at = $2
		WHERE id = $1 AND status = 'in_progress'`, id, at)
}

func (p *PostgresStore) CancelRide(ctx context.Context, id string, by models.CancelledBy, reason string, at time.Time) (bool, error) {
	return p.guarded(ctx, id, `UPDATE rides SET status = 'cancelled', cancelled_by = $2, cancellation_reason = $3, updated_at = $4
		WHERE id = $1 AND status IN ('requested', 'accepted', 'in_progress')`, id, string(by), nullString(reason), at)
}

func (p *PostgresStore) ListRequestedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM rides WHERE status = 'requested' AND created_at < $1
		ORDER BY created_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale rides: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
