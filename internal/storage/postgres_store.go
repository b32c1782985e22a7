package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-tracking/internal/models"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate executes a schema script as a single statement batch.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(ride_id, rider_id, driver_id, start_location, end_location, estimated_duration, estimated_price, ride_status, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.RiderID, nullString(r.DriverID), r.StartStop, r.EndStop, r.EstimatedDuration, r.EstimatedPrice, string(r.Status), r.CreatedAt, r.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}

const selectRide = `SELECT r.ride_id, r.rider_id, COALESCE(r.driver_id, ''), r.start_location, r.end_location, r.estimated_duration, r.estimated_price, r.ride_status, r.created_at, r.updated_at,
	COALESCE((SELECT array_agg(p.rider_id ORDER BY p.paid_at) FROM ride_passengers p WHERE p.ride_id = r.ride_id), '{}')
	FROM rides r`

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var r models.Ride
	var status string
	var passengers pq.StringArray
	if err := s.Scan(&r.ID, &r.RiderID, &r.DriverID, &r.StartStop, &r.EndStop, &r.EstimatedDuration, &r.EstimatedPrice, &status, &r.CreatedAt, &r.UpdatedAt, &passengers); err != nil {
		return nil, err
	}
	r.Status = models.RideStatus(status)
	r.Passengers = []string(passengers)
	return &r, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, selectRide+` WHERE r.ride_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// Transition only updates the row while it still holds the expected status.
// The partial unique index on active rides turns a second Active ride for the
// same driver into ErrDriverBusy.
func (p *PostgresStore) Transition(ctx context.Context, id string, from, to models.RideStatus, driverID string, at time.Time) (*models.Ride, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET ride_status=$1, driver_id=COALESCE($2, driver_id), updated_at=$3 WHERE ride_id=$4 AND ride_status=$5`,
		string(to), nullString(driverID), at, id, string(from))
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return nil, ErrDriverBusy
	}
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrStatusMismatch
	}
	return p.Get(ctx, id)
}

func (p *PostgresStore) AddPassenger(ctx context.Context, id, riderID, intentID string) (*models.Ride, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT ride_status FROM rides WHERE ride_id=$1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM ride_passengers WHERE ride_id=$1 AND rider_id=$2)`, id, riderID).Scan(&exists); err != nil {
		return nil, false, err
	}
	if !exists {
		if models.RideStatus(status) != models.RideInitiated {
			return nil, false, ErrStatusMismatch
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO ride_passengers(ride_id, rider_id, intent_id) VALUES($1,$2,$3)`, id, riderID, nullString(intentID)); err != nil {
			return nil, false, fmt.Errorf("insert passenger: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE rides SET updated_at=now() WHERE ride_id=$1`, id); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	r, err := p.Get(ctx, id)
	return r, !exists, err
}

func (p *PostgresStore) ListByRider(ctx context.Context, riderID string) ([]*models.Ride, error) {
	return p.list(ctx, selectRide+` WHERE r.rider_id = $1 OR EXISTS (SELECT 1 FROM ride_passengers p WHERE p.ride_id = r.ride_id AND p.rider_id = $1) ORDER BY r.created_at DESC`, riderID)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error) {
	return p.list(ctx, selectRide+` WHERE r.ride_status = $1 ORDER BY r.created_at ASC`, string(status))
}

func (p *PostgresStore) ActiveByDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, selectRide+` WHERE r.driver_id = $1 AND r.ride_status = 'A' LIMIT 1`, driverID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
