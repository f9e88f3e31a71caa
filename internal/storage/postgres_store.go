package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
)

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
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const rideColumns = `id, customer_id, driver_id, pickup_lat, pickup_lon, pickup_address,
dropoff_lat, dropoff_lon, dropoff_address, vehicle_class, status,
estimated_fare, estimated_minutes, distance_km, final_fare,
created_at, updated_at, arrived_at, started_at, ended_at, cancel_reason`

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		r.ID, r.CustomerID, r.DriverID,
		r.Pickup.Coord.Lat, r.Pickup.Coord.Lon, r.Pickup.Address,
		r.Dropoff.Coord.Lat, r.Dropoff.Coord.Lon, r.Dropoff.Address,
		r.VehicleClass, r.Status,
		r.EstimatedFare, r.EstimatedMinutes, r.DistanceKm, r.FinalFare,
		r.CreatedAt, r.UpdatedAt, nullTime(r.ArrivedAt), nullTime(r.StartedAt), nullTime(r.EndedAt), r.CancelReason)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if err == sql.ErrNoRows {
		return nil, ErrRideNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *models.Ride, expect []lifecycle.Status) (bool, error) {
	r.UpdatedAt = time.Now()
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET
driver_id=$2, dropoff_lat=$3, dropoff_lon=$4, dropoff_address=$5, status=$6,
distance_km=$7, final_fare=$8, updated_at=$9, arrived_at=$10, started_at=$11,
ended_at=$12, cancel_reason=$13
WHERE id=$1 AND status = ANY($14)`,
		r.ID, r.DriverID,
		r.Dropoff.Coord.Lat, r.Dropoff.Coord.Lon, r.Dropoff.Address, r.Status,
		r.DistanceKm, r.FinalFare, r.UpdatedAt,
		nullTime(r.ArrivedAt), nullTime(r.StartedAt), nullTime(r.EndedAt), r.CancelReason,
		pq.Array(statusStrings(expect)))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) ActiveFor(ctx context.Context, actor models.Actor) (*models.Ride, error) {
	col, ok := actorColumn(actor)
	if !ok {
		return nil, nil
	}
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides
WHERE `+col+`=$1 AND status = ANY($2) LIMIT 1`,
		actor.ID, pq.Array(statusStrings(lifecycle.ActiveStatuses)))
	r, err := scanRide(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (p *PostgresStore) HistoryFor(ctx context.Context, actor models.Actor) ([]*models.Ride, error) {
	col, ok := actorColumn(actor)
	if !ok {
		return nil, nil
	}
	terminal := []string{
		string(lifecycle.StatusCompleted),
		string(lifecycle.StatusCancelledByCustomer),
		string(lifecycle.StatusCancelledByDriver),
		string(lifecycle.StatusNoDriversFound),
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
WHERE `+col+`=$1 AND status = ANY($2) ORDER BY created_at DESC`,
		actor.ID, pq.Array(terminal))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRides(rows)
}

func (p *PostgresStore) StaleSearching(ctx context.Context, cutoff time.Time) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
WHERE status=$1 AND created_at < $2`,
		string(lifecycle.StatusSearching), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRides(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var r models.Ride
	var arrived, started, ended sql.NullTime
	err := s.Scan(&r.ID, &r.CustomerID, &r.DriverID,
		&r.Pickup.Coord.Lat, &r.Pickup.Coord.Lon, &r.Pickup.Address,
		&r.Dropoff.Coord.Lat, &r.Dropoff.Coord.Lon, &r.Dropoff.Address,
		&r.VehicleClass, &r.Status,
		&r.EstimatedFare, &r.EstimatedMinutes, &r.DistanceKm, &r.FinalFare,
		&r.CreatedAt, &r.UpdatedAt, &arrived, &started, &ended, &r.CancelReason)
	if err != nil {
		return nil, err
	}
	r.ArrivedAt = timePtr(arrived)
	r.StartedAt = timePtr(started)
	r.EndedAt = timePtr(ended)
	return &r, nil
}

func scanRides(rows *sql.Rows) ([]*models.Ride, error) {
	out := make([]*models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func actorColumn(actor models.Actor) (string, bool) {
	switch actor.Role {
	case models.RoleCustomer:
		return "customer_id", true
	case models.RoleDriver:
		return "driver_id", true
	}
	return "", false
}

func statusStrings(set []lifecycle.Status) []string {
	out := make([]string, len(set))
	for i, s := range set {
		out[i] = string(s)
	}
	return out
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	cp := t.Time
	return &cp
}
