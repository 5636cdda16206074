package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/roadside-dispatch/internal/models"
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

func (p *PostgresStore) Create(ctx context.Context, r *models.Request) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO requests(id, customer_id, vehicle_id, service_type, address, lat, lon, status, amount, otp, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.CustomerID, r.VehicleID, r.ServiceType, r.Location.Address, r.Location.Lat, r.Location.Lon,
		r.Status, r.Amount, r.OTP, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Request, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, customer_id, vehicle_id, service_type, address, lat, lon, status, COALESCE(master_id,''), distance_km, amount, otp, created_at, updated_at
		 FROM requests WHERE id=$1`, id)
	return scanRequest(row)
}

// Transition is a conditional update: the WHERE clause on status makes
// concurrent conflicting transitions lose cleanly.
func (p *PostgresStore) Transition(ctx context.Context, id string, from, to models.Status) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE requests SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`,
		to, time.Now(), id, from)
	if err != nil {
		return err
	}
	return conflictFromResult(ctx, p, res, id)
}

func (p *PostgresStore) Assign(ctx context.Context, id, masterID string, distanceKm float64) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE requests SET status=$1, master_id=$2, distance_km=$3, updated_at=$4 WHERE id=$5 AND status=$6`,
		models.StatusAssigned, masterID, distanceKm, time.Now(), id, models.StatusSearching)
	if err != nil {
		return err
	}
	return conflictFromResult(ctx, p, res, id)
}

func (p *PostgresStore) SaveRating(ctx context.Context, rating models.Rating) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO ratings(request_id, role, rating, feedback) VALUES($1,$2,$3,$4)
		 ON CONFLICT (request_id, role) DO UPDATE SET rating=EXCLUDED.rating, feedback=EXCLUDED.feedback`,
		rating.RequestID, rating.Role, rating.Rating, rating.Feedback)
	return err
}

func (p *PostgresStore) ActiveByCustomer(ctx context.Context, customerID string) ([]*models.Request, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, customer_id, vehicle_id, service_type, address, lat, lon, status, COALESCE(master_id,''), distance_km, amount, otp, created_at, updated_at
		 FROM requests WHERE customer_id=$1 AND status NOT IN ('completed','cancelled','missed')`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.Request, error) {
	var r models.Request
	err := row.Scan(&r.ID, &r.CustomerID, &r.VehicleID, &r.ServiceType,
		&r.Location.Address, &r.Location.Lat, &r.Location.Lon,
		&r.Status, &r.MasterID, &r.DistanceKm, &r.Amount, &r.OTP,
		&r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func conflictFromResult(ctx context.Context, p *PostgresStore, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// zero rows: either the request is missing or the predecessor
	// status did not match
	if _, err := p.Get(ctx, id); err != nil {
		return err
	}
	return ErrStatusConflict
}
