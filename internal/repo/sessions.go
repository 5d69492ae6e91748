package repo

import (
	"context"
	"errors"
	"time"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSessionExists is returned when a connector already has a pending or
// active session. Backed by the partial unique index on
// (device_id, connector_id) where status in ('pending','active').
var ErrSessionExists = errors.New("open session already exists for connector")

type SessionsRepo struct{ db *pgxpool.Pool }

func NewSessionsRepo(db *pgxpool.Pool) *SessionsRepo { return &SessionsRepo{db: db} }

const sessionColumns = `session_id, customer_id, device_id, connector_id, transaction_id,
	status, start_time, end_time, meter_start_wh, meter_end_wh,
	amount_reserved::float8, energy_consumed_kwh::float8, final_amount::float8, refund_amount::float8,
	stop_reason, created_at, updated_at`

func scanSession(row pgx.Row) (*models.ChargingSession, error) {
	var s models.ChargingSession
	if err := row.Scan(&s.SessionId, &s.CustomerId, &s.DeviceId, &s.ConnectorId, &s.TransactionId,
		&s.Status, &s.StartTime, &s.EndTime, &s.MeterStart, &s.MeterEnd,
		&s.AmountReserved, &s.EnergyConsumed, &s.FinalAmount, &s.RefundAmount,
		&s.StopReason, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *SessionsRepo) Create(ctx context.Context, s models.ChargingSession) (string, error) {
	row := r.db.QueryRow(ctx, `
		insert into charging_sessions (session_id, customer_id, device_id, connector_id, transaction_id, status, amount_reserved)
		values ($1,$2,$3,$4,$5,$6,$7)
		returning session_id
	`, s.SessionId, s.CustomerId, s.DeviceId, s.ConnectorId, s.TransactionId, s.Status, s.AmountReserved)

	var id string
	if err := row.Scan(&id); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", ErrSessionExists
		}
		return "", err
	}
	return id, nil
}

func (r *SessionsRepo) GetByID(ctx context.Context, sessionId string) (*models.ChargingSession, error) {
	row := r.db.QueryRow(ctx, `
		select `+sessionColumns+` from charging_sessions where session_id=$1
	`, sessionId)
	return scanSession(row)
}

// FindOpenByConnector returns the session currently owning the connector,
// if any. The partial unique index guarantees at most one.
func (r *SessionsRepo) FindOpenByConnector(ctx context.Context, deviceId string, connectorId int) (*models.ChargingSession, error) {
	row := r.db.QueryRow(ctx, `
		select `+sessionColumns+`
		from charging_sessions
		where device_id=$1 and connector_id=$2 and status in ('pending','active') and end_time is null
		order by created_at desc
		limit 1
	`, deviceId, connectorId)
	return scanSession(row)
}

func (r *SessionsRepo) FindByTransaction(ctx context.Context, deviceId string, transactionId int) (*models.ChargingSession, error) {
	row := r.db.QueryRow(ctx, `
		select `+sessionColumns+`
		from charging_sessions
		where device_id=$1 and transaction_id=$2
		order by created_at desc
		limit 1
	`, deviceId, transactionId)
	return scanSession(row)
}

// Activate moves a pending session to active. StartTime is only written
// when not already set; a transactionId adopted earlier is never cleared.
func (r *SessionsRepo) Activate(ctx context.Context, sessionId string, transactionId *int, startTime time.Time) error {
	_, err := r.db.Exec(ctx, `
		update charging_sessions set
		  status='active',
		  transaction_id=coalesce($2, transaction_id),
		  start_time=coalesce(start_time, $3),
		  updated_at=now()
		where session_id=$1 and status in ('pending','active')
	`, sessionId, transactionId, startTime)
	return err
}

// UpdateMeter persists live accrual. meter_end_wh is written unconditionally
// (even at zero computed energy) so staleness can be detected; meter_start_wh
// only fills when unset.
func (r *SessionsRepo) UpdateMeter(ctx context.Context, sessionId string, meterStart *int64, meterEnd int64, energyKwh, finalAmount float64) error {
	_, err := r.db.Exec(ctx, `
		update charging_sessions set
		  meter_start_wh=coalesce(meter_start_wh, $2),
		  meter_end_wh=$3,
		  energy_consumed_kwh=$4,
		  final_amount=$5,
		  updated_at=now()
		where session_id=$1
	`, sessionId, meterStart, meterEnd, energyKwh, finalAmount)
	return err
}

// Complete settles the session on StopTransaction.
func (r *SessionsRepo) Complete(ctx context.Context, sessionId string, endTime time.Time, meterEnd *int64, energyKwh, finalAmount float64, reason *string) error {
	_, err := r.db.Exec(ctx, `
		update charging_sessions set
		  status='completed',
		  end_time=$2,
		  meter_end_wh=coalesce($3, meter_end_wh),
		  energy_consumed_kwh=$4,
		  final_amount=$5,
		  stop_reason=coalesce($6, stop_reason),
		  updated_at=now()
		where session_id=$1 and status in ('pending','active')
	`, sessionId, endTime, meterEnd, energyKwh, finalAmount, reason)
	return err
}

// Fail marks a session failed with its refund, terminal.
func (r *SessionsRepo) Fail(ctx context.Context, sessionId string, refundAmount float64, reason string) error {
	_, err := r.db.Exec(ctx, `
		update charging_sessions set
		  status='failed',
		  end_time=coalesce(end_time, now()),
		  refund_amount=$2,
		  stop_reason=$3,
		  updated_at=now()
		where session_id=$1 and status in ('pending','active')
	`, sessionId, refundAmount, reason)
	return err
}

func (r *SessionsRepo) ListByDevice(ctx context.Context, deviceId string, limit int) ([]models.ChargingSession, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		select `+sessionColumns+`
		from charging_sessions
		where device_id=$1
		order by created_at desc
		limit $2
	`, deviceId, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChargingSession
	for rows.Next() {
		var s models.ChargingSession
		if err := rows.Scan(&s.SessionId, &s.CustomerId, &s.DeviceId, &s.ConnectorId, &s.TransactionId,
			&s.Status, &s.StartTime, &s.EndTime, &s.MeterStart, &s.MeterEnd,
			&s.AmountReserved, &s.EnergyConsumed, &s.FinalAmount, &s.RefundAmount,
			&s.StopReason, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
