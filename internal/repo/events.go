package repo

import (
	"context"
	"errors"
	"time"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type EventsRepo struct{ db *pgxpool.Pool }

func NewEventsRepo(db *pgxpool.Pool) *EventsRepo { return &EventsRepo{db: db} }

const eventColumns = `id, device_id, connector_id, direction, message_type,
	coalesce(correlation_id,''), transaction_id, payload, raw_frame, ts`

func scanEvent(row pgx.Row) (*models.ProtocolEvent, error) {
	var e models.ProtocolEvent
	if err := row.Scan(&e.Id, &e.DeviceId, &e.ConnectorId, &e.Direction, &e.MessageType,
		&e.CorrelationId, &e.TransactionId, &e.Payload, &e.RawFrame, &e.Timestamp); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func (r *EventsRepo) Insert(ctx context.Context, e models.ProtocolEvent) error {
	_, err := r.db.Exec(ctx, `
		insert into protocol_events (device_id, connector_id, direction, message_type, correlation_id, transaction_id, payload, raw_frame, ts)
		values ($1,$2,$3,$4,nullif($5,''),$6,$7,$8,$9)
	`, e.DeviceId, e.ConnectorId, e.Direction, e.MessageType, e.CorrelationId, e.TransactionId, e.Payload, e.RawFrame, e.Timestamp)
	return err
}

// Exists checks the primary dedup key.
func (r *EventsRepo) Exists(ctx context.Context, deviceId, correlationId, messageType, direction string) (bool, error) {
	if correlationId == "" {
		return false, nil
	}
	var found bool
	err := r.db.QueryRow(ctx, `
		select exists(
		  select 1 from protocol_events
		  where device_id=$1 and correlation_id=$2 and message_type=$3 and direction=$4
		)
	`, deviceId, correlationId, messageType, direction).Scan(&found)
	return found, err
}

// ExistsWithin checks the suppression window keyed by (device, messageType,
// direction) regardless of correlationId.
func (r *EventsRepo) ExistsWithin(ctx context.Context, deviceId, messageType, direction string, since time.Time) (bool, error) {
	var found bool
	err := r.db.QueryRow(ctx, `
		select exists(
		  select 1 from protocol_events
		  where device_id=$1 and message_type=$2 and direction=$3 and ts >= $4
		)
	`, deviceId, messageType, direction, since).Scan(&found)
	return found, err
}

// ExistsByTransactionWithin checks the re-delivery window matched by
// transactionId.
func (r *EventsRepo) ExistsByTransactionWithin(ctx context.Context, deviceId, messageType string, transactionId int, since time.Time) (bool, error) {
	var found bool
	err := r.db.QueryRow(ctx, `
		select exists(
		  select 1 from protocol_events
		  where device_id=$1 and message_type=$2 and direction=$3 and transaction_id=$4 and ts >= $5
		)
	`, deviceId, messageType, models.DirectionIncoming, transactionId, since).Scan(&found)
	return found, err
}

// LatestIncoming returns the most recent incoming event of the given type
// for a connector, by timestamp then ledger sequence.
func (r *EventsRepo) LatestIncoming(ctx context.Context, deviceId string, connectorId int, messageType string) (*models.ProtocolEvent, error) {
	row := r.db.QueryRow(ctx, `
		select `+eventColumns+`
		from protocol_events
		where device_id=$1 and connector_id=$2 and message_type=$3 and direction=$4
		order by ts desc, id desc
		limit 1
	`, deviceId, connectorId, messageType, models.DirectionIncoming)
	return scanEvent(row)
}

// LatestIncomingSince is LatestIncoming bounded to a look-back window.
func (r *EventsRepo) LatestIncomingSince(ctx context.Context, deviceId string, connectorId int, messageType string, since time.Time) (*models.ProtocolEvent, error) {
	row := r.db.QueryRow(ctx, `
		select `+eventColumns+`
		from protocol_events
		where device_id=$1 and connector_id=$2 and message_type=$3 and direction=$4 and ts >= $5
		order by ts desc, id desc
		limit 1
	`, deviceId, connectorId, messageType, models.DirectionIncoming, since)
	return scanEvent(row)
}

// LatestStartByTransaction finds the most recent incoming StartTransaction
// carrying the given station-assigned id, on any connector.
func (r *EventsRepo) LatestStartByTransaction(ctx context.Context, deviceId string, transactionId int) (*models.ProtocolEvent, error) {
	row := r.db.QueryRow(ctx, `
		select `+eventColumns+`
		from protocol_events
		where device_id=$1 and message_type=$2 and direction=$3 and transaction_id=$4
		order by ts desc, id desc
		limit 1
	`, deviceId, "StartTransaction", models.DirectionIncoming, transactionId)
	return scanEvent(row)
}

// FindResponse returns the CALL_RESULT row answering the given messageId.
func (r *EventsRepo) FindResponse(ctx context.Context, deviceId, correlationId string) (*models.ProtocolEvent, error) {
	if correlationId == "" {
		return nil, nil
	}
	row := r.db.QueryRow(ctx, `
		select `+eventColumns+`
		from protocol_events
		where device_id=$1 and correlation_id=$2 and message_type='Response'
		order by ts desc, id desc
		limit 1
	`, deviceId, correlationId)
	return scanEvent(row)
}

// StopAfter finds an incoming StopTransaction for the connector after the
// given instant. When transactionId is non-nil the stop must carry the same
// id; otherwise any later stop qualifies.
func (r *EventsRepo) StopAfter(ctx context.Context, deviceId string, connectorId int, after time.Time, transactionId *int) (*models.ProtocolEvent, error) {
	row := r.db.QueryRow(ctx, `
		select `+eventColumns+`
		from protocol_events
		where device_id=$1 and connector_id=$2 and message_type=$3 and direction=$4
		  and ts > $5
		  and ($6::int is null or transaction_id is null or transaction_id=$6)
		order by ts desc, id desc
		limit 1
	`, deviceId, connectorId, "StopTransaction", models.DirectionIncoming, after, transactionId)
	return scanEvent(row)
}

// LatestMeterAfter returns the freshest incoming MeterValues sample for the
// connector newer than the given instant.
func (r *EventsRepo) LatestMeterAfter(ctx context.Context, deviceId string, connectorId int, after time.Time) (*models.ProtocolEvent, error) {
	row := r.db.QueryRow(ctx, `
		select `+eventColumns+`
		from protocol_events
		where device_id=$1 and connector_id=$2 and message_type=$3 and direction=$4 and ts > $5
		order by ts desc, id desc
		limit 1
	`, deviceId, connectorId, "MeterValues", models.DirectionIncoming, after)
	return scanEvent(row)
}

// FirstMeterAfter returns the earliest incoming MeterValues sample for the
// connector newer than the given instant; used to backfill meterStart.
func (r *EventsRepo) FirstMeterAfter(ctx context.Context, deviceId string, connectorId int, after time.Time) (*models.ProtocolEvent, error) {
	row := r.db.QueryRow(ctx, `
		select `+eventColumns+`
		from protocol_events
		where device_id=$1 and connector_id=$2 and message_type=$3 and direction=$4 and ts > $5
		order by ts asc, id asc
		limit 1
	`, deviceId, connectorId, "MeterValues", models.DirectionIncoming, after)
	return scanEvent(row)
}

func (r *EventsRepo) ListRecentByDevice(ctx context.Context, deviceId string, limit int) ([]models.ProtocolEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		select `+eventColumns+`
		from protocol_events
		where device_id=$1
		order by ts desc, id desc
		limit $2
	`, deviceId, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ProtocolEvent
	for rows.Next() {
		var e models.ProtocolEvent
		if err := rows.Scan(&e.Id, &e.DeviceId, &e.ConnectorId, &e.Direction, &e.MessageType,
			&e.CorrelationId, &e.TransactionId, &e.Payload, &e.RawFrame, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
