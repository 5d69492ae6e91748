package services

import (
	"context"
	"errors"
	"time"

	"csms/internal/models"
)

// Domain event types handed to the Notifier.
const (
	notifyStatusChanged = "status-changed"
	notifyStarted       = "session-started"
	notifyStopped       = "session-stopped"
	notifyMeterUpdated  = "meter-updated"
	notifyEnergyUpdated = "energy-updated"
	notifyStartAccepted = "remote-start-accepted"
	notifyStartRejected = "remote-start-rejected"
	notifyStopAccepted  = "remote-stop-accepted"
)

// ErrValidation marks permanent failures: the message is acknowledged
// without retry so a poison frame cannot block the queue.
var ErrValidation = errors.New("validation failure")

// ErrDuplicate marks frames already present in the ledger; discarded
// silently.
var ErrDuplicate = errors.New("duplicate protocol event")

// EventLedger is the durable append-only log of protocol messages plus the
// query surface the reconciler reads.
type EventLedger interface {
	Insert(ctx context.Context, e models.ProtocolEvent) error
	Exists(ctx context.Context, deviceId, correlationId, messageType, direction string) (bool, error)
	ExistsWithin(ctx context.Context, deviceId, messageType, direction string, since time.Time) (bool, error)
	ExistsByTransactionWithin(ctx context.Context, deviceId, messageType string, transactionId int, since time.Time) (bool, error)
	LatestIncoming(ctx context.Context, deviceId string, connectorId int, messageType string) (*models.ProtocolEvent, error)
	LatestStartByTransaction(ctx context.Context, deviceId string, transactionId int) (*models.ProtocolEvent, error)
	FindResponse(ctx context.Context, deviceId, correlationId string) (*models.ProtocolEvent, error)
	LatestIncomingSince(ctx context.Context, deviceId string, connectorId int, messageType string, since time.Time) (*models.ProtocolEvent, error)
	StopAfter(ctx context.Context, deviceId string, connectorId int, after time.Time, transactionId *int) (*models.ProtocolEvent, error)
	LatestMeterAfter(ctx context.Context, deviceId string, connectorId int, after time.Time) (*models.ProtocolEvent, error)
	FirstMeterAfter(ctx context.Context, deviceId string, connectorId int, after time.Time) (*models.ProtocolEvent, error)
}

// SessionStore owns charging-session rows. Create must reject a second
// open session per connector.
type SessionStore interface {
	Create(ctx context.Context, s models.ChargingSession) (string, error)
	GetByID(ctx context.Context, sessionId string) (*models.ChargingSession, error)
	FindOpenByConnector(ctx context.Context, deviceId string, connectorId int) (*models.ChargingSession, error)
	FindByTransaction(ctx context.Context, deviceId string, transactionId int) (*models.ChargingSession, error)
	Activate(ctx context.Context, sessionId string, transactionId *int, startTime time.Time) error
	UpdateMeter(ctx context.Context, sessionId string, meterStart *int64, meterEnd int64, energyKwh, finalAmount float64) error
	Complete(ctx context.Context, sessionId string, endTime time.Time, meterEnd *int64, energyKwh, finalAmount float64, reason *string) error
	Fail(ctx context.Context, sessionId string, refundAmount float64, reason string) error
}

// CustomerWallet atomically adjusts prepaid balances.
type CustomerWallet interface {
	Debit(ctx context.Context, customerId string, amount float64, referenceId string) error
	Refund(ctx context.Context, customerId string, amount float64, referenceId string) error
}

// DeviceDirectory is the station registry collaborator.
type DeviceDirectory interface {
	Get(ctx context.Context, deviceId string) (*models.Device, error)
	CreateOrFetch(ctx context.Context, deviceId string) (*models.Device, error)
	FillMetadata(ctx context.Context, deviceId string, meta models.DeviceMetadata) error
	TouchLastSeen(ctx context.Context, deviceId string, t time.Time) error
}

// TariffLookup resolves the active rate and tax for a device.
type TariffLookup interface {
	ActiveForDevice(ctx context.Context, deviceId string) (*models.Tariff, error)
}

// StatusCache is the best-effort real-time projection; implementations must
// never fail the caller.
type StatusCache interface {
	SetStatus(ctx context.Context, deviceId string, st models.DeviceStatus)
	SetMeter(ctx context.Context, deviceId string, meterWh int64, ts time.Time)
	SetHeartbeat(ctx context.Context, deviceId string, ts time.Time)
	PushEvent(ctx context.Context, deviceId string, entry any)
	PushFrame(ctx context.Context, deviceId string, frame []byte)
}

// Notifier fans domain events out to UI channels, fire-and-forget.
type Notifier interface {
	Publish(eventType string, data any)
	PublishTo(customerId, eventType string, data any)
}

// CommandTable is the scoped in-memory store of locally-pending remote
// commands.
type CommandTable interface {
	Put(deviceId string, connectorId int, kind, sessionId string)
	Resolve(deviceId string, connectorId int, transactionId int)
	Get(deviceId string, connectorId int) (*models.PendingCommand, bool)
	Delete(deviceId string, connectorId int)
}

// CommandGateway pushes encoded CALL frames toward the station gateway.
type CommandGateway interface {
	SendFrame(ctx context.Context, deviceId string, frame []byte) error
}
