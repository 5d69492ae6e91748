package models

import "time"

// Direction of a protocol frame relative to the central system.
const (
	DirectionIncoming = "Incoming"
	DirectionOutgoing = "Outgoing"
)

// ChargingSession lifecycle states.
const (
	SessionPending   = "pending"
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// Coarse charger status vocabulary exposed to operational UIs.
const (
	ChargerAvailable = "Available"
	ChargerOccupied  = "Occupied"
	ChargerCharging  = "Charging"
	ChargerFaulted   = "Faulted"
)

// WalletTransaction types.
const (
	WalletDebit  = "debit"
	WalletRefund = "refund"
)

// ProtocolEvent is one row of the append-only event ledger. Immutable once
// written. ConnectorId and TransactionId are extracted from the payload at
// ingestion so query paths never re-derive them.
type ProtocolEvent struct {
	Id            int64
	DeviceId      string
	ConnectorId   int
	Direction     string
	MessageType   string
	CorrelationId string
	TransactionId *int
	Payload       []byte
	RawFrame      []byte
	Timestamp     time.Time
}

// ChargingSession links a customer, a connector and a station-assigned
// transaction. CustomerId is nil for operator-initiated charging.
type ChargingSession struct {
	SessionId      string
	CustomerId     *string
	DeviceId       string
	ConnectorId    int
	TransactionId  *int
	Status         string
	StartTime      *time.Time
	EndTime        *time.Time
	MeterStart     *int64 // Wh
	MeterEnd       *int64 // Wh
	AmountReserved float64
	EnergyConsumed float64 // kWh
	FinalAmount    float64
	RefundAmount   float64
	StopReason     *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Open reports whether the session still owns its connector.
func (s *ChargingSession) Open() bool {
	return s.Status == SessionPending || s.Status == SessionActive
}

// WalletTransaction is a financial ledger entry. At most one refund row may
// ever exist per ReferenceId.
type WalletTransaction struct {
	Id            int64
	CustomerId    string
	Type          string
	Amount        float64
	BalanceBefore float64
	BalanceAfter  float64
	ReferenceId   string
	Category      string
	CreatedAt     time.Time
}

// Device is the directory record for a charging station.
type Device struct {
	DeviceId        string
	Vendor          string
	Model           string
	SerialNumber    string
	FirmwareVersion string
	OcppVersion     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastSeenAt      *time.Time
}

// DeviceMetadata carries the BootNotification fields that may fill unset
// directory columns. Empty strings are ignored on write.
type DeviceMetadata struct {
	Vendor          string
	Model           string
	SerialNumber    string
	FirmwareVersion string
}

// Tariff holds the per-kWh rate and tax applied to a device's sessions.
type Tariff struct {
	TariffId   string
	DeviceId   string
	BaseRate   float64 // per kWh
	TaxPercent float64
	Currency   string
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DeviceStatus is the cache-only status projection. Never authoritative;
// liveness is LastSeen recency against the offline threshold.
type DeviceStatus struct {
	Status    string    `json:"status"`
	ErrorCode string    `json:"errorCode,omitempty"`
	LastSeen  time.Time `json:"lastSeen"`
}

// PendingCommand kinds.
const (
	CommandStart = "start"
	CommandStop  = "stop"
)

// PendingCommand is the in-memory placeholder created when an operator
// issues a remote command, before the station's confirmation arrives.
// TransactionId is nil until a matching protocol event resolves it.
type PendingCommand struct {
	DeviceId      string
	ConnectorId   int
	Kind          string
	SessionId     string
	TransactionId *int
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Resolved reports whether the placeholder has adopted a real transactionId.
func (c *PendingCommand) Resolved() bool { return c.TransactionId != nil }

// Reconciler answer states.
const (
	ActivityActive   = "active"
	ActivityUnknown  = "unknown"
	ActivityInactive = "inactive"
)

// ConnectorActivity is the reconciler's answer to "is connector C on device
// D currently charging". A nil TransactionId with State==active means the
// station has not echoed the id yet, not that the connector is idle.
type ConnectorActivity struct {
	State         string     `json:"state"`
	DeviceId      string     `json:"deviceId"`
	ConnectorId   int        `json:"connectorId"`
	TransactionId *int       `json:"transactionId,omitempty"`
	SessionId     string     `json:"sessionId,omitempty"`
	Source        string     `json:"source,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
}
