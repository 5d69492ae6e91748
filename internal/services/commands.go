package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"csms/internal/models"
	"csms/internal/ocpp"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrConnectorBusy is returned when a start is requested for a connector
// that already has an open session.
var ErrConnectorBusy = errors.New("connector already has an open session")

// ErrNoActiveTransaction is returned when a stop is requested but nothing
// is charging.
var ErrNoActiveTransaction = errors.New("no active transaction on connector")

// CommandService issues remote start/stop commands. Every start creates a
// lightweight session row, operator-initiated included (nil customer), so
// the session table stays the primary source of truth for reconciliation.
type CommandService struct {
	Ledger     EventLedger
	Sessions   SessionStore
	Wallets    CustomerWallet
	Devices    DeviceDirectory
	Pending    CommandTable
	Gateway    CommandGateway
	Reconciler *Reconciler
	Log        *logrus.Logger

	now func() time.Time
}

func NewCommandService(ledger EventLedger, sessions SessionStore, wallets CustomerWallet,
	devices DeviceDirectory, pending CommandTable, gateway CommandGateway,
	reconciler *Reconciler, log *logrus.Logger) *CommandService {
	return &CommandService{
		Ledger:     ledger,
		Sessions:   sessions,
		Wallets:    wallets,
		Devices:    devices,
		Pending:    pending,
		Gateway:    gateway,
		Reconciler: reconciler,
		Log:        log,
		now:        time.Now,
	}
}

// StartCharging reserves the prepaid amount, creates the session and
// dispatches RemoteStartTransaction. customerId nil means operator-initiated.
func (s *CommandService) StartCharging(ctx context.Context, customerId *string, deviceId string, connectorId int, amountReserved float64) (*models.ChargingSession, error) {
	dev, err := s.Devices.Get(ctx, deviceId)
	if err != nil {
		return nil, fmt.Errorf("device lookup: %w", err)
	}
	if dev == nil {
		return nil, fmt.Errorf("unknown device %s", deviceId)
	}

	sessionId := uuid.NewString()
	sess := models.ChargingSession{
		SessionId:      sessionId,
		CustomerId:     customerId,
		DeviceId:       deviceId,
		ConnectorId:    connectorId,
		Status:         models.SessionPending,
		AmountReserved: amountReserved,
	}
	if _, err := s.Sessions.Create(ctx, sess); err != nil {
		return nil, err // ErrSessionExists surfaces untouched
	}

	if customerId != nil && amountReserved > 0 {
		if err := s.Wallets.Debit(ctx, *customerId, amountReserved, sessionId); err != nil {
			_ = s.Sessions.Fail(ctx, sessionId, 0, "wallet debit failed")
			return nil, err
		}
	}

	// Placeholder goes in before dispatch: the station's StartTransaction
	// may beat the command acknowledgement back to us.
	s.Pending.Put(deviceId, connectorId, models.CommandStart, sessionId)

	messageId := uuid.NewString()
	idTag := "operator"
	if customerId != nil {
		idTag = *customerId
	}
	frame, err := ocpp.EncodeCall(messageId, ocpp.ActionRemoteStartTransaction, ocpp.RemoteStartTransaction{
		ConnectorId: connectorId,
		IdTag:       idTag,
	})
	if err != nil {
		return nil, fmt.Errorf("encode call: %w", err)
	}

	if err := s.recordOutgoing(ctx, deviceId, connectorId, ocpp.ActionRemoteStartTransaction, messageId, frame, nil); err != nil &&
		!errors.Is(err, ErrDuplicate) {
		s.Log.WithError(err).WithField("deviceId", deviceId).Warn("outgoing command not recorded")
	}

	if err := s.Gateway.SendFrame(ctx, deviceId, frame); err != nil {
		s.Pending.Delete(deviceId, connectorId)
		if customerId != nil && amountReserved > 0 {
			if rerr := s.Wallets.Refund(ctx, *customerId, amountReserved, sessionId); rerr != nil {
				s.Log.WithError(rerr).WithField("sessionId", sessionId).Error("refund after gateway failure failed")
			}
		}
		_ = s.Sessions.Fail(ctx, sessionId, amountReserved, "gateway dispatch failed")
		return nil, fmt.Errorf("gateway: %w", err)
	}

	created, err := s.Sessions.GetByID(ctx, sessionId)
	if err != nil || created == nil {
		sess.CreatedAt = s.now().UTC()
		return &sess, nil
	}
	return created, nil
}

// StopCharging dispatches RemoteStopTransaction for whatever the reconciler
// says is charging on the connector.
func (s *CommandService) StopCharging(ctx context.Context, deviceId string, connectorId int) (*models.ConnectorActivity, error) {
	act := s.Reconciler.Reconcile(ctx, deviceId, connectorId)
	if act.State != models.ActivityActive || act.TransactionId == nil {
		return nil, ErrNoActiveTransaction
	}

	s.Pending.Put(deviceId, connectorId, models.CommandStop, act.SessionId)

	messageId := uuid.NewString()
	frame, err := ocpp.EncodeCall(messageId, ocpp.ActionRemoteStopTransaction, ocpp.RemoteStopTransaction{
		TransactionId: *act.TransactionId,
	})
	if err != nil {
		return nil, fmt.Errorf("encode call: %w", err)
	}

	if err := s.recordOutgoing(ctx, deviceId, connectorId, ocpp.ActionRemoteStopTransaction, messageId, frame, act.TransactionId); err != nil &&
		!errors.Is(err, ErrDuplicate) {
		s.Log.WithError(err).WithField("deviceId", deviceId).Warn("outgoing command not recorded")
	}

	if err := s.Gateway.SendFrame(ctx, deviceId, frame); err != nil {
		s.Pending.Delete(deviceId, connectorId)
		return nil, fmt.Errorf("gateway: %w", err)
	}
	return &act, nil
}

// recordOutgoing appends the command to the ledger, applying the echo
// suppression window so racing operator actions collapse to one row.
func (s *CommandService) recordOutgoing(ctx context.Context, deviceId string, connectorId int, action, messageId string, frame []byte, transactionId *int) error {
	ts := s.now().UTC()
	dup, err := s.Ledger.ExistsWithin(ctx, deviceId, action, models.DirectionOutgoing, ts.Add(-remoteEchoWindow))
	if err != nil {
		return err
	}
	if dup {
		return ErrDuplicate
	}
	return s.Ledger.Insert(ctx, models.ProtocolEvent{
		DeviceId:      deviceId,
		ConnectorId:   connectorId,
		Direction:     models.DirectionOutgoing,
		MessageType:   action,
		CorrelationId: messageId,
		TransactionId: transactionId,
		RawFrame:      frame,
		Timestamp:     ts,
	})
}
