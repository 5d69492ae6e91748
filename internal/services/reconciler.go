package services

import (
	"context"
	"time"

	"csms/internal/models"
	"csms/internal/ocpp"

	"github.com/sirupsen/logrus"
)

// Reconciler answers "is connector C on device D currently charging, and
// under which transaction" by fusing the session record, the protocol
// ledger, meter recency and the pending-command table. Read-only and safe
// to poll.
//
// A stop event is the strongest possible negative signal: every tier
// re-checks for a later stop before returning a positive answer, because a
// false "stop charging" button is worse than a briefly missing one.
type Reconciler struct {
	Ledger   EventLedger
	Sessions SessionStore
	Pending  CommandTable
	Log      *logrus.Logger

	now func() time.Time
}

func NewReconciler(ledger EventLedger, sessions SessionStore, pending CommandTable, log *logrus.Logger) *Reconciler {
	return &Reconciler{Ledger: ledger, Sessions: sessions, Pending: pending, Log: log, now: time.Now}
}

// Reconcile resolves current connector activity. Internal fetch failures
// degrade to "inactive" rather than an error so status callers render a
// start button instead of crashing.
func (r *Reconciler) Reconcile(ctx context.Context, deviceId string, connectorId int) models.ConnectorActivity {
	inactive := models.ConnectorActivity{
		State:       models.ActivityInactive,
		DeviceId:    deviceId,
		ConnectorId: connectorId,
	}

	// Tier 1: authoritative session record.
	sess, err := r.Sessions.FindOpenByConnector(ctx, deviceId, connectorId)
	if err != nil {
		r.Log.WithError(err).WithField("deviceId", deviceId).Warn("reconcile: session lookup failed")
		return inactive
	}
	if sess != nil {
		stopped, err := r.stoppedSince(ctx, deviceId, connectorId, sessionSince(sess), sess.TransactionId)
		if err != nil {
			return inactive
		}
		if stopped {
			// The ledger has outrun the session table; a stop always wins.
			return inactive
		}
		// TransactionId may legitimately be nil here: active but not yet
		// fully identified.
		return models.ConnectorActivity{
			State:         models.ActivityActive,
			DeviceId:      deviceId,
			ConnectorId:   connectorId,
			TransactionId: sess.TransactionId,
			SessionId:     sess.SessionId,
			Source:        "session",
			StartedAt:     sess.StartTime,
		}
	}

	// Tier 2: protocol-log fallback. Operator-initiated charging bypasses
	// the session table, so the most recent start may be the only record.
	start, err := r.Ledger.LatestIncoming(ctx, deviceId, connectorId, ocpp.ActionStartTransaction)
	if err != nil {
		r.Log.WithError(err).WithField("deviceId", deviceId).Warn("reconcile: start lookup failed")
		return inactive
	}
	if start != nil && r.now().Sub(start.Timestamp) <= startStaleCeiling {
		txId := start.TransactionId
		if txId == nil {
			// The id may live only in the central answer to the start CALL.
			if resp, err := r.Ledger.FindResponse(ctx, deviceId, start.CorrelationId); err == nil && resp != nil {
				txId = resp.TransactionId
			}
		}

		stopped, err := r.stoppedSince(ctx, deviceId, connectorId, start.Timestamp, txId)
		if err != nil {
			return inactive
		}
		if stopped {
			return inactive
		}

		if txId != nil {
			return models.ConnectorActivity{
				State:         models.ActivityActive,
				DeviceId:      deviceId,
				ConnectorId:   connectorId,
				TransactionId: txId,
				Source:        "ledger",
				StartedAt:     &start.Timestamp,
			}
		}

		// Tier 3: strict-recency meter fallback, only reached when the
		// start carried no usable transactionId. Looser staleness is not
		// trusted without an authoritative session.
		if act, ok := r.meterFallback(ctx, deviceId, connectorId, start); ok {
			return act
		}
	}

	// Tier 4: pending-command fallback.
	if cmd, ok := r.Pending.Get(deviceId, connectorId); ok && cmd.Kind == models.CommandStart {
		if cmd.Resolved() {
			return models.ConnectorActivity{
				State:         models.ActivityActive,
				DeviceId:      deviceId,
				ConnectorId:   connectorId,
				TransactionId: cmd.TransactionId,
				SessionId:     cmd.SessionId,
				Source:        "pending",
				StartedAt:     &cmd.CreatedAt,
			}
		}
		// Premature optimism would show a stop button before the station
		// has actually begun; tell the caller to keep polling instead.
		return models.ConnectorActivity{
			State:       models.ActivityUnknown,
			DeviceId:    deviceId,
			ConnectorId: connectorId,
			SessionId:   cmd.SessionId,
			Source:      "pending",
		}
	}

	return inactive
}

// meterFallback declares activity only off a fresh meter sample that is
// newer than the start, not itself outrun by a stop, and attributable to a
// transaction (its own id, or a pending placeholder for the connector).
func (r *Reconciler) meterFallback(ctx context.Context, deviceId string, connectorId int, start *models.ProtocolEvent) (models.ConnectorActivity, bool) {
	meter, err := r.Ledger.LatestMeterAfter(ctx, deviceId, connectorId, start.Timestamp)
	if err != nil {
		r.Log.WithError(err).WithField("deviceId", deviceId).Warn("reconcile: meter lookup failed")
		return models.ConnectorActivity{}, false
	}
	if meter == nil || r.now().Sub(meter.Timestamp) > meterFreshness {
		return models.ConnectorActivity{}, false
	}

	// A stop can arrive after the last meter reading.
	stopped, err := r.stoppedSince(ctx, deviceId, connectorId, meter.Timestamp, meter.TransactionId)
	if err != nil || stopped {
		return models.ConnectorActivity{}, false
	}

	if meter.TransactionId != nil {
		return models.ConnectorActivity{
			State:         models.ActivityActive,
			DeviceId:      deviceId,
			ConnectorId:   connectorId,
			TransactionId: meter.TransactionId,
			Source:        "meter",
			StartedAt:     &start.Timestamp,
		}, true
	}
	if cmd, ok := r.Pending.Get(deviceId, connectorId); ok && cmd.Kind == models.CommandStart {
		return models.ConnectorActivity{
			State:         models.ActivityActive,
			DeviceId:      deviceId,
			ConnectorId:   connectorId,
			TransactionId: cmd.TransactionId,
			SessionId:     cmd.SessionId,
			Source:        "meter",
			StartedAt:     &start.Timestamp,
		}, true
	}
	return models.ConnectorActivity{}, false
}

func (r *Reconciler) stoppedSince(ctx context.Context, deviceId string, connectorId int, after time.Time, transactionId *int) (bool, error) {
	stop, err := r.Ledger.StopAfter(ctx, deviceId, connectorId, after, transactionId)
	if err != nil {
		r.Log.WithError(err).WithField("deviceId", deviceId).Warn("reconcile: stop lookup failed")
		return false, err
	}
	return stop != nil, nil
}

func sessionSince(sess *models.ChargingSession) time.Time {
	if sess.StartTime != nil {
		return *sess.StartTime
	}
	return sess.CreatedAt
}
