package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"csms/internal/models"
	"csms/internal/ocpp"

	"github.com/sirupsen/logrus"
)

// Queue routing keys for remote-command confirmations.
const (
	KeyRemoteStartResponse = "remote-start-response"
	KeyRemoteStopResponse  = "remote-stop-response"
)

// CommandResponseKeys is the routing-key group for the response consumer.
// Responses are independent per session, so prefetch may exceed 1.
var CommandResponseKeys = []string{KeyRemoteStartResponse, KeyRemoteStopResponse}

// CommandResponse is the queue envelope for a station's answer to a remote
// start/stop command.
type CommandResponse struct {
	DeviceId      string    `json:"deviceId"`
	ConnectorId   int       `json:"connectorId"`
	SessionId     string    `json:"sessionId"`
	CorrelationId string    `json:"correlationId"`
	Status        string    `json:"status"` // Accepted | Rejected | "" (none reported)
	TransactionId *int      `json:"transactionId,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ResponseProcessor reconciles remote-command confirmations with the
// session record. Session and wallet mutations are the only path where a
// failure must block acknowledgement; losing one silently is unacceptable.
type ResponseProcessor struct {
	Ledger   EventLedger
	Sessions SessionStore
	Wallets  CustomerWallet
	Cache    StatusCache
	Notify   Notifier
	Pending  CommandTable
	Log      *logrus.Logger

	now func() time.Time
}

func NewResponseProcessor(ledger EventLedger, sessions SessionStore, wallets CustomerWallet,
	cache StatusCache, notify Notifier, pending CommandTable, log *logrus.Logger) *ResponseProcessor {
	return &ResponseProcessor{
		Ledger:   ledger,
		Sessions: sessions,
		Wallets:  wallets,
		Cache:    cache,
		Notify:   notify,
		Pending:  pending,
		Log:      log,
		now:      time.Now,
	}
}

func (p *ResponseProcessor) Handle(ctx context.Context, routingKey string, body []byte) error {
	var resp CommandResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%w: bad envelope: %v", ErrValidation, err)
	}
	if resp.DeviceId == "" {
		return fmt.Errorf("%w: missing deviceId", ErrValidation)
	}

	switch routingKey {
	case KeyRemoteStartResponse:
		if err := p.resolveSessionId(ctx, &resp, ocpp.ActionRemoteStartTransaction); err != nil {
			return err
		}
		return p.onStartResponse(ctx, resp)
	case KeyRemoteStopResponse:
		if err := p.resolveSessionId(ctx, &resp, ocpp.ActionRemoteStopTransaction); err != nil {
			return err
		}
		return p.onStopResponse(ctx, resp)
	default:
		return fmt.Errorf("%w: unknown routing key %s", ErrValidation, routingKey)
	}
}

// resolveSessionId fills in the session when the gateway did not echo it.
// The correlationId must match a command this process recorded before the
// pending placeholder is trusted to name the session.
func (p *ResponseProcessor) resolveSessionId(ctx context.Context, resp *CommandResponse, action string) error {
	if resp.SessionId != "" {
		return nil
	}
	if resp.CorrelationId == "" {
		return fmt.Errorf("%w: missing sessionId and correlationId", ErrValidation)
	}
	known, err := p.Ledger.Exists(ctx, resp.DeviceId, resp.CorrelationId, action, models.DirectionOutgoing)
	if err != nil {
		return fmt.Errorf("match outgoing command: %w", err)
	}
	if !known {
		return fmt.Errorf("%w: correlationId %s matches no recorded command", ErrValidation, resp.CorrelationId)
	}
	pend, ok := p.Pending.Get(resp.DeviceId, resp.ConnectorId)
	if !ok || pend.SessionId == "" {
		return fmt.Errorf("%w: no pending command names a session for %s/%d", ErrValidation, resp.DeviceId, resp.ConnectorId)
	}
	resp.SessionId = pend.SessionId
	return nil
}

// onStartResponse activates or fails the session. A missing acceptance is
// not trusted as a rejection on its own: some stations begin charging
// without ever acknowledging the remote command, so the ledger is searched
// for a compensating StartTransaction around session creation.
func (p *ResponseProcessor) onStartResponse(ctx context.Context, resp CommandResponse) error {
	sess, err := p.Sessions.GetByID(ctx, resp.SessionId)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("%w: unknown session %s", ErrValidation, resp.SessionId)
	}
	if !sess.Open() {
		return nil // already settled, redelivery
	}

	accepted := resp.Status == "Accepted"
	txId := resp.TransactionId

	var compensating *models.ProtocolEvent
	if !accepted {
		compensating, err = p.Ledger.LatestIncomingSince(ctx, sess.DeviceId, sess.ConnectorId,
			ocpp.ActionStartTransaction, sess.CreatedAt.Add(-startLookback))
		if err != nil {
			return fmt.Errorf("look back for start: %w", err)
		}
	}

	if accepted || compensating != nil {
		if txId == nil {
			start := compensating
			if start == nil {
				start, _ = p.Ledger.LatestIncomingSince(ctx, sess.DeviceId, sess.ConnectorId,
					ocpp.ActionStartTransaction, sess.CreatedAt.Add(-startLookback))
			}
			// Adopt the id from whichever source has it: the start frame
			// itself, or the central answer to it.
			if start != nil {
				txId = start.TransactionId
				if txId == nil {
					if r, err := p.Ledger.FindResponse(ctx, sess.DeviceId, start.CorrelationId); err == nil && r != nil {
						txId = r.TransactionId
					}
				}
			}
		}

		if err := p.Sessions.Activate(ctx, sess.SessionId, txId, p.now().UTC()); err != nil {
			return fmt.Errorf("activate session: %w", err)
		}
		if txId != nil {
			p.Pending.Resolve(sess.DeviceId, sess.ConnectorId, *txId)
		}
		p.Cache.SetStatus(ctx, sess.DeviceId, models.DeviceStatus{Status: models.ChargerCharging, LastSeen: p.now().UTC()})
		p.notifySession(sess, notifyStartAccepted, map[string]any{
			"sessionId":     sess.SessionId,
			"deviceId":      sess.DeviceId,
			"connectorId":   sess.ConnectorId,
			"transactionId": txId,
		})
		return nil
	}

	// Rejected with no compensating start: refund the reservation, exactly
	// once per session, and terminate.
	reason := resp.Reason
	if reason == "" {
		reason = "remote start rejected"
	}
	if sess.CustomerId != nil && sess.AmountReserved > 0 {
		if err := p.Wallets.Refund(ctx, *sess.CustomerId, sess.AmountReserved, sess.SessionId); err != nil {
			return fmt.Errorf("refund reservation: %w", err)
		}
	}
	if err := p.Sessions.Fail(ctx, sess.SessionId, sess.AmountReserved, reason); err != nil {
		return fmt.Errorf("fail session: %w", err)
	}
	p.Pending.Delete(sess.DeviceId, sess.ConnectorId)
	p.Cache.SetStatus(ctx, sess.DeviceId, models.DeviceStatus{Status: models.ChargerAvailable, LastSeen: p.now().UTC()})
	p.notifySession(sess, notifyStartRejected, map[string]any{
		"sessionId":    sess.SessionId,
		"deviceId":     sess.DeviceId,
		"connectorId":  sess.ConnectorId,
		"refundAmount": sess.AmountReserved,
		"reason":       reason,
	})
	return nil
}

// onStopResponse only moves the status projection and tells the customer;
// settlement always comes from the StopTransaction protocol event because
// the acknowledgement carries no meter data.
func (p *ResponseProcessor) onStopResponse(ctx context.Context, resp CommandResponse) error {
	sess, err := p.Sessions.GetByID(ctx, resp.SessionId)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("%w: unknown session %s", ErrValidation, resp.SessionId)
	}

	if resp.Status != "Accepted" {
		// Not fatal: the station may still stop on its own.
		p.Log.WithFields(logrus.Fields{
			"sessionId": resp.SessionId,
			"deviceId":  resp.DeviceId,
			"status":    resp.Status,
		}).Warn("remote stop not accepted")
		return nil
	}

	p.Pending.Delete(sess.DeviceId, sess.ConnectorId)
	p.Cache.SetStatus(ctx, sess.DeviceId, models.DeviceStatus{Status: models.ChargerAvailable, LastSeen: p.now().UTC()})
	p.notifySession(sess, notifyStopAccepted, map[string]any{
		"sessionId":   sess.SessionId,
		"deviceId":    sess.DeviceId,
		"connectorId": sess.ConnectorId,
	})
	return nil
}

func (p *ResponseProcessor) notifySession(sess *models.ChargingSession, eventType string, data map[string]any) {
	if sess.CustomerId != nil {
		p.Notify.PublishTo(*sess.CustomerId, eventType, data)
		return
	}
	p.Notify.Publish(eventType, data)
}
