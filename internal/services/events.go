package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"csms/internal/models"
	"csms/internal/ocpp"

	"github.com/sirupsen/logrus"
)

// Queue routing keys for protocol events.
const (
	KeyBootNotification   = "boot-notification"
	KeyStartTransaction   = "start-transaction"
	KeyStopTransaction    = "stop-transaction"
	KeyStatusNotification = "status-notification"
	KeyMeterValues        = "meter-values"
	KeyHeartbeat          = "heartbeat"
	KeyResponse           = "response"
	KeyError              = "error"
)

// ProtocolEventKeys lists the routing-key group consumed by the event
// processor; all frames for one device arrive on the same partition so
// per-device ordering holds.
var ProtocolEventKeys = []string{
	KeyBootNotification, KeyStartTransaction, KeyStopTransaction,
	KeyStatusNotification, KeyMeterValues, KeyHeartbeat, KeyResponse, KeyError,
}

// InboundFrame is the queue envelope the gateway publishes per station
// frame.
type InboundFrame struct {
	DeviceId  string          `json:"deviceId"`
	Direction string          `json:"direction,omitempty"`
	Frame     json.RawMessage `json:"frame"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventProcessor is the protocol-event consumer: dedup, ledger append, then
// per-message-type side effects. Transport delivery is at-least-once, so
// every path must be idempotent.
type EventProcessor struct {
	Ledger   EventLedger
	Sessions SessionStore
	Devices  DeviceDirectory
	Tariffs  TariffLookup
	Cache    StatusCache
	Notify   Notifier
	Pending  CommandTable
	Log      *logrus.Logger

	now func() time.Time
}

func NewEventProcessor(ledger EventLedger, sessions SessionStore, devices DeviceDirectory,
	tariffs TariffLookup, cache StatusCache, notify Notifier, pending CommandTable, log *logrus.Logger) *EventProcessor {
	return &EventProcessor{
		Ledger:   ledger,
		Sessions: sessions,
		Devices:  devices,
		Tariffs:  tariffs,
		Cache:    cache,
		Notify:   notify,
		Pending:  pending,
		Log:      log,
		now:      time.Now,
	}
}

// Handle processes one queued protocol event. Returned ErrDuplicate and
// ErrValidation are permanent: the caller acknowledges without retry.
func (p *EventProcessor) Handle(ctx context.Context, routingKey string, body []byte) error {
	var in InboundFrame
	if err := json.Unmarshal(body, &in); err != nil {
		return fmt.Errorf("%w: bad envelope: %v", ErrValidation, err)
	}
	if in.DeviceId == "" {
		return fmt.Errorf("%w: missing deviceId", ErrValidation)
	}
	if in.Direction == "" {
		in.Direction = models.DirectionIncoming
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = p.now().UTC()
	}

	frame, err := ocpp.Decode(in.Frame)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	event, err := p.buildEvent(ctx, in, frame, ts)
	if err != nil {
		return err
	}

	if err := p.dedup(ctx, event); err != nil {
		return err
	}
	if err := p.Ledger.Insert(ctx, event); err != nil {
		return fmt.Errorf("ledger insert: %w", err)
	}

	// Diagnostics ring; best-effort, never blocks the pipeline.
	p.Cache.PushFrame(ctx, event.DeviceId, frame.Raw)

	return p.applySideEffects(ctx, routingKey, event, frame)
}

// buildEvent decodes connectorId/transactionId once at ingestion so no
// downstream path re-derives them from the payload.
func (p *EventProcessor) buildEvent(ctx context.Context, in InboundFrame, frame ocpp.Frame, ts time.Time) (models.ProtocolEvent, error) {
	e := models.ProtocolEvent{
		DeviceId:      in.DeviceId,
		Direction:     in.Direction,
		CorrelationId: frame.MessageId,
		RawFrame:      frame.Raw,
		Timestamp:     ts,
	}

	switch frame.Type {
	case ocpp.Call:
		e.MessageType = frame.Action
		e.Payload = frame.Payload
		e.ConnectorId = ocpp.ConnectorOf(frame.Action, frame.Payload)
		e.TransactionId = ocpp.TransactionOf(frame.Action, frame.Payload)

		// StopTransaction carries no connectorId; resolve it through the
		// transaction so per-connector queries see the stop.
		if frame.Action == ocpp.ActionStopTransaction && e.TransactionId != nil {
			if sess, err := p.Sessions.FindByTransaction(ctx, e.DeviceId, *e.TransactionId); err == nil && sess != nil {
				e.ConnectorId = sess.ConnectorId
			} else if start, err := p.Ledger.LatestStartByTransaction(ctx, e.DeviceId, *e.TransactionId); err == nil && start != nil {
				e.ConnectorId = start.ConnectorId
			}
		}
	case ocpp.CallResult:
		e.MessageType = "Response"
		e.Payload = frame.Payload
		// Start-command responses carry the station-assigned id; keep it
		// queryable for the reconciler's response correlation.
		var resp ocpp.StartTransactionResponse
		if json.Unmarshal(frame.Payload, &resp) == nil && resp.TransactionId != 0 {
			id := resp.TransactionId
			e.TransactionId = &id
		}
	case ocpp.CallError:
		e.MessageType = "Error"
		details, _ := json.Marshal(map[string]any{
			"errorCode":        frame.ErrorCode,
			"errorDescription": frame.ErrorDescription,
		})
		e.Payload = details
	}
	return e, nil
}

// dedup applies the uniqueness invariant plus the suppression windows for
// command echoes and transport re-deliveries.
func (p *EventProcessor) dedup(ctx context.Context, e models.ProtocolEvent) error {
	exists, err := p.Ledger.Exists(ctx, e.DeviceId, e.CorrelationId, e.MessageType, e.Direction)
	if err != nil {
		return fmt.Errorf("dedup lookup: %w", err)
	}
	if exists {
		return ErrDuplicate
	}

	switch {
	case e.Direction == models.DirectionOutgoing &&
		(e.MessageType == ocpp.ActionRemoteStartTransaction || e.MessageType == ocpp.ActionRemoteStopTransaction):
		// Racing operator actions may fire the same command twice.
		dup, err := p.Ledger.ExistsWithin(ctx, e.DeviceId, e.MessageType, e.Direction, e.Timestamp.Add(-remoteEchoWindow))
		if err != nil {
			return fmt.Errorf("dedup lookup: %w", err)
		}
		if dup {
			return ErrDuplicate
		}
	case e.Direction == models.DirectionIncoming &&
		(e.MessageType == ocpp.ActionStartTransaction || e.MessageType == ocpp.ActionStopTransaction):
		since := e.Timestamp.Add(-transactionEchoWindow)
		var dup bool
		var err error
		if e.TransactionId != nil {
			dup, err = p.Ledger.ExistsByTransactionWithin(ctx, e.DeviceId, e.MessageType, *e.TransactionId, since)
		} else {
			dup, err = p.Ledger.ExistsWithin(ctx, e.DeviceId, e.MessageType, e.Direction, since)
		}
		if err != nil {
			return fmt.Errorf("dedup lookup: %w", err)
		}
		if dup {
			return ErrDuplicate
		}
	}
	return nil
}

func (p *EventProcessor) applySideEffects(ctx context.Context, routingKey string, e models.ProtocolEvent, frame ocpp.Frame) error {
	switch routingKey {
	case KeyBootNotification:
		return p.onBoot(ctx, e, frame)
	case KeyStartTransaction:
		return p.onStart(ctx, e)
	case KeyStopTransaction:
		return p.onStop(ctx, e, frame)
	case KeyStatusNotification:
		return p.onStatus(ctx, e, frame)
	case KeyMeterValues:
		return p.onMeter(ctx, e, frame)
	case KeyHeartbeat:
		p.Cache.SetHeartbeat(ctx, e.DeviceId, e.Timestamp)
		return p.touch(ctx, e)
	case KeyResponse, KeyError:
		return p.touch(ctx, e)
	default:
		p.Log.WithField("key", routingKey).Warn("unknown routing key, ledger row kept")
		return nil
	}
}

func (p *EventProcessor) touch(ctx context.Context, e models.ProtocolEvent) error {
	if err := p.Devices.TouchLastSeen(ctx, e.DeviceId, e.Timestamp); err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}

// onBoot fills only unset directory metadata; a previously learned value is
// never overwritten.
func (p *EventProcessor) onBoot(ctx context.Context, e models.ProtocolEvent, frame ocpp.Frame) error {
	var boot ocpp.BootNotification
	if err := json.Unmarshal(frame.Payload, &boot); err != nil {
		return fmt.Errorf("%w: bad BootNotification payload: %v", ErrValidation, err)
	}
	if _, err := p.Devices.CreateOrFetch(ctx, e.DeviceId); err != nil {
		return fmt.Errorf("device create-or-fetch: %w", err)
	}
	if err := p.Devices.FillMetadata(ctx, e.DeviceId, models.DeviceMetadata{
		Vendor:          boot.ChargePointVendor,
		Model:           boot.ChargePointModel,
		SerialNumber:    boot.ChargePointSerialNumber,
		FirmwareVersion: boot.FirmwareVersion,
	}); err != nil {
		return fmt.Errorf("fill metadata: %w", err)
	}
	return p.touch(ctx, e)
}

// onStart leaves the session untouched: activation is driven by the
// command-response consumer so the customer is notified exactly once. The
// pending placeholder resolves here because this frame carries the
// station-assigned transactionId first.
func (p *EventProcessor) onStart(ctx context.Context, e models.ProtocolEvent) error {
	if e.TransactionId != nil {
		p.Pending.Resolve(e.DeviceId, e.ConnectorId, *e.TransactionId)
	}
	return p.touch(ctx, e)
}

// onStop settles the owning session. Settlement is driven here, not by the
// remote-stop acknowledgement, because the acknowledgement carries no meter
// data and stations also stop on their own.
func (p *EventProcessor) onStop(ctx context.Context, e models.ProtocolEvent, frame ocpp.Frame) error {
	var stop ocpp.StopTransaction
	if err := json.Unmarshal(frame.Payload, &stop); err != nil {
		return fmt.Errorf("%w: bad StopTransaction payload: %v", ErrValidation, err)
	}

	sess, err := p.findStopSession(ctx, e)
	if err != nil {
		return err
	}
	if sess == nil || !sess.Open() {
		// Operator-initiated or already settled; nothing to mutate.
		return p.touch(ctx, e)
	}

	meterEnd := stop.MeterStop
	energy, amount := p.settle(ctx, sess, meterEnd)
	var reason *string
	if stop.Reason != "" {
		reason = &stop.Reason
	}
	if err := p.Sessions.Complete(ctx, sess.SessionId, e.Timestamp, &meterEnd, energy, amount, reason); err != nil {
		return fmt.Errorf("complete session: %w", err)
	}

	p.Pending.Delete(sess.DeviceId, sess.ConnectorId)
	p.Cache.SetStatus(ctx, e.DeviceId, models.DeviceStatus{Status: models.ChargerAvailable, LastSeen: e.Timestamp})
	p.notifySession(sess, notifyStopped, map[string]any{
		"sessionId":      sess.SessionId,
		"energyConsumed": energy,
		"finalAmount":    amount,
	})
	return p.touch(ctx, e)
}

func (p *EventProcessor) findStopSession(ctx context.Context, e models.ProtocolEvent) (*models.ChargingSession, error) {
	if e.TransactionId != nil {
		sess, err := p.Sessions.FindByTransaction(ctx, e.DeviceId, *e.TransactionId)
		if err != nil {
			return nil, fmt.Errorf("find session by transaction: %w", err)
		}
		if sess != nil {
			return sess, nil
		}
	}
	if e.ConnectorId > 0 {
		sess, err := p.Sessions.FindOpenByConnector(ctx, e.DeviceId, e.ConnectorId)
		if err != nil {
			return nil, fmt.Errorf("find open session: %w", err)
		}
		return sess, nil
	}
	return nil, nil
}

// onStatus maps the station status vocabulary to the coarse charger status,
// refreshes the status key and appends to the capped recent-event list.
func (p *EventProcessor) onStatus(ctx context.Context, e models.ProtocolEvent, frame ocpp.Frame) error {
	var st ocpp.StatusNotification
	if err := json.Unmarshal(frame.Payload, &st); err != nil {
		return fmt.Errorf("%w: bad StatusNotification payload: %v", ErrValidation, err)
	}

	status := mapChargerStatus(st.Status)
	ds := models.DeviceStatus{Status: status, LastSeen: e.Timestamp}
	if st.ErrorCode != "" && st.ErrorCode != "NoError" {
		ds.ErrorCode = st.ErrorCode
	}

	p.Cache.SetStatus(ctx, e.DeviceId, ds)
	p.Cache.PushEvent(ctx, e.DeviceId, map[string]any{
		"connectorId": st.ConnectorId,
		"status":      st.Status,
		"errorCode":   st.ErrorCode,
		"timestamp":   e.Timestamp,
	})
	p.Notify.Publish(notifyStatusChanged, map[string]any{
		"deviceId":    e.DeviceId,
		"connectorId": st.ConnectorId,
		"status":      status,
		"errorCode":   ds.ErrorCode,
	})
	return p.touch(ctx, e)
}

// onMeter runs the live accounting. A missing session is expected for
// operator-initiated charging: only the cache and a bare notification move.
func (p *EventProcessor) onMeter(ctx context.Context, e models.ProtocolEvent, frame ocpp.Frame) error {
	var mv ocpp.MeterValues
	if err := json.Unmarshal(frame.Payload, &mv); err != nil {
		return fmt.Errorf("%w: bad MeterValues payload: %v", ErrValidation, err)
	}

	wh, ok := mv.EnergyRegisterWh()
	if !ok {
		return p.touch(ctx, e)
	}
	p.Cache.SetMeter(ctx, e.DeviceId, wh, e.Timestamp)

	sess, err := p.findMeterSession(ctx, e)
	if err != nil {
		return err
	}
	if sess == nil {
		p.Notify.Publish(notifyMeterUpdated, map[string]any{
			"deviceId":    e.DeviceId,
			"connectorId": e.ConnectorId,
			"meter":       wh,
		})
		return p.touch(ctx, e)
	}

	meterStart := sess.MeterStart
	var backfill *int64
	if meterStart == nil {
		v := p.earliestMeterSince(ctx, sess, wh)
		backfill = &v
		meterStart = &v
	}

	energyKwh := float64(wh-*meterStart) / 1000.0
	if energyKwh < 0 {
		energyKwh = 0
	}
	amount := p.charge(ctx, sess, energyKwh)

	// meter_end_wh is written even at zero computed energy so staleness
	// stays detectable.
	if err := p.Sessions.UpdateMeter(ctx, sess.SessionId, backfill, wh, energyKwh, amount); err != nil {
		return fmt.Errorf("update meter: %w", err)
	}

	p.notifySession(sess, notifyEnergyUpdated, map[string]any{
		"sessionId":      sess.SessionId,
		"energyConsumed": energyKwh,
		"finalAmount":    amount,
		"meter":          wh,
	})
	return p.touch(ctx, e)
}

func (p *EventProcessor) findMeterSession(ctx context.Context, e models.ProtocolEvent) (*models.ChargingSession, error) {
	if e.TransactionId != nil {
		sess, err := p.Sessions.FindByTransaction(ctx, e.DeviceId, *e.TransactionId)
		if err != nil {
			return nil, fmt.Errorf("find session by transaction: %w", err)
		}
		if sess != nil && sess.Open() {
			return sess, nil
		}
	}
	sess, err := p.Sessions.FindOpenByConnector(ctx, e.DeviceId, e.ConnectorId)
	if err != nil {
		return nil, fmt.Errorf("find open session: %w", err)
	}
	return sess, nil
}

// earliestMeterSince backfills meterStart from the earliest post-start
// sample in the ledger, falling back to the current reading.
func (p *EventProcessor) earliestMeterSince(ctx context.Context, sess *models.ChargingSession, current int64) int64 {
	since := sess.CreatedAt
	if sess.StartTime != nil {
		since = *sess.StartTime
	}
	first, err := p.Ledger.FirstMeterAfter(ctx, sess.DeviceId, sess.ConnectorId, since)
	if err != nil || first == nil {
		return current
	}
	var mv ocpp.MeterValues
	if json.Unmarshal(first.Payload, &mv) != nil {
		return current
	}
	if wh, ok := mv.EnergyRegisterWh(); ok {
		return wh
	}
	return current
}

// charge prices accrued energy against the active tariff and applies the
// mandatory reservation cap: a customer is never billed beyond what was
// reserved.
func (p *EventProcessor) charge(ctx context.Context, sess *models.ChargingSession, energyKwh float64) float64 {
	tariff, err := p.Tariffs.ActiveForDevice(ctx, sess.DeviceId)
	if err != nil || tariff == nil {
		if err != nil {
			p.Log.WithError(err).WithField("deviceId", sess.DeviceId).Warn("tariff lookup failed")
		}
		return math.Min(sess.FinalAmount, sess.AmountReserved)
	}
	cost := round4(energyKwh * tariff.BaseRate * (1 + tariff.TaxPercent/100))
	return math.Min(cost, sess.AmountReserved)
}

// settle computes the final energy/cost for a stop, preferring the stop's
// meter reading over live accrual.
func (p *EventProcessor) settle(ctx context.Context, sess *models.ChargingSession, meterEnd int64) (float64, float64) {
	if sess.MeterStart == nil {
		return sess.EnergyConsumed, math.Min(sess.FinalAmount, sess.AmountReserved)
	}
	energyKwh := float64(meterEnd-*sess.MeterStart) / 1000.0
	if energyKwh < 0 {
		energyKwh = 0
	}
	return energyKwh, p.charge(ctx, sess, energyKwh)
}

func (p *EventProcessor) notifySession(sess *models.ChargingSession, eventType string, data map[string]any) {
	if sess.CustomerId != nil {
		p.Notify.PublishTo(*sess.CustomerId, eventType, data)
		return
	}
	p.Notify.Publish(eventType, data)
}

// mapChargerStatus coarsens the OCPP status vocabulary for UI consumption.
func mapChargerStatus(s string) string {
	switch s {
	case "Charging":
		return models.ChargerCharging
	case "Available":
		return models.ChargerAvailable
	case "Finishing", "Preparing":
		return models.ChargerOccupied
	case "Faulted":
		return models.ChargerFaulted
	default:
		return models.ChargerOccupied
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
