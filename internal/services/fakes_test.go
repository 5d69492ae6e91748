package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"csms/internal/models"
	"csms/internal/pending"

	"github.com/sirupsen/logrus"
)

// In-memory collaborators mirroring the repo layer's query semantics.

type fakeLedger struct {
	mu     sync.Mutex
	events []models.ProtocolEvent
	err    error // returned by every query when set
}

func (l *fakeLedger) Insert(_ context.Context, e models.ProtocolEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	e.Id = int64(len(l.events) + 1)
	l.events = append(l.events, e)
	return nil
}

func (l *fakeLedger) Exists(_ context.Context, deviceId, correlationId, messageType, direction string) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	if correlationId == "" {
		return false, nil
	}
	for _, e := range l.events {
		if e.DeviceId == deviceId && e.CorrelationId == correlationId &&
			e.MessageType == messageType && e.Direction == direction {
			return true, nil
		}
	}
	return false, nil
}

func (l *fakeLedger) ExistsWithin(_ context.Context, deviceId, messageType, direction string, since time.Time) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	for _, e := range l.events {
		if e.DeviceId == deviceId && e.MessageType == messageType && e.Direction == direction &&
			!e.Timestamp.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (l *fakeLedger) ExistsByTransactionWithin(_ context.Context, deviceId, messageType string, transactionId int, since time.Time) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	for _, e := range l.events {
		if e.DeviceId == deviceId && e.MessageType == messageType && e.Direction == models.DirectionIncoming &&
			e.TransactionId != nil && *e.TransactionId == transactionId && !e.Timestamp.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (l *fakeLedger) latest(match func(models.ProtocolEvent) bool) *models.ProtocolEvent {
	for i := len(l.events) - 1; i >= 0; i-- {
		if match(l.events[i]) {
			e := l.events[i]
			return &e
		}
	}
	return nil
}

func (l *fakeLedger) LatestIncoming(_ context.Context, deviceId string, connectorId int, messageType string) (*models.ProtocolEvent, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.latest(func(e models.ProtocolEvent) bool {
		return e.DeviceId == deviceId && e.ConnectorId == connectorId &&
			e.MessageType == messageType && e.Direction == models.DirectionIncoming
	}), nil
}

func (l *fakeLedger) LatestIncomingSince(_ context.Context, deviceId string, connectorId int, messageType string, since time.Time) (*models.ProtocolEvent, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.latest(func(e models.ProtocolEvent) bool {
		return e.DeviceId == deviceId && e.ConnectorId == connectorId &&
			e.MessageType == messageType && e.Direction == models.DirectionIncoming &&
			!e.Timestamp.Before(since)
	}), nil
}

func (l *fakeLedger) LatestStartByTransaction(_ context.Context, deviceId string, transactionId int) (*models.ProtocolEvent, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.latest(func(e models.ProtocolEvent) bool {
		return e.DeviceId == deviceId && e.MessageType == "StartTransaction" &&
			e.Direction == models.DirectionIncoming &&
			e.TransactionId != nil && *e.TransactionId == transactionId
	}), nil
}

func (l *fakeLedger) FindResponse(_ context.Context, deviceId, correlationId string) (*models.ProtocolEvent, error) {
	if l.err != nil {
		return nil, l.err
	}
	if correlationId == "" {
		return nil, nil
	}
	return l.latest(func(e models.ProtocolEvent) bool {
		return e.DeviceId == deviceId && e.CorrelationId == correlationId && e.MessageType == "Response"
	}), nil
}

func (l *fakeLedger) StopAfter(_ context.Context, deviceId string, connectorId int, after time.Time, transactionId *int) (*models.ProtocolEvent, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.latest(func(e models.ProtocolEvent) bool {
		if e.DeviceId != deviceId || e.ConnectorId != connectorId ||
			e.MessageType != "StopTransaction" || e.Direction != models.DirectionIncoming ||
			!e.Timestamp.After(after) {
			return false
		}
		return transactionId == nil || e.TransactionId == nil || *e.TransactionId == *transactionId
	}), nil
}

func (l *fakeLedger) LatestMeterAfter(_ context.Context, deviceId string, connectorId int, after time.Time) (*models.ProtocolEvent, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.latest(func(e models.ProtocolEvent) bool {
		return e.DeviceId == deviceId && e.ConnectorId == connectorId &&
			e.MessageType == "MeterValues" && e.Direction == models.DirectionIncoming &&
			e.Timestamp.After(after)
	}), nil
}

func (l *fakeLedger) FirstMeterAfter(_ context.Context, deviceId string, connectorId int, after time.Time) (*models.ProtocolEvent, error) {
	if l.err != nil {
		return nil, l.err
	}
	for _, e := range l.events {
		if e.DeviceId == deviceId && e.ConnectorId == connectorId &&
			e.MessageType == "MeterValues" && e.Direction == models.DirectionIncoming &&
			e.Timestamp.After(after) {
			cp := e
			return &cp, nil
		}
	}
	return nil, nil
}

func (l *fakeLedger) count(messageType, direction string) int {
	var n int
	for _, e := range l.events {
		if e.MessageType == messageType && e.Direction == direction {
			n++
		}
	}
	return n
}

var errOpenSessionExists = errors.New("open session already exists")

type fakeSessions struct {
	mu   sync.Mutex
	byId map[string]*models.ChargingSession
	err  error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{byId: map[string]*models.ChargingSession{}}
}

func (s *fakeSessions) add(sess models.ChargingSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := sess
	s.byId[sess.SessionId] = &cp
}

func (s *fakeSessions) Create(_ context.Context, sess models.ChargingSession) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	for _, existing := range s.byId {
		if existing.DeviceId == sess.DeviceId && existing.ConnectorId == sess.ConnectorId && existing.Open() {
			return "", errOpenSessionExists
		}
	}
	cp := sess
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.byId[sess.SessionId] = &cp
	return sess.SessionId, nil
}

func (s *fakeSessions) GetByID(_ context.Context, sessionId string) (*models.ChargingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	sess, ok := s.byId[sessionId]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *fakeSessions) FindOpenByConnector(_ context.Context, deviceId string, connectorId int) (*models.ChargingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for _, sess := range s.byId {
		if sess.DeviceId == deviceId && sess.ConnectorId == connectorId && sess.Open() {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeSessions) FindByTransaction(_ context.Context, deviceId string, transactionId int) (*models.ChargingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for _, sess := range s.byId {
		if sess.DeviceId == deviceId && sess.TransactionId != nil && *sess.TransactionId == transactionId {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeSessions) Activate(_ context.Context, sessionId string, transactionId *int, startTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	sess, ok := s.byId[sessionId]
	if !ok || !sess.Open() {
		return nil
	}
	sess.Status = models.SessionActive
	if transactionId != nil {
		sess.TransactionId = transactionId
	}
	if sess.StartTime == nil {
		t := startTime
		sess.StartTime = &t
	}
	return nil
}

func (s *fakeSessions) UpdateMeter(_ context.Context, sessionId string, meterStart *int64, meterEnd int64, energyKwh, finalAmount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	sess, ok := s.byId[sessionId]
	if !ok {
		return nil
	}
	if sess.MeterStart == nil && meterStart != nil {
		sess.MeterStart = meterStart
	}
	sess.MeterEnd = &meterEnd
	sess.EnergyConsumed = energyKwh
	sess.FinalAmount = finalAmount
	return nil
}

func (s *fakeSessions) Complete(_ context.Context, sessionId string, endTime time.Time, meterEnd *int64, energyKwh, finalAmount float64, reason *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	sess, ok := s.byId[sessionId]
	if !ok {
		return nil
	}
	sess.Status = models.SessionCompleted
	sess.EndTime = &endTime
	if meterEnd != nil {
		sess.MeterEnd = meterEnd
	}
	sess.EnergyConsumed = energyKwh
	sess.FinalAmount = finalAmount
	sess.StopReason = reason
	return nil
}

func (s *fakeSessions) Fail(_ context.Context, sessionId string, refundAmount float64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	sess, ok := s.byId[sessionId]
	if !ok {
		return nil
	}
	sess.Status = models.SessionFailed
	sess.RefundAmount = refundAmount
	sess.StopReason = &reason
	return nil
}

func (s *fakeSessions) get(sessionId string) models.ChargingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.byId[sessionId]
}

type fakeWallet struct {
	mu        sync.Mutex
	balances  map[string]float64
	refunds   map[string]int // referenceId -> count applied
	debits    map[string]int
	debitErr  error
	refundErr error
}

func newFakeWallet(balances map[string]float64) *fakeWallet {
	if balances == nil {
		balances = map[string]float64{}
	}
	return &fakeWallet{balances: balances, refunds: map[string]int{}, debits: map[string]int{}}
}

func (w *fakeWallet) Debit(_ context.Context, customerId string, amount float64, referenceId string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debitErr != nil {
		return w.debitErr
	}
	if w.balances[customerId] < amount {
		return errors.New("insufficient wallet balance")
	}
	w.balances[customerId] -= amount
	w.debits[referenceId]++
	return nil
}

func (w *fakeWallet) Refund(_ context.Context, customerId string, amount float64, referenceId string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.refundErr != nil {
		return w.refundErr
	}
	if w.refunds[referenceId] > 0 {
		return nil // idempotent per reference
	}
	w.balances[customerId] += amount
	w.refunds[referenceId]++
	return nil
}

type fakeDevices struct {
	mu      sync.Mutex
	devices map[string]*models.Device
	touched int
}

func newFakeDevices(ids ...string) *fakeDevices {
	d := &fakeDevices{devices: map[string]*models.Device{}}
	for _, id := range ids {
		d.devices[id] = &models.Device{DeviceId: id}
	}
	return d
}

func (d *fakeDevices) Get(_ context.Context, deviceId string) (*models.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[deviceId]
	if !ok {
		return nil, nil
	}
	cp := *dev
	return &cp, nil
}

func (d *fakeDevices) CreateOrFetch(_ context.Context, deviceId string) (*models.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[deviceId]
	if !ok {
		dev = &models.Device{DeviceId: deviceId}
		d.devices[deviceId] = dev
	}
	cp := *dev
	return &cp, nil
}

func (d *fakeDevices) FillMetadata(_ context.Context, deviceId string, meta models.DeviceMetadata) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[deviceId]
	if !ok {
		return nil
	}
	if dev.Vendor == "" {
		dev.Vendor = meta.Vendor
	}
	if dev.Model == "" {
		dev.Model = meta.Model
	}
	if dev.SerialNumber == "" {
		dev.SerialNumber = meta.SerialNumber
	}
	if dev.FirmwareVersion == "" {
		dev.FirmwareVersion = meta.FirmwareVersion
	}
	return nil
}

func (d *fakeDevices) TouchLastSeen(_ context.Context, deviceId string, t time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.touched++
	if dev, ok := d.devices[deviceId]; ok {
		dev.LastSeenAt = &t
	}
	return nil
}

type fakeTariffs struct {
	tariff *models.Tariff
	err    error
}

func (t *fakeTariffs) ActiveForDevice(_ context.Context, _ string) (*models.Tariff, error) {
	return t.tariff, t.err
}

type fakeCache struct {
	mu         sync.Mutex
	statuses   map[string]models.DeviceStatus
	meters     map[string]int64
	heartbeats map[string]time.Time
	events     int
	frames     int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		statuses:   map[string]models.DeviceStatus{},
		meters:     map[string]int64{},
		heartbeats: map[string]time.Time{},
	}
}

func (c *fakeCache) SetStatus(_ context.Context, deviceId string, st models.DeviceStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[deviceId] = st
}

func (c *fakeCache) SetMeter(_ context.Context, deviceId string, meterWh int64, _ time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meters[deviceId] = meterWh
}

func (c *fakeCache) SetHeartbeat(_ context.Context, deviceId string, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeats[deviceId] = ts
}

func (c *fakeCache) PushEvent(_ context.Context, _ string, _ any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events++
}

func (c *fakeCache) PushFrame(_ context.Context, _ string, _ []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames++
}

func (c *fakeCache) status(deviceId string) (models.DeviceStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.statuses[deviceId]
	return st, ok
}

type notification struct {
	customerId string
	eventType  string
	data       any
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []notification
}

func (n *fakeNotifier) Publish(eventType string, data any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, notification{eventType: eventType, data: data})
}

func (n *fakeNotifier) PublishTo(customerId, eventType string, data any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, notification{customerId: customerId, eventType: eventType, data: data})
}

func (n *fakeNotifier) byType(eventType string) []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notification
	for _, note := range n.notes {
		if note.eventType == eventType {
			out = append(out, note)
		}
	}
	return out
}

type fakeGateway struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (g *fakeGateway) SendFrame(_ context.Context, _ string, frame []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.frames = append(g.frames, frame)
	return nil
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newPendingTable() *pending.Table {
	return pending.NewTable(5 * time.Minute)
}

func intPtr(v int) *int          { return &v }
func int64Ptr(v int64) *int64    { return &v }
func strPtr(v string) *string    { return &v }
func timePtr(t time.Time) *time.Time { return &t }
