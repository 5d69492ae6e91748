package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"csms/internal/cache"
	"csms/internal/config"
	"csms/internal/notify"
	"csms/internal/repo"
	"csms/internal/services"

	"github.com/go-chi/chi/v5"
)

type Server struct {
	Cfg        config.Config
	Devices    *repo.DevicesRepo
	Sessions   *repo.SessionsRepo
	Wallets    *repo.WalletsRepo
	Events     *repo.EventsRepo
	Cache      *cache.Cache
	Reconciler *services.Reconciler
	Commands   *services.CommandService
	Hub        *notify.Hub
}

func NewServer(cfg config.Config, devices *repo.DevicesRepo, sessions *repo.SessionsRepo,
	wallets *repo.WalletsRepo, events *repo.EventsRepo, c *cache.Cache,
	reconciler *services.Reconciler, commands *services.CommandService, hub *notify.Hub) *Server {
	return &Server{
		Cfg:        cfg,
		Devices:    devices,
		Sessions:   sessions,
		Wallets:    wallets,
		Events:     events,
		Cache:      c,
		Reconciler: reconciler,
		Commands:   commands,
		Hub:        hub,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/v1/devices/{deviceId}", s.GetDevice)
	r.Get("/v1/devices/{deviceId}/status", s.GetDeviceStatus)
	r.Get("/v1/devices/{deviceId}/events", s.ListRecentEvents)
	r.Get("/v1/devices/{deviceId}/sessions", s.ListSessionsByDevice)
	r.Get("/v1/devices/{deviceId}/connectors/{connectorId}/active", s.GetActiveTransaction)
	r.Post("/v1/devices/{deviceId}/connectors/{connectorId}/start", s.StartCharging)
	r.Post("/v1/devices/{deviceId}/connectors/{connectorId}/stop", s.StopCharging)

	r.Get("/v1/sessions/{sessionId}", s.GetSession)
	r.Get("/v1/customers/{customerId}/wallet", s.GetWallet)
	r.Get("/v1/customers/{customerId}/transactions", s.ListWalletTransactions)

	r.Get("/v1/ws", s.AttachWebsocket)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}

func (s *Server) GetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceId")
	dev, err := s.Devices.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if dev == nil {
		http.NotFound(w, r)
		return
	}
	online := dev.LastSeenAt != nil && time.Since(*dev.LastSeenAt) <= s.Cfg.OfflineThreshold
	writeJSON(w, map[string]any{
		"deviceId":        dev.DeviceId,
		"vendor":          dev.Vendor,
		"model":           dev.Model,
		"serialNumber":    dev.SerialNumber,
		"firmwareVersion": dev.FirmwareVersion,
		"ocppVersion":     dev.OcppVersion,
		"lastSeenAt":      dev.LastSeenAt,
		"online":          online,
	})
}

// GetDeviceStatus serves the cache projection. A miss means the last-known
// state expired; the device is reported unknown, not offline.
func (s *Server) GetDeviceStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceId")
	st, ok := s.Cache.GetStatus(r.Context(), id)
	if !ok {
		writeJSON(w, map[string]any{"deviceId": id, "status": "Unknown"})
		return
	}
	resp := map[string]any{"deviceId": id, "status": st.Status, "lastSeen": st.LastSeen}
	if st.ErrorCode != "" {
		resp["errorCode"] = st.ErrorCode
	}
	if meter, ts, ok := s.Cache.GetMeter(r.Context(), id); ok {
		resp["meter"] = meter
		resp["meterTimestamp"] = ts
	}
	writeJSON(w, resp)
}

// ListRecentEvents serves the capped cache list, falling back to the ledger
// when the list is empty (cold cache, quiet device).
func (s *Server) ListRecentEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceId")
	limit := queryInt(r, "limit", 50)

	if items := s.Cache.RecentEvents(r.Context(), id, limit); len(items) > 0 {
		writeJSON(w, items)
		return
	}
	events, err := s.Events.ListRecentByDevice(r.Context(), id, limit)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		out = append(out, map[string]any{
			"messageType":   e.MessageType,
			"connectorId":   e.ConnectorId,
			"direction":     e.Direction,
			"transactionId": e.TransactionId,
			"timestamp":     e.Timestamp,
		})
	}
	writeJSON(w, out)
}

func (s *Server) GetActiveTransaction(w http.ResponseWriter, r *http.Request) {
	deviceId := chi.URLParam(r, "deviceId")
	connectorId, err := strconv.Atoi(chi.URLParam(r, "connectorId"))
	if err != nil {
		http.Error(w, "invalid connectorId", http.StatusBadRequest)
		return
	}
	writeJSON(w, s.Reconciler.Reconcile(r.Context(), deviceId, connectorId))
}

type startReq struct {
	CustomerId     *string `json:"customerId"`
	AmountReserved float64 `json:"amountReserved"`
}

func (s *Server) StartCharging(w http.ResponseWriter, r *http.Request) {
	deviceId := chi.URLParam(r, "deviceId")
	connectorId, err := strconv.Atoi(chi.URLParam(r, "connectorId"))
	if err != nil {
		http.Error(w, "invalid connectorId", http.StatusBadRequest)
		return
	}
	var req startReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	sess, err := s.Commands.StartCharging(r.Context(), req.CustomerId, deviceId, connectorId, req.AmountReserved)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, sess)
	case isConflict(err):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func (s *Server) StopCharging(w http.ResponseWriter, r *http.Request) {
	deviceId := chi.URLParam(r, "deviceId")
	connectorId, err := strconv.Atoi(chi.URLParam(r, "connectorId"))
	if err != nil {
		http.Error(w, "invalid connectorId", http.StatusBadRequest)
		return
	}
	act, err := s.Commands.StopCharging(r.Context(), deviceId, connectorId)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, act)
	case isConflict(err):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	sess, err := s.Sessions.GetByID(r.Context(), id)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if sess == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, sess)
}

func (s *Server) ListSessionsByDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceId")
	items, err := s.Sessions.ListByDevice(r.Context(), id, queryInt(r, "limit", 50))
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, items)
}

func (s *Server) GetWallet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "customerId")
	balance, err := s.Wallets.Balance(r.Context(), id)
	if err != nil {
		http.Error(w, "wallet not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"customerId": id, "balance": balance})
}

func (s *Server) ListWalletTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "customerId")
	items, err := s.Wallets.ListTransactions(r.Context(), id, queryInt(r, "limit", 50))
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, items)
}

// AttachWebsocket registers a UI push channel; an optional customerId scopes
// targeted notifications.
func (s *Server) AttachWebsocket(w http.ResponseWriter, r *http.Request) {
	s.Hub.Serve(w, r, r.URL.Query().Get("customerId"))
}

func isConflict(err error) bool {
	return err == repo.ErrSessionExists ||
		err == services.ErrConnectorBusy ||
		err == services.ErrNoActiveTransaction ||
		err == repo.ErrInsufficientBalance
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
