package ocpp

import (
	"encoding/json"
	"strconv"
	"time"
)

// Action names handled by the pipeline.
const (
	ActionBootNotification       = "BootNotification"
	ActionHeartbeat              = "Heartbeat"
	ActionStatusNotification     = "StatusNotification"
	ActionStartTransaction       = "StartTransaction"
	ActionStopTransaction        = "StopTransaction"
	ActionMeterValues            = "MeterValues"
	ActionRemoteStartTransaction = "RemoteStartTransaction"
	ActionRemoteStopTransaction  = "RemoteStopTransaction"
)

// MeasurandEnergyRegister is the cumulative import register sampled by
// MeterValues; the only measurand the session accounting consumes.
const MeasurandEnergyRegister = "Energy.Active.Import.Register"

type BootNotification struct {
	ChargePointVendor       string `json:"chargePointVendor"`
	ChargePointModel        string `json:"chargePointModel"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber"`
	FirmwareVersion         string `json:"firmwareVersion"`
}

type StatusNotification struct {
	ConnectorId int    `json:"connectorId"`
	Status      string `json:"status"`
	ErrorCode   string `json:"errorCode"`
	Info        string `json:"info,omitempty"`
}

type StartTransaction struct {
	ConnectorId   int       `json:"connectorId"`
	IdTag         string    `json:"idTag"`
	MeterStart    int64     `json:"meterStart"`
	Timestamp     time.Time `json:"timestamp"`
	TransactionId *int      `json:"transactionId,omitempty"`
}

type StopTransaction struct {
	TransactionId int       `json:"transactionId"`
	IdTag         string    `json:"idTag,omitempty"`
	MeterStop     int64     `json:"meterStop"`
	Timestamp     time.Time `json:"timestamp"`
	Reason        string    `json:"reason,omitempty"`
}

type SampledValue struct {
	Value     string `json:"value"`
	Measurand string `json:"measurand,omitempty"`
	Unit      string `json:"unit,omitempty"`
	Context   string `json:"context,omitempty"`
}

type MeterValue struct {
	Timestamp    time.Time      `json:"timestamp"`
	SampledValue []SampledValue `json:"sampledValue"`
}

type MeterValues struct {
	ConnectorId   int          `json:"connectorId"`
	TransactionId *int         `json:"transactionId,omitempty"`
	MeterValue    []MeterValue `json:"meterValue"`
}

// EnergyRegisterWh returns the most recent Energy.Active.Import.Register
// sample in Wh. Values with unit kWh are converted; unmarked units are
// assumed to already be Wh per OCPP 1.6 defaults.
func (m MeterValues) EnergyRegisterWh() (int64, bool) {
	var (
		best   int64
		bestAt time.Time
		found  bool
	)
	for _, mv := range m.MeterValue {
		for _, sv := range mv.SampledValue {
			if sv.Measurand != "" && sv.Measurand != MeasurandEnergyRegister {
				continue
			}
			v, err := strconv.ParseFloat(sv.Value, 64)
			if err != nil {
				continue
			}
			if sv.Unit == "kWh" {
				v *= 1000
			}
			if !found || mv.Timestamp.After(bestAt) {
				best = int64(v)
				bestAt = mv.Timestamp
				found = true
			}
		}
	}
	return best, found
}

type RemoteStartTransaction struct {
	ConnectorId int    `json:"connectorId"`
	IdTag       string `json:"idTag"`
}

type RemoteStopTransaction struct {
	TransactionId int `json:"transactionId"`
}

// RemoteCommandResponse is the CALL_RESULT payload for both remote start
// and remote stop commands.
type RemoteCommandResponse struct {
	Status string `json:"status"` // Accepted | Rejected
}

type StartTransactionResponse struct {
	TransactionId int `json:"transactionId"`
	IdTagInfo     struct {
		Status string `json:"status"`
	} `json:"idTagInfo"`
}

// ConnectorOf extracts the connectorId for a known action payload,
// returning 0 (the station itself) when the action carries none.
func ConnectorOf(action string, payload json.RawMessage) int {
	switch action {
	case ActionStatusNotification:
		var p StatusNotification
		if json.Unmarshal(payload, &p) == nil {
			return p.ConnectorId
		}
	case ActionStartTransaction:
		var p StartTransaction
		if json.Unmarshal(payload, &p) == nil {
			return p.ConnectorId
		}
	case ActionMeterValues:
		var p MeterValues
		if json.Unmarshal(payload, &p) == nil {
			return p.ConnectorId
		}
	case ActionRemoteStartTransaction:
		var p RemoteStartTransaction
		if json.Unmarshal(payload, &p) == nil {
			return p.ConnectorId
		}
	}
	return 0
}

// TransactionOf extracts the transactionId for a known action payload.
func TransactionOf(action string, payload json.RawMessage) *int {
	switch action {
	case ActionStartTransaction:
		var p StartTransaction
		if json.Unmarshal(payload, &p) == nil {
			return p.TransactionId
		}
	case ActionStopTransaction:
		var p StopTransaction
		if json.Unmarshal(payload, &p) == nil && p.TransactionId != 0 {
			id := p.TransactionId
			return &id
		}
	case ActionMeterValues:
		var p MeterValues
		if json.Unmarshal(payload, &p) == nil {
			return p.TransactionId
		}
	case ActionRemoteStopTransaction:
		var p RemoteStopTransaction
		if json.Unmarshal(payload, &p) == nil && p.TransactionId != 0 {
			id := p.TransactionId
			return &id
		}
	}
	return nil
}
