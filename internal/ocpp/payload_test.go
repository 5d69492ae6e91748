package ocpp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnergyRegisterWh(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("latest sample wins", func(t *testing.T) {
		mv := MeterValues{MeterValue: []MeterValue{
			{Timestamp: t0, SampledValue: []SampledValue{{Value: "1200", Measurand: MeasurandEnergyRegister}}},
			{Timestamp: t0.Add(30 * time.Second), SampledValue: []SampledValue{{Value: "1500", Measurand: MeasurandEnergyRegister}}},
		}}
		wh, ok := mv.EnergyRegisterWh()
		require.True(t, ok)
		assert.Equal(t, int64(1500), wh)
	})

	t.Run("kWh converted to Wh", func(t *testing.T) {
		mv := MeterValues{MeterValue: []MeterValue{
			{Timestamp: t0, SampledValue: []SampledValue{{Value: "1.5", Measurand: MeasurandEnergyRegister, Unit: "kWh"}}},
		}}
		wh, ok := mv.EnergyRegisterWh()
		require.True(t, ok)
		assert.Equal(t, int64(1500), wh)
	})

	t.Run("unmarked measurand accepted", func(t *testing.T) {
		mv := MeterValues{MeterValue: []MeterValue{
			{Timestamp: t0, SampledValue: []SampledValue{{Value: "900"}}},
		}}
		wh, ok := mv.EnergyRegisterWh()
		require.True(t, ok)
		assert.Equal(t, int64(900), wh)
	})

	t.Run("other measurands ignored", func(t *testing.T) {
		mv := MeterValues{MeterValue: []MeterValue{
			{Timestamp: t0, SampledValue: []SampledValue{
				{Value: "230", Measurand: "Voltage"},
				{Value: "16", Measurand: "Current.Import"},
			}},
		}}
		_, ok := mv.EnergyRegisterWh()
		assert.False(t, ok)
	})

	t.Run("unparseable value skipped", func(t *testing.T) {
		mv := MeterValues{MeterValue: []MeterValue{
			{Timestamp: t0, SampledValue: []SampledValue{
				{Value: "n/a", Measurand: MeasurandEnergyRegister},
				{Value: "700", Measurand: MeasurandEnergyRegister},
			}},
		}}
		wh, ok := mv.EnergyRegisterWh()
		require.True(t, ok)
		assert.Equal(t, int64(700), wh)
	})
}

func TestConnectorOf(t *testing.T) {
	status := json.RawMessage(`{"connectorId":2,"status":"Charging","errorCode":"NoError"}`)
	assert.Equal(t, 2, ConnectorOf(ActionStatusNotification, status))

	start := json.RawMessage(`{"connectorId":1,"idTag":"x","meterStart":0}`)
	assert.Equal(t, 1, ConnectorOf(ActionStartTransaction, start))

	// StopTransaction carries no connectorId on the wire.
	stop := json.RawMessage(`{"transactionId":5,"meterStop":100}`)
	assert.Equal(t, 0, ConnectorOf(ActionStopTransaction, stop))

	assert.Equal(t, 0, ConnectorOf(ActionHeartbeat, json.RawMessage(`{}`)))
}

func TestTransactionOf(t *testing.T) {
	stop := json.RawMessage(`{"transactionId":42,"meterStop":100}`)
	got := TransactionOf(ActionStopTransaction, stop)
	require.NotNil(t, got)
	assert.Equal(t, 42, *got)

	meter := json.RawMessage(`{"connectorId":1,"transactionId":7,"meterValue":[]}`)
	got = TransactionOf(ActionMeterValues, meter)
	require.NotNil(t, got)
	assert.Equal(t, 7, *got)

	// A start has no id until the central system assigns one.
	start := json.RawMessage(`{"connectorId":1,"idTag":"x","meterStart":0}`)
	assert.Nil(t, TransactionOf(ActionStartTransaction, start))

	assert.Nil(t, TransactionOf(ActionBootNotification, json.RawMessage(`{}`)))
}
