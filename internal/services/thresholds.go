package services

import "time"

// Operational tuning constants, carried over as observed from production.
// They are recency/consistency knobs, not structural invariants.
const (
	// startStaleCeiling is the hard ceiling on how old a ledger
	// StartTransaction may be and still imply activity.
	startStaleCeiling = 2 * time.Hour

	// meterFreshness is the strict window for the meter fallback tier;
	// looser staleness is not trusted without an authoritative session.
	meterFreshness = 5 * time.Minute

	// remoteEchoWindow suppresses duplicate outgoing remote commands fired
	// by racing operator actions, regardless of correlationId.
	remoteEchoWindow = 5 * time.Second

	// transactionEchoWindow suppresses transport re-deliveries of incoming
	// Start/StopTransaction frames that lack a usable correlationId.
	transactionEchoWindow = 2 * time.Second

	// startLookback is how far around session creation the response
	// consumer searches for a compensating StartTransaction when a station
	// begins charging without acknowledging the remote command.
	startLookback = 2 * time.Minute
)
