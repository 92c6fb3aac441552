package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all scheduler metric instruments.
type Metrics struct {
	ClaimsWon        metric.Int64Counter
	ClaimConflicts   metric.Int64Counter
	SpawnsAccepted   metric.Int64Counter
	SpawnsRejected   metric.Int64Counter
	OrphansRecovered metric.Int64Counter
	StuckReleased    metric.Int64Counter
	Escalations      metric.Int64Counter
	ActiveSessions   metric.Int64UpDownCounter
	SpawnQueueWait   metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ClaimsWon, err = meter.Int64Counter("drover.claims.won",
		metric.WithDescription("Tasks claimed out of the queued lane"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimConflicts, err = meter.Int64Counter("drover.claims.conflicts",
		metric.WithDescription("Claim attempts dropped because another decision won the race"),
	)
	if err != nil {
		return nil, err
	}

	m.SpawnsAccepted, err = meter.Int64Counter("drover.spawns.accepted",
		metric.WithDescription("Spawn invocations accepted by the substrate"),
	)
	if err != nil {
		return nil, err
	}

	m.SpawnsRejected, err = meter.Int64Counter("drover.spawns.rejected",
		metric.WithDescription("Spawn invocations rejected or failed"),
	)
	if err != nil {
		return nil, err
	}

	m.OrphansRecovered, err = meter.Int64Counter("drover.orphans.recovered",
		metric.WithDescription("Active sessions force-completed after vanishing from the substrate"),
	)
	if err != nil {
		return nil, err
	}

	m.StuckReleased, err = meter.Int64Counter("drover.stuck.released",
		metric.WithDescription("Tasks released from a stale working-lane claim"),
	)
	if err != nil {
		return nil, err
	}

	m.Escalations, err = meter.Int64Counter("drover.spawns.escalations",
		metric.WithDescription("Tasks moved to blocked after exhausting spawn retries"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("drover.sessions.active",
		metric.WithDescription("Currently active registry entries"),
	)
	if err != nil {
		return nil, err
	}

	m.SpawnQueueWait, err = meter.Float64Histogram("drover.spawnqueue.wait",
		metric.WithDescription("Time a spawn request waits in the serialized queue"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
