package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/neostellar/tracker/internal/telemetry"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
