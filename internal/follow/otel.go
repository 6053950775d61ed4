package follow

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/neostellar/tracker/internal/follow"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
