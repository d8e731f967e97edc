package rateloop

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/rollcap/recorder/internal/rateloop"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
