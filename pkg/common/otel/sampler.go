package otel

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// endpointExcluder skips sampling for spans whose name matches an excluded
// route (health and readiness probes) and applies probability-based sampling
// for everything else.
type endpointExcluder struct {
	excluded map[string]struct{}
	sampler  sdktrace.Sampler
}

func newEndpointExcluder(excluded map[string]struct{}, probability float64) endpointExcluder {
	return endpointExcluder{
		excluded: excluded,
		sampler:  sdktrace.TraceIDRatioBased(probability),
	}
}

// ShouldSample implements the sdktrace.Sampler interface.
func (e endpointExcluder) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if _, ok := e.excluded[params.Name]; ok {
		return sdktrace.SamplingResult{Decision: sdktrace.Drop}
	}
	return e.sampler.ShouldSample(params)
}

// Description implements the sdktrace.Sampler interface.
func (e endpointExcluder) Description() string { return "endpointExcluder" }
