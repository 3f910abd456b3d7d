package aggregator

import (
	"mercator-hq/callisto/pkg/trace"
)

// durationThresholds holds the fast/slow boundaries (milliseconds) for one
// family of event types. Durations at or below Fast are "fast", above Slow
// are "slow", everything between is "medium".
type durationThresholds struct {
	Fast float64
	Slow float64
}

// thresholdsFor picks type-specific boundaries. Network round-trips to a
// provider are expected to take seconds; local file operations are not.
func thresholdsFor(t trace.Type) durationThresholds {
	switch {
	case isConnectType(t):
		return durationThresholds{Fast: 200, Slow: 1000}
	case isHTTPType(t):
		return durationThresholds{Fast: 500, Slow: 3000}
	case isFileType(t):
		return durationThresholds{Fast: 50, Slow: 500}
	case isToolType(t), t == trace.TypeBashCommand:
		return durationThresholds{Fast: 1000, Slow: 10000}
	default:
		return durationThresholds{Fast: 100, Slow: 1000}
	}
}

// enrichPerformance attaches category, percentile and trend to events that
// carry a duration. Derived metrics are a pure function of the base
// durations seen so far, evaluated in two phases: record, then compute.
func (a *Aggregator) enrichPerformance(e *trace.Event) {
	duration, ok := e.DurationMs()
	if !ok {
		return
	}

	history := a.index.recordDuration(e.Type, duration)

	thresholds := thresholdsFor(e.Type)
	category := "medium"
	switch {
	case duration <= thresholds.Fast:
		category = "fast"
	case duration > thresholds.Slow:
		category = "slow"
	}

	e.Performance = &trace.Performance{
		DurationMs: duration,
		Category:   category,
		Percentile: percentile(history, duration),
		Trend:      trend(history, a.config.TrendSamples),
	}
}

// recordDuration appends a duration to the per-type series and returns the
// series including the new sample.
func (ix *eventIndex) recordDuration(t trace.Type, d float64) []float64 {
	if ix.durations == nil {
		ix.durations = make(map[trace.Type][]float64)
	}
	ix.durations[t] = append(ix.durations[t], d)
	return ix.durations[t]
}

// percentile is the share of samples less than or equal to d, in [0, 100].
func percentile(samples []float64, d float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	le := 0
	for _, s := range samples {
		if s <= d {
			le++
		}
	}
	return 100 * float64(le) / float64(len(samples))
}

// trend compares the older and newer halves of the last n samples. A
// newer-half mean under 80% of the older half reads as improving, over
// 120% as degrading.
func trend(samples []float64, n int) string {
	if len(samples) > n {
		samples = samples[len(samples)-n:]
	}
	if len(samples) < 4 {
		return "stable"
	}

	mid := len(samples) / 2
	older := mean(samples[:mid])
	newer := mean(samples[mid:])
	if older == 0 {
		return "stable"
	}

	ratio := newer / older
	switch {
	case ratio < 0.8:
		return "improving"
	case ratio > 1.2:
		return "degrading"
	default:
		return "stable"
	}
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}
