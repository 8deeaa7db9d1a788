package metrics

import (
	"math"
	"sort"
	"time"

	"meshprobe/internal/model"
)

// Summary is a basic statistics snapshot. Latency figures come from
// successful samples only; timed-out samples count towards LossPct.
type Summary struct {
	Count        int       `json:"count"`
	Replies      int       `json:"replies"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	P95LatencyMs float64   `json:"p95_latency_ms"`
	MinLatencyMs float64   `json:"min_latency_ms"`
	MaxLatencyMs float64   `json:"max_latency_ms"`
	LossPct      float64   `json:"loss_pct"`
}

// Summarize computes summary metrics for items at or after since.
func Summarize(items []model.LatencySample, since time.Time) Summary {
	filtered := make([]model.LatencySample, 0, len(items))
	for _, s := range items {
		if !s.Timestamp.Before(since) {
			filtered = append(filtered, s)
		}
	}

	if len(filtered) == 0 {
		return Summary{Count: 0}
	}

	values := make([]float64, 0, len(filtered))
	var sum float64
	minV := math.MaxFloat64
	maxV := 0.0
	from := filtered[0].Timestamp
	to := filtered[0].Timestamp

	for _, s := range filtered {
		if s.Timestamp.Before(from) {
			from = s.Timestamp
		}
		if s.Timestamp.After(to) {
			to = s.Timestamp
		}
		if s.LatencyMs == nil {
			continue
		}
		v := *s.LatencyMs
		values = append(values, v)
		sum += v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}

	out := Summary{
		Count:   len(filtered),
		Replies: len(values),
		From:    from,
		To:      to,
		LossPct: 100 * float64(len(filtered)-len(values)) / float64(len(filtered)),
	}
	if len(values) == 0 {
		return out
	}
	sort.Float64s(values)
	out.AvgLatencyMs = sum / float64(len(values))
	out.P95LatencyMs = percentile(values, 0.95)
	out.MinLatencyMs = minV
	out.MaxLatencyMs = maxV
	return out
}

// SummarizeByNode groups items by node id and summarizes each group.
func SummarizeByNode(items []model.LatencySample, since time.Time) map[string]Summary {
	groups := map[string][]model.LatencySample{}
	for _, s := range items {
		groups[s.NodeID] = append(groups[s.NodeID], s)
	}
	out := make(map[string]Summary, len(groups))
	for id, g := range groups {
		if s := Summarize(g, since); s.Count > 0 {
			out[id] = s
		}
	}
	return out
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
