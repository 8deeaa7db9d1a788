package liveness

import (
	"math"

	"meshprobe/internal/model"
)

// HistoryCapacity is how many samples are kept per node.
const HistoryCapacity = 100

// History is a bounded FIFO of probe samples for one node with statistics
// over the successful ones.
type History struct {
	NodeID       string                `json:"node_id"`
	Samples      []model.LatencySample `json:"samples"`
	AvgLatencyMs *float64              `json:"avg_latency_ms"`
	MinLatencyMs *float64              `json:"min_latency_ms"`
	MaxLatencyMs *float64              `json:"max_latency_ms"`
}

func NewHistory(nodeID string) *History {
	return &History{NodeID: nodeID, Samples: make([]model.LatencySample, 0, HistoryCapacity)}
}

// Add appends s, dropping the oldest sample at capacity, and recomputes the
// statistics.
func (h *History) Add(s model.LatencySample) {
	if len(h.Samples) >= HistoryCapacity {
		copy(h.Samples, h.Samples[1:])
		h.Samples = h.Samples[:len(h.Samples)-1]
	}
	h.Samples = append(h.Samples, s)
	h.recompute()
}

// Last returns the newest sample.
func (h *History) Last() (model.LatencySample, bool) {
	if len(h.Samples) == 0 {
		return model.LatencySample{}, false
	}
	return h.Samples[len(h.Samples)-1], true
}

// Clone returns a deep copy safe to hand outside the service lock.
func (h *History) Clone() History {
	out := History{NodeID: h.NodeID, Samples: make([]model.LatencySample, len(h.Samples))}
	for i, s := range h.Samples {
		if s.LatencyMs != nil {
			v := *s.LatencyMs
			s.LatencyMs = &v
		}
		out.Samples[i] = s
	}
	out.AvgLatencyMs = copyFloat(h.AvgLatencyMs)
	out.MinLatencyMs = copyFloat(h.MinLatencyMs)
	out.MaxLatencyMs = copyFloat(h.MaxLatencyMs)
	return out
}

func (h *History) recompute() {
	var sum float64
	n := 0
	minV, maxV := math.Inf(1), math.Inf(-1)
	for _, s := range h.Samples {
		if s.LatencyMs == nil {
			continue
		}
		v := *s.LatencyMs
		sum += v
		n++
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	if n == 0 {
		h.AvgLatencyMs, h.MinLatencyMs, h.MaxLatencyMs = nil, nil, nil
		return
	}
	avg := sum / float64(n)
	h.AvgLatencyMs, h.MinLatencyMs, h.MaxLatencyMs = &avg, &minV, &maxV
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
