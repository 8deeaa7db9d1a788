package api

import (
	"net/netip"

	"meshprobe/internal/model"
)

// NodesResponse lists the registry as seen by the answering node.
type NodesResponse struct {
	LocalID string             `json:"local_id"`
	Nodes   []model.NodeRecord `json:"nodes"`
}

// SelfResponse describes the answering node.
type SelfResponse struct {
	ID            string       `json:"id"`
	Hostname      string       `json:"hostname"`
	Version       string       `json:"version"`
	Addresses     []netip.Addr `json:"addresses"`
	DiscoveryPort uint16       `json:"discovery_port"`
	APIPort       uint16       `json:"api_port"`
	KnownNodes    int          `json:"known_nodes"`
	StartedAt     string       `json:"started_at"`
}

// HealthResponse is served on /healthz.
type HealthResponse struct {
	Status     string `json:"status"`
	KnownNodes int    `json:"known_nodes"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
