// Package api implements the HTTP REST API and Prometheus metrics endpoint.
package api

import "time"

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime      string `json:"uptime"`
	Driver      string `json:"driver"`
	Shards      int    `json:"shards"`
	Classifiers int    `json:"classifiers"`
	Active      uint64 `json:"active"`
	EventsTotal uint64 `json:"events_total"`
}

// FlowEntry is one flow table entry as served by /api/v1/flows.
type FlowEntry struct {
	Shard        int       `json:"shard"`
	Protocol     string    `json:"protocol"`
	SrcAddr      string    `json:"src"`
	DstAddr      string    `json:"dst"`
	InPort       uint16    `json:"in_port"`
	OutPort      uint16    `json:"out_port"`
	HairpinQueue uint16    `json:"hairpin_queue"`
	HairpinCount uint16    `json:"hairpin_count"`
	State        string    `json:"state"`
	Handle       string    `json:"handle"`
	Installed    time.Time `json:"installed"`
	Packets      uint64    `json:"packets"`
	Bytes        uint64    `json:"bytes"`
	IdleSeconds  float64   `json:"idle_seconds"`
}

// FlowsResponse lists one shard's flows.
type FlowsResponse struct {
	Shard int         `json:"shard"`
	Count int         `json:"count"`
	Flows []FlowEntry `json:"flows"`
}

// RemoveFlowRequest is the body of POST /api/v1/flows/remove.
type RemoveFlowRequest struct {
	Protocol string `json:"protocol"` // "tcp" or "udp"
	Src      string `json:"src"`      // "10.0.0.1:1234"
	Dst      string `json:"dst"`
}

// RemoveFlowResponse reports where a removal was queued.
type RemoveFlowResponse struct {
	Shard  int  `json:"shard"`
	Queued bool `json:"queued"`
}
