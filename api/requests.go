package api

import (
	"time"

	"github.com/xraph/haul"
	"github.com/xraph/haul/broadcast"
)

// CreateBroadcastRequest is the body of POST /v1/broadcasts.
type CreateBroadcastRequest struct {
	Pickup       haul.Point            `json:"pickup"`
	Drop         haul.Point            `json:"drop"`
	Vehicle      broadcast.VehicleSpec `json:"vehicle"`
	TrucksNeeded int                   `json:"trucks_needed" validate:"min=1,max=50"`
}

// CreateBroadcastResponse is returned with 201.
type CreateBroadcastResponse struct {
	RequestID    string    `json:"request_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	MatchedCount int       `json:"matched_count"`
}

// AcceptRequest is the body of the accept route. The transporter is the
// caller.
type AcceptRequest struct {
	DriverID  string `json:"driver_id" validate:"required,max=128"`
	VehicleID string `json:"vehicle_id" validate:"required,max=128"`
}

// AcceptResponse is returned to the winning transporter.
type AcceptResponse struct {
	AssignmentID    string `json:"assignment_id"`
	TrucksConfirmed int    `json:"trucks_confirmed"`
	TrucksNeeded    int    `json:"trucks_needed"`
	IsFullyFilled   bool   `json:"is_fully_filled"`
}

// PresenceRequest is the body of PUT /v1/presence.
type PresenceRequest struct {
	Online       bool     `json:"online"`
	Capabilities []string `json:"capabilities,omitempty" validate:"max=16,dive,required,max=128"`
}

// PresenceResponse reports the toggle outcome.
type PresenceResponse struct {
	Online  bool `json:"online"`
	Changed bool `json:"changed"`
}

// HeartbeatRequest is the body of POST /v1/presence/heartbeat.
type HeartbeatRequest struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

// HeartbeatResponse tells the client whether the engine still sees it
// online.
type HeartbeatResponse struct {
	Online bool `json:"online"`
}

const (
	defaultLimit = 20
	maxLimit     = 100
)
