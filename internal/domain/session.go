// Package domain contains core domain types for the LiveDesk relay.
package domain

import (
	"time"
)

// Status is the lifecycle state of a support session.
type Status string

// Session lifecycle states. Transitions are monotonic:
// waiting -> active -> closed, and closed is terminal.
const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
)

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusClosed:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle permits moving from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusWaiting:
		return next == StatusActive || next == StatusClosed
	case StatusActive:
		return next == StatusClosed
	default:
		return false
	}
}

// Session is one customer support conversation with a lifecycle status.
type Session struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	UserEmail string    `json:"userEmail"`
	AgentID   string    `json:"agentId,omitempty"`
	AgentName string    `json:"agentName,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsClosed returns true once the session has reached its terminal state.
func (s *Session) IsClosed() bool {
	return s.Status == StatusClosed
}
