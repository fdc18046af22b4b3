package domain

import (
	"time"
)

// Message is a single chat message belonging to a session.
//
// ID may be supplied by the client for idempotent retransmission; the
// server assigns one when it is absent. CreatedAt and ServerReceivedAt are
// both server-assigned at ingestion and equal for newly stored messages.
type Message struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"sessionId"`
	Sender           string    `json:"sender"`
	Body             string    `json:"message"`
	CreatedAt        time.Time `json:"createdAt"`
	ServerReceivedAt time.Time `json:"serverReceivedAt"`
}
