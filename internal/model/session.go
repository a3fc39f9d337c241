package model

import (
	"github.com/aM5431/wasel/internal/transport"
)

// Status tracks where a session sits in its lifecycle.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusConnecting    Status = "connecting"
	StatusQRPending     Status = "qr_pending"
	StatusConnected     Status = "connected"
	StatusDisconnected  Status = "disconnected"
	StatusCorrupted     Status = "corrupted"
	StatusRemoved       Status = "removed"
)

// Session is one tenant's connection. The registry entry owns the socket
// exclusively; everyone else borrows it for the duration of a call.
type Session struct {
	ID          string
	Status      Status
	RetryCount  int
	Socket      transport.Socket
	PhoneNumber string
	Name        string
	Device      string
	CredsDir    string
}

type SessionInfo struct {
	SessionID   string `json:"sessionId"`
	PhoneNumber string `json:"phoneNumber"`
	Name        string `json:"name"`
	Connected   bool   `json:"connected"`
}
