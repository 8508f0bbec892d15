package domain

import "time"

// VerificationState is the cross-signing trust status of this device.
type VerificationState string

const (
	VerificationUnknown    VerificationState = "unknown"
	VerificationUnverified VerificationState = "unverified"
	VerificationVerified   VerificationState = "verified"
)

// VerificationRequest is an incoming request to verify a device, either sent
// to-device or inside a room.
type VerificationRequest struct {
	TransactionID string
	FromUser      string
	FromDevice    string
	RoomID        string // empty for to-device requests
	Methods       []string
	ReceivedAt    time.Time
}
