// Package domain contains the core concepts of the chat client.
// This file defines the authenticated device identity and how it is tagged.
package domain

// SessionKind tells which authentication API produced a session.
type SessionKind string

const (
	SessionKindPassword SessionKind = "password"
	SessionKindOIDC     SessionKind = "oidc"
)

// SessionRecord is the serializable proof that a device is authenticated.
// It is written to the session file after a successful login and read back
// on every process start.
type SessionRecord struct {
	UserID       string `yaml:"user_id" validate:"required"`
	DeviceID     string `yaml:"device_id" validate:"required"`
	AccessToken  string `yaml:"access_token" validate:"required"`
	RefreshToken string `yaml:"refresh_token,omitempty"`
}

// Session is a SessionRecord tagged with the kind of login that created it.
type Session struct {
	Kind   SessionKind
	Record SessionRecord
}

func NewPasswordSession(record SessionRecord) Session {
	return Session{Kind: SessionKindPassword, Record: record}
}
