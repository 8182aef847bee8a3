package deviceauth

import (
	"time"

	"github.com/jrsteele09/go-credential-broker/gateway"
)

// Action says what a session will do once the user authorizes it.
type Action string

const (
	ActionSetup   Action = "setup"
	ActionRefresh Action = "refresh"
)

// State is the lifecycle position of a session.
type State string

const (
	StateCreated    State = "CREATED"
	StatePolling    State = "POLLING"
	StateAuthorized State = "AUTHORIZED"
	StateDenied     State = "DENIED"
	StateExpired    State = "EXPIRED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateAuthorized || s == StateDenied || s == StateExpired
}

// Session is one in-flight device authorization. It lives in memory only.
type Session struct {
	SessionID       string        `json:"sessionId"`
	Action          Action        `json:"action"`
	InstanceID      string        `json:"instanceId,omitempty"`
	StartURL        string        `json:"startUrl"`
	Region          string        `json:"region"`
	Label           string        `json:"label"`
	ClientID        string        `json:"clientId"`
	DeviceCode      string        `json:"-"`
	UserCode        string        `json:"userCode"`
	VerificationURI string        `json:"verificationUri"`
	ExpiresIn       time.Duration `json:"expiresIn"`
	PollInterval    time.Duration `json:"pollInterval"`
	CreatedAt       time.Time     `json:"createdAt"`
	Deadline        time.Time     `json:"deadline"`
	State           State         `json:"state"`

	client *gateway.ClientRegistration
}

func (s *Session) clone() *Session {
	c := *s
	return &c
}
