package scrambridge

import "time"

// ResourceType is the Keycloak resource a webhook event refers to.
type ResourceType string

const (
	ResourceUser   ResourceType = "USER"
	ResourceClient ResourceType = "CLIENT"
)

// OperationType is the Keycloak admin operation carried by a webhook event.
type OperationType string

const (
	OperationCreate OperationType = "CREATE"
	OperationUpdate OperationType = "UPDATE"
	OperationDelete OperationType = "DELETE"
)

// WebhookPayload is the JSON body posted by the Keycloak event listener.
// The HMAC signature covers the exact byte sequence of the body.
type WebhookPayload struct {
	ID             string         `json:"id"`
	Time           int64          `json:"time"`
	RealmID        string         `json:"realmId"`
	ResourceType   string         `json:"resourceType"`
	OperationType  string         `json:"operationType"`
	ResourcePath   string         `json:"resourcePath"`
	Representation string         `json:"representation,omitempty"`
	AuthDetails    map[string]any `json:"authDetails,omitempty"`
}

// WebhookEvent is the in-memory queue element of the event pipeline.
// It is created on validated ingress and dropped on terminal success or
// when the retry budget is exhausted.
type WebhookEvent struct {
	ReceivedAt         time.Time
	LastAttemptAt      time.Time
	ScheduledNotBefore time.Time
	CorrelationID      string
	Signature          string
	Realm              string
	ResourceType       ResourceType
	OperationType      OperationType
	ResourcePath       string
	Payload            []byte
	RetryCount         int
}

// EventAction is the targeted mutation derived from a webhook event.
type EventAction string

const (
	ActionUpsert EventAction = "UPSERT"
	ActionDelete EventAction = "DELETE"
)

// ParsedEvent is a webhook event mapped to a targeted reconciliation
// action. PlaintextSecret, when present, carries an out-of-band password
// for a single credential generation; it is never persisted and callers
// zero it as soon as the credential is derived.
type ParsedEvent struct {
	CorrelationID    string
	Realm            string
	Action           EventAction
	ResourceType     ResourceType
	UserID           string
	Username         string
	ClientID         string
	PlaintextSecret  string
	RetryCount       int
	IsPasswordChange bool
}

// WipeSecret clears the out-of-band plaintext after use.
func (e *ParsedEvent) WipeSecret() { e.PlaintextSecret = "" }
