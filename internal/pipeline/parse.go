package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

// credentialRepresentation is the embedded JSON document carried by
// password events.
type credentialRepresentation struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// userEventRepresentation carries the only user fields read from an
// embedded user document. Delete events ship it as the last known state
// of the user, which is the only place the principal name survives.
type userEventRepresentation struct {
	Username string `json:"username"`
}

// clientEventRepresentation is the embedded JSON document carried by
// client events.
type clientEventRepresentation struct {
	ClientID string `json:"clientId"`
	Secret   string `json:"secret"`
}

// parseEvent maps a queued webhook event onto a targeted action.
// A nil action with a nil error means the event is not actionable and
// must be dropped without a retry.
func parseEvent(ev *scrambridge.WebhookEvent) (*scrambridge.ParsedEvent, error) {
	var payload scrambridge.WebhookPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %w", scrambridge.ErrPayloadInvalid, err)
	}

	switch scrambridge.ResourceType(payload.ResourceType) {
	case scrambridge.ResourceUser:
		return parseUserEvent(ev, &payload)
	case scrambridge.ResourceClient:
		return parseClientEvent(ev, &payload)
	default:
		return nil, nil
	}
}

func parseUserEvent(ev *scrambridge.WebhookEvent, payload *scrambridge.WebhookPayload) (*scrambridge.ParsedEvent, error) {
	userID := pathSegmentAfter(payload.ResourcePath, "users")
	if userID == "" {
		return nil, fmt.Errorf("%w: no user id in resource path %q",
			scrambridge.ErrPayloadInvalid, payload.ResourcePath)
	}

	parsed := &scrambridge.ParsedEvent{
		CorrelationID: ev.CorrelationID,
		Realm:         payload.RealmID,
		ResourceType:  scrambridge.ResourceUser,
		UserID:        userID,
		RetryCount:    ev.RetryCount,
	}

	switch scrambridge.OperationType(payload.OperationType) {
	case scrambridge.OperationCreate, scrambridge.OperationUpdate:
		parsed.Action = scrambridge.ActionUpsert
		parsed.IsPasswordChange = strings.Contains(payload.ResourcePath, "reset-password") ||
			strings.Contains(payload.ResourcePath, "execute-actions-email")
		if parsed.IsPasswordChange {
			var cred credentialRepresentation
			if payload.Representation != "" &&
				json.Unmarshal([]byte(payload.Representation), &cred) == nil &&
				cred.Type == "password" {
				parsed.PlaintextSecret = cred.Value
			}
		}
	case scrambridge.OperationDelete:
		parsed.Action = scrambridge.ActionDelete
	default:
		return nil, nil
	}

	var rep userEventRepresentation
	if payload.Representation != "" &&
		json.Unmarshal([]byte(payload.Representation), &rep) == nil {
		parsed.Username = rep.Username
	}

	return parsed, nil
}

func parseClientEvent(ev *scrambridge.WebhookEvent, payload *scrambridge.WebhookPayload) (*scrambridge.ParsedEvent, error) {
	var rep clientEventRepresentation
	if payload.Representation != "" {
		if err := json.Unmarshal([]byte(payload.Representation), &rep); err != nil {
			return nil, fmt.Errorf("%w: client representation: %w", scrambridge.ErrPayloadInvalid, err)
		}
	}
	if rep.ClientID == "" {
		// Without the public client id the service-account principal
		// cannot be resolved.
		return nil, nil
	}

	parsed := &scrambridge.ParsedEvent{
		CorrelationID:   ev.CorrelationID,
		Realm:           payload.RealmID,
		ResourceType:    scrambridge.ResourceClient,
		ClientID:        rep.ClientID,
		PlaintextSecret: rep.Secret,
		RetryCount:      ev.RetryCount,
	}

	switch scrambridge.OperationType(payload.OperationType) {
	case scrambridge.OperationCreate, scrambridge.OperationUpdate:
		parsed.Action = scrambridge.ActionUpsert
	case scrambridge.OperationDelete:
		parsed.Action = scrambridge.ActionDelete
	default:
		return nil, nil
	}

	return parsed, nil
}

// pathSegmentAfter returns the segment that follows marker in a
// slash-separated resource path, or "" when absent.
func pathSegmentAfter(path, marker string) string {
	segments := strings.Split(path, "/")
	for i := 0; i < len(segments)-1; i++ {
		if segments[i] == marker {
			return segments[i+1]
		}
	}
	return ""
}
