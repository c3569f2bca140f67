package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

func queuedEvent(t *testing.T, payload scrambridge.WebhookPayload) *scrambridge.WebhookEvent {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	return &scrambridge.WebhookEvent{
		CorrelationID: "corr-1",
		Payload:       body,
	}
}

func TestParseUserEvent(t *testing.T) {
	t.Parallel()

	t.Run("create maps to upsert", func(t *testing.T) {
		t.Parallel()

		ev := queuedEvent(t, scrambridge.WebhookPayload{
			RealmID:        "production",
			ResourceType:   "USER",
			OperationType:  "CREATE",
			ResourcePath:   "users/8f14e45f",
			Representation: `{"username":"alice","enabled":true}`,
		})

		parsed, err := parseEvent(ev)
		require.NoError(t, err)
		require.NotNil(t, parsed)
		require.Equal(t, scrambridge.ActionUpsert, parsed.Action)
		require.Equal(t, scrambridge.ResourceUser, parsed.ResourceType)
		require.Equal(t, "8f14e45f", parsed.UserID)
		require.Equal(t, "alice", parsed.Username)
		require.Equal(t, "production", parsed.Realm)
		require.False(t, parsed.IsPasswordChange)
		require.Empty(t, parsed.PlaintextSecret)
	})

	t.Run("reset-password carries the plaintext", func(t *testing.T) {
		t.Parallel()

		ev := queuedEvent(t, scrambridge.WebhookPayload{
			RealmID:        "production",
			ResourceType:   "USER",
			OperationType:  "UPDATE",
			ResourcePath:   "users/8f14e45f/reset-password",
			Representation: `{"type":"password","value":"s3cr3t","temporary":false}`,
		})

		parsed, err := parseEvent(ev)
		require.NoError(t, err)
		require.NotNil(t, parsed)
		require.Equal(t, scrambridge.ActionUpsert, parsed.Action)
		require.True(t, parsed.IsPasswordChange)
		require.Equal(t, "s3cr3t", parsed.PlaintextSecret)

		parsed.WipeSecret()
		require.Empty(t, parsed.PlaintextSecret)
	})

	t.Run("execute-actions-email is a password change without plaintext", func(t *testing.T) {
		t.Parallel()

		ev := queuedEvent(t, scrambridge.WebhookPayload{
			ResourceType:  "USER",
			OperationType: "UPDATE",
			ResourcePath:  "users/8f14e45f/execute-actions-email",
		})

		parsed, err := parseEvent(ev)
		require.NoError(t, err)
		require.NotNil(t, parsed)
		require.True(t, parsed.IsPasswordChange)
		require.Empty(t, parsed.PlaintextSecret)
	})

	t.Run("delete keeps the username of the last known state", func(t *testing.T) {
		t.Parallel()

		ev := queuedEvent(t, scrambridge.WebhookPayload{
			RealmID:        "production",
			ResourceType:   "USER",
			OperationType:  "DELETE",
			ResourcePath:   "users/8f14e45f",
			Representation: `{"username":"alice"}`,
		})

		parsed, err := parseEvent(ev)
		require.NoError(t, err)
		require.NotNil(t, parsed)
		require.Equal(t, scrambridge.ActionDelete, parsed.Action)
		require.Equal(t, "8f14e45f", parsed.UserID)
		require.Equal(t, "alice", parsed.Username)
	})

	t.Run("missing user id in path is invalid", func(t *testing.T) {
		t.Parallel()

		ev := queuedEvent(t, scrambridge.WebhookPayload{
			ResourceType:  "USER",
			OperationType: "CREATE",
			ResourcePath:  "groups/123",
		})

		parsed, err := parseEvent(ev)
		require.ErrorIs(t, err, scrambridge.ErrPayloadInvalid)
		require.Nil(t, parsed)
	})

	t.Run("unknown operation type is dropped", func(t *testing.T) {
		t.Parallel()

		ev := queuedEvent(t, scrambridge.WebhookPayload{
			ResourceType:  "USER",
			OperationType: "ACTION",
			ResourcePath:  "users/8f14e45f",
		})

		parsed, err := parseEvent(ev)
		require.NoError(t, err)
		require.Nil(t, parsed)
	})
}

func TestParseClientEvent(t *testing.T) {
	t.Parallel()

	t.Run("update maps to upsert with the new secret", func(t *testing.T) {
		t.Parallel()

		ev := queuedEvent(t, scrambridge.WebhookPayload{
			RealmID:        "production",
			ResourceType:   "CLIENT",
			OperationType:  "UPDATE",
			ResourcePath:   "clients/3b1f2a",
			Representation: `{"clientId":"billing-api","secret":"client-s3cr3t"}`,
		})

		parsed, err := parseEvent(ev)
		require.NoError(t, err)
		require.NotNil(t, parsed)
		require.Equal(t, scrambridge.ActionUpsert, parsed.Action)
		require.Equal(t, scrambridge.ResourceClient, parsed.ResourceType)
		require.Equal(t, "billing-api", parsed.ClientID)
		require.Equal(t, "client-s3cr3t", parsed.PlaintextSecret)
	})

	t.Run("delete maps to delete", func(t *testing.T) {
		t.Parallel()

		ev := queuedEvent(t, scrambridge.WebhookPayload{
			ResourceType:   "CLIENT",
			OperationType:  "DELETE",
			ResourcePath:   "clients/3b1f2a",
			Representation: `{"clientId":"billing-api"}`,
		})

		parsed, err := parseEvent(ev)
		require.NoError(t, err)
		require.NotNil(t, parsed)
		require.Equal(t, scrambridge.ActionDelete, parsed.Action)
	})

	t.Run("missing client id is dropped", func(t *testing.T) {
		t.Parallel()

		ev := queuedEvent(t, scrambridge.WebhookPayload{
			ResourceType:  "CLIENT",
			OperationType: "UPDATE",
			ResourcePath:  "clients/3b1f2a",
		})

		parsed, err := parseEvent(ev)
		require.NoError(t, err)
		require.Nil(t, parsed)
	})

	t.Run("malformed representation is invalid", func(t *testing.T) {
		t.Parallel()

		ev := queuedEvent(t, scrambridge.WebhookPayload{
			ResourceType:   "CLIENT",
			OperationType:  "UPDATE",
			Representation: `{not-json`,
		})

		parsed, err := parseEvent(ev)
		require.ErrorIs(t, err, scrambridge.ErrPayloadInvalid)
		require.Nil(t, parsed)
	})
}

func TestParseEventDropsOtherResources(t *testing.T) {
	t.Parallel()

	ev := queuedEvent(t, scrambridge.WebhookPayload{
		ResourceType:  "GROUP",
		OperationType: "CREATE",
		ResourcePath:  "groups/123",
	})

	parsed, err := parseEvent(ev)
	require.NoError(t, err)
	require.Nil(t, parsed)
}

func TestPathSegmentAfter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path     string
		marker   string
		expected string
	}{
		{path: "users/8f14e45f", marker: "users", expected: "8f14e45f"},
		{path: "users/8f14e45f/reset-password", marker: "users", expected: "8f14e45f"},
		{path: "clients/abc/service-account-user", marker: "clients", expected: "abc"},
		{path: "users", marker: "users", expected: ""},
		{path: "", marker: "users", expected: ""},
	}

	for _, tt := range tests {
		require.Equal(t, tt.expected, pathSegmentAfter(tt.path, tt.marker), tt.path)
	}
}
