package main

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAccountDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := InitDB("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`INSERT INTO assistants (id, name, instructions, model)
		VALUES ('asst-1', 'Support', 'Be concise and friendly.', 'gemini-2.0-flash')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO social_accounts
		(id, platform, platform_user_id, access_token, assistant_id, is_active, reply_timeout_seconds)
		VALUES ('acc-1', 'instagram', 'ig-17890', 'token-1', 'asst-1', TRUE, 90)`)
	require.NoError(t, err)
	return db
}

func TestAccountLookupJoinsAssistant(t *testing.T) {
	store := NewAccountStore(seedAccountDB(t))

	account, err := store.FindByPlatformUserID(context.Background(), "ig-17890")
	require.NoError(t, err)
	require.NotNil(t, account)

	assert.Equal(t, "acc-1", account.ID)
	assert.Equal(t, "instagram", account.Platform)
	assert.True(t, account.IsActive)
	assert.Equal(t, 90, account.ReplyTimeoutSeconds)
	require.NotNil(t, account.Assistant)
	assert.Equal(t, "Support", account.Assistant.Name)
	assert.Equal(t, "Be concise and friendly.", account.Assistant.Instructions)
}

func TestAccountLookupUnknownIdentity(t *testing.T) {
	store := NewAccountStore(seedAccountDB(t))

	account, err := store.FindByPlatformUserID(context.Background(), "ig-nobody")
	require.NoError(t, err)
	assert.Nil(t, account)
}

func TestAccountLookupWithoutAssistant(t *testing.T) {
	db := seedAccountDB(t)
	_, err := db.Exec(`INSERT INTO social_accounts
		(id, platform, platform_user_id, access_token, is_active, reply_timeout_seconds)
		VALUES ('acc-2', 'whatsapp', 'wa-555', 'token-2', TRUE, 120)`)
	require.NoError(t, err)
	store := NewAccountStore(db)

	account, err := store.FindByPlatformUserID(context.Background(), "wa-555")
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.Empty(t, account.AssistantID)
	assert.Nil(t, account.Assistant)
}

func TestAccountLookupCachesUntilInvalidated(t *testing.T) {
	db := seedAccountDB(t)
	store := NewAccountStore(db)
	ctx := context.Background()

	first, err := store.FindByPlatformUserID(ctx, "ig-17890")
	require.NoError(t, err)
	require.True(t, first.IsActive)

	_, err = db.Exec(`UPDATE social_accounts SET is_active = FALSE WHERE id = 'acc-1'`)
	require.NoError(t, err)

	cached, err := store.FindByPlatformUserID(ctx, "ig-17890")
	require.NoError(t, err)
	assert.True(t, cached.IsActive, "cached entry served until invalidated")

	store.Invalidate("ig-17890")

	refreshed, err := store.FindByPlatformUserID(ctx, "ig-17890")
	require.NoError(t, err)
	assert.False(t, refreshed.IsActive)
}

func TestReplyTimeoutDuration(t *testing.T) {
	account := &SocialAccount{ReplyTimeoutSeconds: 120}
	assert.Equal(t, "2m0s", account.ReplyTimeout().String())
}
