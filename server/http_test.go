package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/vertex-im/vertex/server/auth"
	"github.com/vertex-im/vertex/server/store"
	"github.com/vertex-im/vertex/server/store/types"
)

func postAuth(tb testing.TB, mux http.Handler, path string, body interface{}) (*httptest.ResponseRecorder, *MsgAuthResponse) {
	tb.Helper()
	raw, err := json.Marshal(body)
	require.NoError(tb, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var resp MsgAuthResponse
	require.NoError(tb, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, &resp
}

func TestRegisterValidation(t *testing.T) {
	setupTestGlobals(t)
	mux := setupMux()

	_, resp := postAuth(t, mux, "/vertex/client/register", &MsgAuthRegister{
		Username: "  ", Password: "long enough",
	})
	assert.Equal(t, ErrKindInvalidUsername, resp.Err)

	_, resp = postAuth(t, mux, "/vertex/client/register", &MsgAuthRegister{
		Username: "alice", Password: "short",
	})
	assert.Equal(t, ErrKindInvalidPassword, resp.Err)

	rec, resp := postAuth(t, mux, "/vertex/client/register", &MsgAuthRegister{
		Username: "Alice", Password: "long enough",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, resp.Ok)

	// Uniqueness is checked after normalization.
	rec, resp = postAuth(t, mux, "/vertex/client/register", &MsgAuthRegister{
		Username: "ALICE ", Password: "long enough",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, ErrKindUsernameAlreadyExists, resp.Err)
}

func TestTokenRoundTrip(t *testing.T) {
	setupTestGlobals(t)
	mux := setupMux()

	_, resp := postAuth(t, mux, "/vertex/client/register", &MsgAuthRegister{
		Username: "alice", Password: "long enough",
	})
	require.NotNil(t, resp.Ok)

	// Registration succeeded, so token creation succeeds.
	_, resp = postAuth(t, mux, "/vertex/client/token/create", &MsgAuthCreateToken{
		Username: "alice", Password: "long enough",
	})
	require.NotNil(t, resp.Ok)
	assert.NotEmpty(t, resp.Ok.Token)
	device := resp.Ok.Device

	// The issued token authenticates: only its digest is stored.
	record, err := store.Tokens.Get(device)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.NotEqual(t, resp.Ok.Token, record.TokenHash)
	assert.True(t, auth.VerifyToken(resp.Ok.Token, record.TokenHash))
	assert.False(t, record.Expired(time.Now(), globals.tokenExpiryDays))
	assert.Equal(t, auth.PermAll, record.Permissions)

	// Wrong password: no token.
	_, resp = postAuth(t, mux, "/vertex/client/token/create", &MsgAuthCreateToken{
		Username: "alice", Password: "not the password",
	})
	assert.Equal(t, ErrKindIncorrectCredentials, resp.Err)

	// Revocation is credential-gated and final.
	_, resp = postAuth(t, mux, "/vertex/client/token/revoke", &MsgAuthRevokeToken{
		Username: "alice", Password: "long enough", Device: device,
	})
	require.NotNil(t, resp.Ok)

	record, err = store.Tokens.Get(device)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestChangePasswordRevokesTokens(t *testing.T) {
	setupTestGlobals(t)
	mux := setupMux()

	_, resp := postAuth(t, mux, "/vertex/client/register", &MsgAuthRegister{
		Username: "alice", Password: "long enough",
	})
	require.NotNil(t, resp.Ok)
	user := resp.Ok.User

	_, resp = postAuth(t, mux, "/vertex/client/token/create", &MsgAuthCreateToken{
		Username: "alice", Password: "long enough",
	})
	require.NotNil(t, resp.Ok)
	device := resp.Ok.Device

	// A live session bound to that token is torn down by the change.
	sess := newTestSession(user, device, auth.PermAll)
	require.NoError(t, globals.sessionStore.Insert(user, device))
	require.True(t, globals.sessionStore.Upgrade(user, device, sess))

	_, resp = postAuth(t, mux, "/vertex/client/change_password", &MsgAuthChangePassword{
		Username: "alice", OldPassword: "long enough", NewPassword: "even longer now",
	})
	require.NotNil(t, resp.Ok)

	record, err := store.Tokens.Get(device)
	require.NoError(t, err)
	assert.Nil(t, record, "old tokens are invalid after a password change")
	loggedOutFrame(t, sess)

	_, resp = postAuth(t, mux, "/vertex/client/token/create", &MsgAuthCreateToken{
		Username: "alice", Password: "long enough",
	})
	assert.Equal(t, ErrKindIncorrectCredentials, resp.Err)

	_, resp = postAuth(t, mux, "/vertex/client/token/create", &MsgAuthCreateToken{
		Username: "alice", Password: "even longer now",
	})
	require.NotNil(t, resp.Ok)
}

func TestCompromisedSchemeRehashOnLogin(t *testing.T) {
	setupTestGlobals(t)
	mux := setupMux()

	// An account carried over with a legacy hash scheme.
	legacy, err := bcrypt.GenerateFromPassword([]byte("long enough"), bcrypt.MinCost)
	require.NoError(t, err)
	user := &types.User{
		Username:     "alice",
		DisplayName:  "alice",
		PasswordHash: string(legacy),
		HashScheme:   auth.SchemeBcrypt,
		Compromised:  true,
	}
	require.NoError(t, store.Users.Create(user))

	_, resp := postAuth(t, mux, "/vertex/client/token/create", &MsgAuthCreateToken{
		Username: "alice", Password: "long enough",
	})
	require.NotNil(t, resp.Ok)

	upgraded, err := store.Users.Get(user.Id)
	require.NoError(t, err)
	assert.Equal(t, auth.LatestSchemeVersion, upgraded.HashScheme)
	assert.False(t, upgraded.Compromised)
}

func TestInviteLandingPage(t *testing.T) {
	setupTestGlobals(t)
	mux := setupMux()

	c, err := globals.hub.Create("Flowers", "Let's talk about flowers")
	require.NoError(t, err)
	invite, err := store.InviteCodes.Create(c.id, nil, 10)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/vertex/invite/"+invite.Code, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `name="vertex:invite_code" content="`+invite.Code+`"`)
	assert.Contains(t, body, `name="vertex:invite_name" content="Flowers"`)
	assert.Contains(t, body, `name="vertex:invite_description"`)
	assert.Contains(t, body, "vertex://join/"+invite.Code)

	// Unknown codes do not resolve.
	req = httptest.NewRequest(http.MethodGet, "/vertex/invite/nosuchcode1", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTokenSweepTearsDownSessions(t *testing.T) {
	setupTestGlobals(t)

	alice := mustCreateUser(t, "alice")
	device := types.NewDeviceId()
	require.NoError(t, store.Tokens.Create(&types.Token{
		Device:      device,
		User:        alice.Id,
		TokenHash:   "digest",
		HashScheme:  auth.LatestSchemeVersion,
		LastUsed:    time.Now().Add(-time.Hour),
		Permissions: auth.PermAll,
	}))

	sess := newTestSession(alice.Id, device, auth.PermAll)
	require.NoError(t, globals.sessionStore.Insert(alice.Id, device))
	require.True(t, globals.sessionStore.Upgrade(alice.Id, device, sess))

	// With a zero-day expiry window every token is stale.
	require.NoError(t, sweepTokens(0))

	out := loggedOutFrame(t, sess)
	assert.Equal(t, ErrKindTokenExpired, out.Reason)

	record, err := store.Tokens.Get(device)
	require.NoError(t, err)
	assert.Nil(t, record)
}
