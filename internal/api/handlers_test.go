package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/susu3304/pointsbot/internal/authz"
	"github.com/susu3304/pointsbot/internal/config"
	"github.com/susu3304/pointsbot/internal/ledger"
	"github.com/susu3304/pointsbot/internal/remote"
	"github.com/susu3304/pointsbot/internal/syncer"
	"go.uber.org/zap"
)

const (
	ownerID   = "900"
	userID    = "101"
	guildID   = "500"
	otherID   = "600"
	jwtSecret = "test-secret"
)

// fakeDiscord serves the token exchange and the two user endpoints.
func fakeDiscord(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"discord-token","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/users/@me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer discord-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"id":"101","username":"alice","global_name":"Alice"}`))
	})
	mux.HandleFunc("/users/@me/guilds", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer discord-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[{"id":"500","name":"Points"},{"id":"700","name":"Elsewhere"}]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type harness struct {
	api    *API
	ledger *ledger.Store
	store  *remote.Memory
	sync   *syncer.Syncer
	srv    *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	discord := fakeDiscord(t)

	l := ledger.NewStore()
	store := remote.NewMemory()
	s := syncer.New(store, l, zap.NewNop())

	cfg := &config.Config{
		DiscordClientID:     "client",
		DiscordClientSecret: "secret",
		DiscordRedirectURI:  "http://localhost:3000/api/auth/callback",
		JWTSecret:           jwtSecret,
	}
	a := New(cfg, l, s, authz.NewGate(ownerID), zap.NewNop())
	a.discordURL = discord.URL
	a.oauthConfig.Endpoint.TokenURL = discord.URL + "/oauth2/token"

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return &harness{api: a, ledger: l, store: store, sync: s, srv: srv}
}

func (h *harness) token(t *testing.T, user string) string {
	t.Helper()
	token, err := h.api.signClaims(&Claims{
		UserID:      user,
		AccessToken: "discord-token",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	require.NoError(t, err)
	return token
}

func (h *harness) do(t *testing.T, method, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestLoginReturnsAuthURL(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/api/auth/login", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]string](t, resp)
	assert.Len(t, body["state"], 32)
	assert.Contains(t, body["auth_url"], "client_id=client")
	assert.Contains(t, body["auth_url"], "state="+body["state"])
}

func TestCallbackIssuesUsableToken(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.Credit(userID, 25)
	require.NoError(t, err)

	resp := h.do(t, http.MethodGet, "/api/auth/callback?code=good-code", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, userID, body["user_id"])
	assert.Equal(t, "Alice", body["username"])

	resp = h.do(t, http.MethodGet, "/api/me/account", body["token"])
	require.Equal(t, http.StatusOK, resp.StatusCode)
	account := decode[accountResponse](t, resp)
	assert.Equal(t, int64(25), account.Balance)
}

func TestCallbackErrors(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/api/auth/callback", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/auth/callback?code=bad-code", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestPublicAccount(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.Credit(userID, 40)
	require.NoError(t, err)

	resp := h.do(t, http.MethodGet, "/api/public/accounts/"+userID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, accountResponse{UserID: userID, Balance: 40}, decode[accountResponse](t, resp))

	resp = h.do(t, http.MethodGet, "/api/public/accounts/nobody", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Lookups never create accounts.
	h.do(t, http.MethodGet, "/api/public/accounts/"+otherID, "")
	_, exists := h.ledger.Snapshot().Accounts[otherID]
	assert.False(t, exists)
}

func TestProtectedRequiresToken(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"not bearer", "Basic abc"},
		{"garbage", "Bearer not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/api/me/account", nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{UserID: userID}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	resp := h.do(t, http.MethodGet, "/api/me/account", forged)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMyAccountIncludesHistory(t *testing.T) {
	h := newHarness(t)
	h.ledger.AppendHistory(userID, "hello")

	resp := h.do(t, http.MethodGet, "/api/me/account", h.token(t, userID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"hello"}, decode[accountResponse](t, resp).History)
}

func TestUserGuildsFiltersToKnownGuilds(t *testing.T) {
	h := newHarness(t)
	h.ledger.GetOrCreateGuildPolicy(guildID)

	resp := h.do(t, http.MethodGet, "/api/me/guilds", h.token(t, userID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	guilds := decode[[]DiscordGuild](t, resp)
	require.Len(t, guilds, 1)
	assert.Equal(t, "Points", guilds[0].Name)
}

func TestGuildPolicy(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.AllowUser(guildID, ledger.ScopeSensitive, userID)
	require.NoError(t, err)

	resp := h.do(t, http.MethodGet, "/api/guilds/"+guildID+"/policy", h.token(t, userID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	policy := decode[policyResponse](t, resp)
	assert.True(t, policy.General.All)
	assert.Equal(t, []string{userID}, policy.Sensitive.Allowed)

	// Not a member of 600.
	resp = h.do(t, http.MethodGet, "/api/guilds/"+otherID+"/policy", h.token(t, userID))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The owner sees any guild, and unknown guilds are not created.
	resp = h.do(t, http.MethodGet, "/api/guilds/"+otherID+"/policy", h.token(t, ownerID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[policyResponse](t, resp).General.All)
	_, exists := h.ledger.Snapshot().Guilds[otherID]
	assert.False(t, exists)
}

func TestLedgerEndpointsAreOwnerOnly(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/api/ledger/status", h.token(t, userID))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = h.do(t, http.MethodPost, "/api/ledger/resync", h.token(t, userID))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestResyncRecoversFromConflict(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.Credit(userID, 10)
	require.NoError(t, err)
	require.NoError(t, h.sync.Flush(t.Context()))

	// Someone else moves the document; our next flush conflicts.
	h.store.Put([]byte(`{"users":{}}`))
	_, err = h.ledger.Credit(userID, 5)
	require.NoError(t, err)
	require.ErrorIs(t, h.sync.Flush(t.Context()), remote.ErrConflict)

	resp := h.do(t, http.MethodPost, "/api/ledger/resync", h.token(t, ownerID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "3", decode[map[string]string](t, resp)["revision"])

	resp = h.do(t, http.MethodGet, "/api/ledger/status", h.token(t, ownerID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, statusResponse{Revision: "3", Accounts: 1}, decode[statusResponse](t, resp))

	data, _, err := h.store.Read(t.Context())
	require.NoError(t, err)
	snap, _, err := ledger.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, int64(15), snap.Accounts[userID].Balance)
}

func TestResyncEphemeral(t *testing.T) {
	h := newHarness(t)
	h.api.sync = syncer.New(nil, h.ledger, zap.NewNop())

	resp := h.do(t, http.MethodPost, "/api/ledger/resync", h.token(t, ownerID))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodOptions, h.srv.URL+"/api/me/account", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dashboard.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestGenerateRandomString(t *testing.T) {
	a, b := generateRandomString(32), generateRandomString(32)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
