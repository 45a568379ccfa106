package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/susu3304/pointsbot/internal/ledger"
	"go.uber.org/zap"
)

type accountResponse struct {
	UserID  string   `json:"user_id"`
	Balance int64    `json:"balance"`
	History []string `json:"history,omitempty"`
}

type policyResponse struct {
	GuildID   string      `json:"guild_id"`
	General   ledger.Rule `json:"general"`
	Sensitive ledger.Rule `json:"sensitive"`
}

type statusResponse struct {
	Revision  string `json:"revision"`
	Ephemeral bool   `json:"ephemeral"`
	Accounts  int    `json:"accounts"`
	Guilds    int    `json:"guilds"`
}

// validID reports whether s looks like a Discord snowflake.
func validID(s string) bool {
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}

func (a *API) handlePublicAccount(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	if !validID(userID) {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, accountResponse{
		UserID:  userID,
		Balance: a.ledger.ReadBalance(userID),
	})
}

func (a *API) handleMyAccount(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	writeJSON(w, http.StatusOK, accountResponse{
		UserID:  claims.UserID,
		Balance: a.ledger.ReadBalance(claims.UserID),
		History: a.ledger.History(claims.UserID),
	})
}

// handleUserGuilds lists the caller's guilds that the ledger has a policy
// for.
func (a *API) handleUserGuilds(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	guilds, err := a.getDiscordGuilds(r.Context(), claims.AccessToken)
	if err != nil {
		a.logger.Warn("failed to get guilds", zap.String("user_id", claims.UserID), zap.Error(err))
		http.Error(w, "failed to get guilds", http.StatusBadGateway)
		return
	}

	known := a.ledger.Snapshot().Guilds
	filtered := []DiscordGuild{}
	for _, guild := range guilds {
		if _, ok := known[guild.ID]; ok {
			filtered = append(filtered, guild)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID < filtered[j].ID })

	writeJSON(w, http.StatusOK, filtered)
}

func (a *API) handleGuildPolicy(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	guildID := mux.Vars(r)["guild_id"]
	if !validID(guildID) {
		http.Error(w, "invalid guild_id", http.StatusBadRequest)
		return
	}

	if !a.gate.IsOwner(claims.UserID) && !a.userHasGuildAccess(r, claims.AccessToken, guildID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Unknown guilds report the default policy without creating one.
	policy, ok := a.ledger.Snapshot().Guilds[guildID]
	if !ok {
		policy = ledger.DefaultGuildPolicy()
	}
	writeJSON(w, http.StatusOK, policyResponse{
		GuildID:   guildID,
		General:   policy.General,
		Sensitive: policy.Sensitive,
	})
}

func (a *API) handleLedgerStatus(w http.ResponseWriter, r *http.Request) {
	snap := a.ledger.Snapshot()
	writeJSON(w, http.StatusOK, statusResponse{
		Revision:  a.sync.Revision(),
		Ephemeral: a.sync.Ephemeral(),
		Accounts:  len(snap.Accounts),
		Guilds:    len(snap.Guilds),
	})
}

func (a *API) handleResync(w http.ResponseWriter, r *http.Request) {
	if a.sync.Ephemeral() {
		http.Error(w, "ledger is not persisted", http.StatusConflict)
		return
	}
	if err := a.sync.Resync(r.Context()); err != nil {
		a.logger.Error("resync failed", zap.Error(err))
		http.Error(w, "resync failed", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"revision": a.sync.Revision(),
	})
}

func (a *API) userHasGuildAccess(r *http.Request, accessToken, guildID string) bool {
	guilds, err := a.getDiscordGuilds(r.Context(), accessToken)
	if err != nil {
		return false
	}

	for _, guild := range guilds {
		if guild.ID == guildID {
			return true
		}
	}
	return false
}
