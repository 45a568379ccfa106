package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/susu3304/pointsbot/internal/ledger"
)

func policy(general, sensitive ledger.Rule) ledger.GuildPolicy {
	return ledger.GuildPolicy{General: general, Sensitive: sensitive}
}

func TestEvaluate(t *testing.T) {
	closed := policy(
		ledger.Rule{All: false, Allowed: []string{"u1"}},
		ledger.Rule{All: false, Allowed: []string{"u3"}},
	)
	open := policy(ledger.Rule{All: true}, ledger.Rule{All: true})
	gate := NewGate("owner")

	tests := []struct {
		name   string
		policy ledger.GuildPolicy
		actor  Actor
		cap    Capability
		want   bool
	}{
		{"general allow-listed", closed, Actor{UserID: "u1"}, General, true},
		{"general not listed", closed, Actor{UserID: "u2"}, General, false},
		{"general all", open, Actor{UserID: "u2"}, General, true},
		{"sensitive listed", closed, Actor{UserID: "u3"}, Sensitive, true},
		{"sensitive not listed", closed, Actor{UserID: "u1"}, Sensitive, false},
		{"sensitive via administrator", closed, Actor{UserID: "u1", IsAdministrator: true}, Sensitive, true},
		{"sensitive all", open, Actor{UserID: "u9"}, Sensitive, true},
		{"administrator flag", closed, Actor{UserID: "u1", IsAdministrator: true}, Administrator, true},
		{"administrator missing", open, Actor{UserID: "u1"}, Administrator, false},
		{"owner only denies others", open, Actor{UserID: "u1", IsAdministrator: true}, Owner, false},
		{"owner passes owner", closed, Actor{UserID: "owner"}, Owner, true},
		{"owner bypasses general", closed, Actor{UserID: "owner"}, General, true},
		{"owner bypasses sensitive", closed, Actor{UserID: "owner"}, Sensitive, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := gate.Evaluate(tt.policy, tt.actor, tt.cap)
			assert.Equal(t, tt.want, d.Allowed, d.Reason)
			assert.NotEmpty(t, d.Reason)
			if tt.want {
				assert.NoError(t, d.Err())
			} else {
				assert.ErrorIs(t, d.Err(), ErrUnauthorized)
			}
		})
	}
}

func TestEmptyOwnerMatchesNobody(t *testing.T) {
	gate := NewGate("")
	require.False(t, gate.IsOwner(""))

	d := gate.Evaluate(ledger.GuildPolicy{}, Actor{UserID: ""}, Owner)
	assert.False(t, d.Allowed)
}

func TestCapabilityString(t *testing.T) {
	assert.Equal(t, "sensitive", Sensitive.String())
	assert.Equal(t, "capability(42)", Capability(42).String())
}
