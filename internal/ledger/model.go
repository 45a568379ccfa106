package ledger

import (
	"encoding/json"
	"errors"
	"slices"
)

const (
	// HistoryLimit caps the per-account request history. Older entries are
	// evicted in insertion order.
	HistoryLimit = 20

	// NoGuild keys the policy used for private (DM) contexts.
	NoGuild = "dm"
)

var (
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrBalanceOverflow   = errors.New("balance would overflow")
	ErrUnknownScope      = errors.New("unknown policy scope")
)

type Account struct {
	Balance int64    `json:"balance"`
	History []string `json:"history"`
}

func (a Account) clone() Account {
	h := make([]string, len(a.History))
	copy(h, a.History)
	return Account{Balance: a.Balance, History: h}
}

// Rule is a capability rule: everyone when All is set, otherwise only the
// listed users.
type Rule struct {
	All     bool     `json:"all"`
	Allowed []string `json:"allowed"`
}

func (r Rule) Permits(userID string) bool {
	return r.All || slices.Contains(r.Allowed, userID)
}

func (r Rule) clone() Rule {
	allowed := make([]string, len(r.Allowed))
	copy(allowed, r.Allowed)
	return Rule{All: r.All, Allowed: allowed}
}

type Scope string

const (
	ScopeGeneral   Scope = "general"
	ScopeSensitive Scope = "sensitive"
)

func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeGeneral, ScopeSensitive:
		return Scope(s), nil
	}
	return "", ErrUnknownScope
}

type GuildPolicy struct {
	Sensitive Rule
	General   Rule
	// Tickets maps a user to their open ticket channel.
	Tickets  map[string]string
	Settings map[string]json.RawMessage
	// Channels is carried through persistence untouched.
	Channels json.RawMessage
}

func defaultGuildPolicy() *GuildPolicy {
	return &GuildPolicy{
		Sensitive: Rule{All: false, Allowed: []string{}},
		General:   Rule{All: true, Allowed: []string{}},
		Tickets:   map[string]string{},
		Settings:  map[string]json.RawMessage{},
	}
}

// DefaultGuildPolicy is the policy a guild gets on first use.
func DefaultGuildPolicy() GuildPolicy {
	return *defaultGuildPolicy()
}

func (p *GuildPolicy) rule(scope Scope) (*Rule, error) {
	switch scope {
	case ScopeGeneral:
		return &p.General, nil
	case ScopeSensitive:
		return &p.Sensitive, nil
	}
	return nil, ErrUnknownScope
}

func (p GuildPolicy) clone() GuildPolicy {
	out := GuildPolicy{
		Sensitive: p.Sensitive.clone(),
		General:   p.General.clone(),
		Tickets:   make(map[string]string, len(p.Tickets)),
		Settings:  make(map[string]json.RawMessage, len(p.Settings)),
	}
	for k, v := range p.Tickets {
		out.Tickets[k] = v
	}
	for k, v := range p.Settings {
		out.Settings[k] = slices.Clone(v)
	}
	if p.Channels != nil {
		out.Channels = slices.Clone(p.Channels)
	}
	return out
}

// Snapshot is a detached copy of the whole ledger.
type Snapshot struct {
	Accounts map[string]Account
	Guilds   map[string]GuildPolicy
}

func NewSnapshot() Snapshot {
	return Snapshot{
		Accounts: map[string]Account{},
		Guilds:   map[string]GuildPolicy{},
	}
}

// TotalBalance sums every account balance.
func (s Snapshot) TotalBalance() int64 {
	var total int64
	for _, a := range s.Accounts {
		total += a.Balance
	}
	return total
}
