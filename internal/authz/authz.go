// Package authz decides whether an actor may use a capability in a guild.
package authz

import (
	"errors"
	"fmt"

	"github.com/susu3304/pointsbot/internal/ledger"
)

var ErrUnauthorized = errors.New("unauthorized")

type Capability int

const (
	General Capability = iota
	Sensitive
	// Administrator covers guild policy management.
	Administrator
	// Owner covers balance granting, raw sandbox execution and resync.
	Owner
)

func (c Capability) String() string {
	switch c {
	case General:
		return "general"
	case Sensitive:
		return "sensitive"
	case Administrator:
		return "administrator"
	case Owner:
		return "owner"
	}
	return fmt.Sprintf("capability(%d)", int(c))
}

type Actor struct {
	UserID          string
	IsAdministrator bool
}

type Decision struct {
	Allowed bool
	Reason  string
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// Err returns nil for an allowed decision and an ErrUnauthorized wrap otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnauthorized, d.Reason)
}

func CanGeneral(policy ledger.GuildPolicy, userID string) bool {
	return policy.General.Permits(userID)
}

func CanSensitive(policy ledger.GuildPolicy, userID string, isAdministrator bool) bool {
	return policy.Sensitive.Permits(userID) || isAdministrator
}

// Gate evaluates capabilities. The owner is a single process-wide identity
// that passes every check regardless of guild policy.
type Gate struct {
	ownerID string
}

func NewGate(ownerID string) Gate {
	return Gate{ownerID: ownerID}
}

func (g Gate) IsOwner(userID string) bool {
	return g.ownerID != "" && userID == g.ownerID
}

func (g Gate) Evaluate(policy ledger.GuildPolicy, actor Actor, c Capability) Decision {
	if g.IsOwner(actor.UserID) {
		return allow("owner")
	}

	switch c {
	case General:
		if CanGeneral(policy, actor.UserID) {
			return allow("general access")
		}
		return deny("not allowed to use general commands here")
	case Sensitive:
		if CanSensitive(policy, actor.UserID, actor.IsAdministrator) {
			return allow("sensitive access")
		}
		return deny("not allowed to use sensitive commands here")
	case Administrator:
		if actor.IsAdministrator {
			return allow("administrator")
		}
		return deny("administrator only")
	case Owner:
		return deny("owner only")
	}
	return deny("unknown capability")
}
