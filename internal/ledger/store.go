package ledger

import (
	"math"
	"slices"
	"sync"
)

// Store owns the in-memory ledger. Every mutation runs under a single lock,
// so concurrent credits and transfers against the same account never
// interleave their read-modify-write steps. Returned values are copies.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	guilds   map[string]*GuildPolicy
}

func NewStore() *Store {
	return &Store{
		accounts: make(map[string]*Account),
		guilds:   make(map[string]*GuildPolicy),
	}
}

func (s *Store) account(userID string) *Account {
	a, ok := s.accounts[userID]
	if !ok {
		a = &Account{History: []string{}}
		s.accounts[userID] = a
	}
	return a
}

func (s *Store) guild(guildID string) *GuildPolicy {
	if guildID == "" {
		guildID = NoGuild
	}
	p, ok := s.guilds[guildID]
	if !ok {
		p = defaultGuildPolicy()
		s.guilds[guildID] = p
	}
	return p
}

func (s *Store) GetOrCreateAccount(userID string) Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account(userID).clone()
}

func (s *Store) GetOrCreateGuildPolicy(guildID string) GuildPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guild(guildID).clone()
}

func (s *Store) Credit(userID string, amount int64) (Account, error) {
	if amount <= 0 {
		return Account{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.accounts[userID]; ok && cur.Balance > math.MaxInt64-amount {
		return Account{}, ErrBalanceOverflow
	}
	a := s.account(userID)
	a.Balance += amount
	return a.clone(), nil
}

// Transfer moves amount from one account to another as one critical section.
// A self-transfer succeeds without changing the balance.
func (s *Store) Transfer(fromID, toID string, amount int64) (Account, Account, error) {
	if amount <= 0 {
		return Account{}, Account{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var fromBalance int64
	if from, ok := s.accounts[fromID]; ok {
		fromBalance = from.Balance
	}
	if fromBalance < amount {
		return Account{}, Account{}, ErrInsufficientFunds
	}
	if fromID != toID {
		if to, ok := s.accounts[toID]; ok && to.Balance > math.MaxInt64-amount {
			return Account{}, Account{}, ErrBalanceOverflow
		}
	}

	from := s.account(fromID)
	to := s.account(toID)
	if fromID != toID {
		from.Balance -= amount
		to.Balance += amount
	}
	return from.clone(), to.clone(), nil
}

func (s *Store) AppendHistory(userID, text string) Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.account(userID)
	a.History = append(a.History, text)
	if n := len(a.History); n > HistoryLimit {
		a.History = slices.Clone(a.History[n-HistoryLimit:])
	}
	return a.clone()
}

func (s *Store) ReadBalance(userID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.accounts[userID]; ok {
		return a.Balance
	}
	return 0
}

func (s *Store) History(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[userID]
	if !ok {
		return []string{}
	}
	return a.clone().History
}

func (s *Store) SetRuleAll(guildID string, scope Scope, all bool) (GuildPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.guild(guildID)
	r, err := p.rule(scope)
	if err != nil {
		return GuildPolicy{}, err
	}
	r.All = all
	return p.clone(), nil
}

func (s *Store) AllowUser(guildID string, scope Scope, userID string) (GuildPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.guild(guildID)
	r, err := p.rule(scope)
	if err != nil {
		return GuildPolicy{}, err
	}
	if !slices.Contains(r.Allowed, userID) {
		r.Allowed = append(r.Allowed, userID)
	}
	return p.clone(), nil
}

func (s *Store) RevokeUser(guildID string, scope Scope, userID string) (GuildPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.guild(guildID)
	r, err := p.rule(scope)
	if err != nil {
		return GuildPolicy{}, err
	}
	r.Allowed = slices.DeleteFunc(r.Allowed, func(id string) bool { return id == userID })
	return p.clone(), nil
}

// Snapshot returns a deep copy of the ledger, consistent as of one instant.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Accounts: make(map[string]Account, len(s.accounts)),
		Guilds:   make(map[string]GuildPolicy, len(s.guilds)),
	}
	for id, a := range s.accounts {
		snap.Accounts[id] = a.clone()
	}
	for id, p := range s.guilds {
		snap.Guilds[id] = p.clone()
	}
	return snap
}

// Replace swaps the whole ledger for the given snapshot.
func (s *Store) Replace(snap Snapshot) {
	accounts := make(map[string]*Account, len(snap.Accounts))
	for id, a := range snap.Accounts {
		c := a.clone()
		accounts[id] = &c
	}
	guilds := make(map[string]*GuildPolicy, len(snap.Guilds))
	for id, p := range snap.Guilds {
		c := p.clone()
		guilds[id] = &c
	}

	s.mu.Lock()
	s.accounts = accounts
	s.guilds = guilds
	s.mu.Unlock()
}
