package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
)

// document is the persisted JSON layout. It matches the data file written by
// earlier versions of the bot so existing repositories keep loading.
type document struct {
	Users    map[string]Account                    `json:"users"`
	Servers  map[string]serverEntry                `json:"servers"`
	Tickets  map[string]map[string]string          `json:"tickets"`
	Settings map[string]map[string]json.RawMessage `json:"settings"`
}

type serverEntry struct {
	Sensitive Rule            `json:"sensitive"`
	General   Rule            `json:"general"`
	Channels  json.RawMessage `json:"channels,omitempty"`
}

// Encode serializes a snapshot into the persisted document format.
func Encode(snap Snapshot) ([]byte, error) {
	doc := document{
		Users:    make(map[string]Account, len(snap.Accounts)),
		Servers:  make(map[string]serverEntry, len(snap.Guilds)),
		Tickets:  make(map[string]map[string]string),
		Settings: make(map[string]map[string]json.RawMessage),
	}
	for id, a := range snap.Accounts {
		a = a.clone()
		doc.Users[id] = a
	}
	for id, p := range snap.Guilds {
		doc.Servers[id] = serverEntry{
			Sensitive: p.Sensitive.clone(),
			General:   p.General.clone(),
			Channels:  p.Channels,
		}
		if len(p.Tickets) > 0 {
			doc.Tickets[id] = p.Tickets
		}
		doc.Settings[id] = p.Settings
		if doc.Settings[id] == nil {
			doc.Settings[id] = map[string]json.RawMessage{}
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode ledger: %w", err)
	}
	return data, nil
}

// Repair records a value Decode could not load as stored.
type Repair struct {
	AccountID string
	// Balance is the stored value; the account is loaded with zero.
	Balance int64
}

// Decode parses a persisted document. Histories longer than HistoryLimit are
// trimmed to their most recent entries. A negative balance, which only a
// hand edit can produce, is loaded as zero and reported as a Repair so one
// bad account does not cost the rest of the ledger.
func Decode(data []byte) (Snapshot, []Repair, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Snapshot{}, nil, fmt.Errorf("decode ledger: %w", err)
	}

	snap := NewSnapshot()
	var repairs []Repair
	for id, a := range doc.Users {
		if a.Balance < 0 {
			repairs = append(repairs, Repair{AccountID: id, Balance: a.Balance})
			a.Balance = 0
		}
		if a.History == nil {
			a.History = []string{}
		}
		if n := len(a.History); n > HistoryLimit {
			a.History = a.History[n-HistoryLimit:]
		}
		snap.Accounts[id] = a.clone()
	}

	guildIDs := make(map[string]struct{})
	for id := range doc.Servers {
		guildIDs[id] = struct{}{}
	}
	for id := range doc.Tickets {
		guildIDs[id] = struct{}{}
	}
	for id := range doc.Settings {
		guildIDs[id] = struct{}{}
	}

	for id := range guildIDs {
		p := defaultGuildPolicy()
		if entry, ok := doc.Servers[id]; ok {
			p.Sensitive = entry.Sensitive
			p.General = entry.General
			p.Channels = entry.Channels
		}
		for user, channel := range doc.Tickets[id] {
			p.Tickets[user] = channel
		}
		for k, v := range doc.Settings[id] {
			p.Settings[k] = v
		}
		snap.Guilds[id] = p.clone()
	}
	sort.Slice(repairs, func(i, j int) bool { return repairs[i].AccountID < repairs[j].AccountID })
	return snap, repairs, nil
}
