/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

const maxNameLength = 40

var validate = validator.New()

// Display names may contain accented characters, so observer-facing
// orderings use collation rather than byte order.
var nameCollator = collate.New(language.Und)

// SessionRecord is the durable side of a participant, keyed by session
// token. It outlives the websocket connection that created it. Target,
// once set by a draw, never changes.
type SessionRecord struct {
	Name   string
	Email  string
	Target string
}

// Participant is the presence projection sent to observers.
type Participant struct {
	Name   string `json:"name"`
	Email  string `json:"contactAddress"`
	Online bool   `json:"online"`
}

// Registry is the single source of truth for who is participating, how to
// reach them, and whether they have been drawn. All mutation happens under
// one mutex; callers never see its maps directly.
type Registry struct {
	mu       sync.Mutex
	conns    map[*Client]bool
	sessions map[string]*SessionRecord
}

func newRegistry() *Registry {
	return &Registry{
		conns:    make(map[*Client]bool),
		sessions: make(map[string]*SessionRecord),
	}
}

func newSessionToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

func (reg *Registry) addConn(c *Client) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.conns[c] = true
}

// removeConn drops the live binding but keeps the session record, so a
// reconnect with the same token restores the participant. Reports whether
// the connection held a claimed name, since only then do observers need a
// fresh participant list.
func (reg *Registry) removeConn(c *Client) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if !reg.conns[c] {
		return false
	}
	delete(reg.conns, c)

	return c.name != ""
}

// claimName validates and binds a display name and contact address to the
// connection, creating or updating the session record for its token.
// Returns the canonical (trimmed) name on success.
func (reg *Registry) claimName(c *Client, name, email string) (string, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)

	if name == "" {
		return "", errors.New("name must not be empty")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return "", fmt.Errorf("name must be at most %d characters", maxNameLength)
	}
	if err := validate.Var(email, "required,email"); err != nil {
		return "", errors.New("a valid email address is required")
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	// A drawn record is settled: its name and target are immutable, and
	// its holder is no longer eligible to re-claim.
	if rec, ok := reg.sessions[c.token]; ok && rec.Target != "" {
		return "", errors.New("you have already been drawn and cannot re-register")
	}

	for other := range reg.conns {
		if other == c || other.token == c.token || other.name == "" {
			continue
		}
		if strings.EqualFold(other.name, name) && !reg.drawnLocked(other.token) {
			return "", fmt.Errorf("the name %q is already taken", name)
		}
	}
	for token, rec := range reg.sessions {
		if token == c.token || rec.Target != "" {
			continue
		}
		if strings.EqualFold(rec.Name, name) {
			return "", fmt.Errorf("the name %q is already taken", name)
		}
	}

	c.name = name
	c.email = email

	// One token holds one identity. Other connections sharing the session
	// (a second tab in the same browser) follow the rebind, so eligibility
	// derived from connections always agrees with the session records that
	// a draw commits.
	for other := range reg.conns {
		if other != c && other.token == c.token {
			other.name = name
			other.email = email
		}
	}

	rec, ok := reg.sessions[c.token]
	if !ok {
		rec = &SessionRecord{}
		reg.sessions[c.token] = rec
	}
	rec.Name = name
	rec.Email = email

	return name, nil
}

// restoreConn rebinds a reconnecting connection to the identity its
// session token already holds. Reports false when the token has no claim
// to restore.
func (reg *Registry) restoreConn(c *Client) (SessionRecord, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rec, ok := reg.sessions[c.token]
	if !ok || rec.Name == "" {
		return SessionRecord{}, false
	}

	c.name = rec.Name
	c.email = rec.Email

	return *rec, true
}

func (reg *Registry) drawnLocked(token string) bool {
	rec, ok := reg.sessions[token]
	return ok && rec.Target != ""
}

// removeName forcibly clears a name, connected or not. Every live
// connection bound to the name is returned so the caller can notify it to
// re-register; undrawn session records matching the name are deleted.
// Removing an absent name is a no-op.
func (reg *Registry) removeName(name string) []*Client {
	name = strings.TrimSpace(name)

	reg.mu.Lock()
	defer reg.mu.Unlock()

	var cleared []*Client
	for c := range reg.conns {
		if c.name != "" && strings.EqualFold(c.name, name) {
			c.name = ""
			c.email = ""
			cleared = append(cleared, c)
		}
	}

	for token, rec := range reg.sessions {
		if rec.Target == "" && strings.EqualFold(rec.Name, name) {
			delete(reg.sessions, token)
		}
	}

	return cleared
}

// resolveSession returns a copy of the durable record for a token, used to
// restore a reconnecting participant's state.
func (reg *Registry) resolveSession(token string) (SessionRecord, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rec, ok := reg.sessions[token]
	if !ok {
		return SessionRecord{}, false
	}

	return *rec, true
}

// listEligibleNames returns every participant name not yet holding a draw
// result: the union of connected claimed names and names from undrawn
// session records, deduplicated case-insensitively and collate-sorted.
func (reg *Registry) listEligibleNames() []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	names := make([]string, 0, len(reg.sessions))
	seen := make(map[string]bool, len(reg.sessions))

	for c := range reg.conns {
		if c.name == "" || reg.drawnLocked(c.token) {
			continue
		}
		if key := strings.ToLower(c.name); !seen[key] {
			seen[key] = true
			names = append(names, c.name)
		}
	}
	for _, rec := range reg.sessions {
		if rec.Target != "" || rec.Name == "" {
			continue
		}
		if key := strings.ToLower(rec.Name); !seen[key] {
			seen[key] = true
			names = append(names, rec.Name)
		}
	}

	nameCollator.SortStrings(names)

	return names
}

// listAllParticipants produces the observer projection: connected claimed
// names first-class, plus undrawn session records whose holder is offline.
func (reg *Registry) listAllParticipants() []Participant {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	byKey := make(map[string]*Participant)
	var order []string

	for c := range reg.conns {
		if c.name == "" {
			continue
		}
		key := strings.ToLower(c.name)
		if existing, ok := byKey[key]; ok {
			existing.Online = true
			continue
		}
		byKey[key] = &Participant{Name: c.name, Email: c.email, Online: true}
		order = append(order, key)
	}
	for _, rec := range reg.sessions {
		if rec.Target != "" || rec.Name == "" {
			continue
		}
		key := strings.ToLower(rec.Name)
		if _, ok := byKey[key]; ok {
			continue
		}
		byKey[key] = &Participant{Name: rec.Name, Email: rec.Email, Online: false}
		order = append(order, key)
	}

	participants := make([]Participant, 0, len(order))
	for _, key := range order {
		participants = append(participants, *byKey[key])
	}
	collate.New(language.Und).Sort(participantSort(participants))

	return participants
}

type participantSort []Participant

func (p participantSort) Len() int           { return len(p) }
func (p participantSort) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p participantSort) Bytes(i int) []byte { return []byte(p[i].Name) }

// commitAssignments writes each giver's target into their session record,
// exactly once. Records already drawn are never in the mapping, since they
// were excluded from eligibility. Returns one delivery per committed
// assignment for the caller to fan out.
func (reg *Registry) commitAssignments(mapping map[string]string) []delivery {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	deliveries := make([]delivery, 0, len(mapping))
	for _, rec := range reg.sessions {
		target, ok := mapping[rec.Name]
		if !ok || rec.Target != "" {
			continue
		}
		rec.Target = target
		deliveries = append(deliveries, delivery{
			giver:  rec.Name,
			email:  rec.Email,
			target: target,
		})
	}

	return deliveries
}

// connsHolding returns the live connections currently bound to a name.
func (reg *Registry) connsHolding(name string) []*Client {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var holders []*Client
	for c := range reg.conns {
		if c.name != "" && strings.EqualFold(c.name, name) {
			holders = append(holders, c)
		}
	}

	return holders
}
