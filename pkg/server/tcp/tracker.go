// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"strings"
	"sync"
)

// Tracker holds the state shared between connections: the connections
// grouped by handshake host and the set of logged in usernames. One Tracker
// belongs to one Server.
type Tracker struct {
	mu      sync.Mutex
	hosts   map[string]map[string]struct{}
	players map[string]int
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		hosts:   make(map[string]map[string]struct{}),
		players: make(map[string]int),
	}
}

// AddConn records session id under host.
func (t *Tracker) AddConn(host, id string) {
	host = strings.ToLower(host)
	t.mu.Lock()
	defer t.mu.Unlock()
	ids, ok := t.hosts[host]
	if !ok {
		ids = make(map[string]struct{})
		t.hosts[host] = ids
	}
	ids[id] = struct{}{}
}

// RemoveConn forgets session id.
func (t *Tracker) RemoveConn(host, id string) {
	host = strings.ToLower(host)
	t.mu.Lock()
	defer t.mu.Unlock()
	ids, ok := t.hosts[host]
	if !ok {
		return
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(t.hosts, host)
	}
}

// Hosts returns the number of connections per handshake host.
func (t *Tracker) Hosts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.hosts))
	for h, ids := range t.hosts {
		out[h] = len(ids)
	}
	return out
}

// AddPlayer marks username online. The same name may be online through more
// than one connection.
func (t *Tracker) AddPlayer(username string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.players[username]++
	return len(t.players)
}

// RemovePlayer releases one connection of username.
func (t *Tracker) RemovePlayer(username string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.players[username]; n > 1 {
		t.players[username] = n - 1
	} else {
		delete(t.players, username)
	}
	return len(t.players)
}

// Online returns the number of distinct usernames online.
func (t *Tracker) Online() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.players)
}
