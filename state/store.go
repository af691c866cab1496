// Package state holds the client's entity caches. The gateway demultiplexer
// is the only writer on the hot path; readers get copies for diffing so an
// update can be emitted as (new, old).
package state

import (
	"sync"

	"github.com/dgraph-io/ristretto"

	"github.com/kierajs/kiera-go/types"
)

// Store is the shared cache behind one client. Entities cross-reference by
// ID through the store rather than by back-pointer.
type Store struct {
	mu sync.RWMutex

	selfUser *types.User
	users    map[string]*types.User
	guilds   map[string]*types.Guild
	channels map[string]*types.Channel // guild + private channels
	privates map[string]*types.Channel
	members  map[string]map[string]*types.Member // guildID -> userID
	voice    map[string]map[string]*types.VoiceState

	// Messages are the only unbounded-growth cache; ristretto caps them by
	// cost so a busy guild cannot eat the process.
	messages *ristretto.Cache
}

func NewStore(messageCacheCost int64) (*Store, error) {
	if messageCacheCost <= 0 {
		messageCacheCost = 32 << 20
	}
	msgs, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100000,
		MaxCost:     messageCacheCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Store{
		users:    make(map[string]*types.User),
		guilds:   make(map[string]*types.Guild),
		channels: make(map[string]*types.Channel),
		privates: make(map[string]*types.Channel),
		members:  make(map[string]map[string]*types.Member),
		voice:    make(map[string]map[string]*types.VoiceState),
		messages: msgs,
	}, nil
}

func (s *Store) Close() { s.messages.Close() }

// --- self user ---

func (s *Store) SetSelfUser(u *types.User) {
	s.mu.Lock()
	s.selfUser = u
	s.mu.Unlock()
}

func (s *Store) SelfUser() *types.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfUser
}

// --- users ---

// UpsertUser stores u and returns a copy of the previous value, nil if new.
func (s *Store) UpsertUser(u *types.User) *types.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.users[u.ID]
	s.users[u.ID] = u
	if old == nil {
		return nil
	}
	cp := *old
	return &cp
}

func (s *Store) User(id string) *types.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[id]
}

// --- guilds ---

func (s *Store) UpsertGuild(g *types.Guild) *types.Guild {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.guilds[g.ID]
	s.guilds[g.ID] = g
	for _, ch := range g.Channels {
		ch.GuildID = g.ID
		s.channels[ch.ID] = ch
	}
	if s.members[g.ID] == nil {
		s.members[g.ID] = make(map[string]*types.Member)
	}
	for _, m := range g.Members {
		m.GuildID = g.ID
		if m.User != nil {
			s.members[g.ID][m.User.ID] = m
		}
	}
	if s.voice[g.ID] == nil {
		s.voice[g.ID] = make(map[string]*types.VoiceState)
	}
	for _, vs := range g.VoiceStates {
		vs.GuildID = g.ID
		s.voice[g.ID][vs.UserID] = vs
	}
	if old == nil {
		return nil
	}
	cp := *old
	return &cp
}

func (s *Store) RemoveGuild(id string) *types.Guild {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.guilds[id]
	delete(s.guilds, id)
	delete(s.members, id)
	delete(s.voice, id)
	if old != nil {
		for _, ch := range old.Channels {
			delete(s.channels, ch.ID)
		}
	}
	return old
}

func (s *Store) Guild(id string) *types.Guild {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.guilds[id]
}

func (s *Store) GuildCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.guilds)
}

// GuildIDs snapshots the cached guild IDs.
func (s *Store) GuildIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.guilds))
	for id := range s.guilds {
		ids = append(ids, id)
	}
	return ids
}

// --- channels ---

func (s *Store) UpsertChannel(ch *types.Channel) *types.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.channels[ch.ID]
	s.channels[ch.ID] = ch
	if ch.GuildID == "" {
		s.privates[ch.ID] = ch
	}
	if old == nil {
		return nil
	}
	cp := *old
	return &cp
}

func (s *Store) RemoveChannel(id string) *types.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.channels[id]
	delete(s.channels, id)
	delete(s.privates, id)
	return old
}

func (s *Store) Channel(id string) *types.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[id]
}

// PrivateChannels snapshots the DM/group channels.
func (s *Store) PrivateChannels() []*types.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Channel, 0, len(s.privates))
	for _, ch := range s.privates {
		out = append(out, ch)
	}
	return out
}

// --- members ---

func (s *Store) UpsertMember(m *types.Member) *types.Member {
	if m.User == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.members[m.GuildID]
	if g == nil {
		g = make(map[string]*types.Member)
		s.members[m.GuildID] = g
	}
	old := g[m.User.ID]
	g[m.User.ID] = m
	if old == nil {
		return nil
	}
	cp := *old
	return &cp
}

func (s *Store) RemoveMember(guildID, userID string) *types.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.members[guildID]
	if g == nil {
		return nil
	}
	old := g[userID]
	delete(g, userID)
	return old
}

func (s *Store) Member(guildID, userID string) *types.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if g := s.members[guildID]; g != nil {
		return g[userID]
	}
	return nil
}

// --- voice states ---

// UpsertVoiceState stores vs, returning the previous state. An empty
// ChannelID means the user left; the entry is removed.
func (s *Store) UpsertVoiceState(vs *types.VoiceState) *types.VoiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.voice[vs.GuildID]
	if g == nil {
		g = make(map[string]*types.VoiceState)
		s.voice[vs.GuildID] = g
	}
	old := g[vs.UserID]
	if vs.ChannelID == "" {
		delete(g, vs.UserID)
	} else {
		g[vs.UserID] = vs
	}
	if old == nil {
		return nil
	}
	cp := *old
	return &cp
}

func (s *Store) VoiceState(guildID, userID string) *types.VoiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if g := s.voice[guildID]; g != nil {
		return g[userID]
	}
	return nil
}

// --- messages ---

func (s *Store) AddMessage(m *types.Message) {
	s.messages.Set(m.ID, m, int64(len(m.Content))+128)
}

func (s *Store) Message(id string) *types.Message {
	if v, ok := s.messages.Get(id); ok {
		return v.(*types.Message)
	}
	return nil
}

func (s *Store) RemoveMessage(id string) *types.Message {
	m := s.Message(id)
	s.messages.Del(id)
	return m
}
