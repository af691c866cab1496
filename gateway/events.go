package gateway

import (
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/kierajs/kiera-go/types"
)

// dispatch fans one DISPATCH frame out by event name. Handlers compute a
// before/after diff against the cache and emit (new, old). A missing cached
// parent logs at debug and skips; it never takes the shard down.
func (s *Shard) dispatch(p *types.Payload) {
	emit := s.cfg.Emit
	store := s.cfg.Store

	decode := func(v interface{}) bool {
		if err := json.Unmarshal(p.Data, v); err != nil {
			s.emitError(&DecoderError{Err: err})
			return false
		}
		return true
	}

	switch p.Type {
	case "READY":
		var d types.ReadyData
		if !decode(&d) {
			return
		}
		s.onReady(&d)

	case "RESUMED":
		s.onSessionEstablished()
		s.log.Info("session resumed")
		emit("resume", s.ID)

	// --- guild lifecycle ---

	case "GUILD_CREATE":
		var g types.Guild
		if !decode(&g) {
			return
		}
		s.onGuildCreate(&g)

	case "GUILD_UPDATE":
		var g types.Guild
		if !decode(&g) {
			return
		}
		old := store.UpsertGuild(&g)
		if old == nil {
			s.log.Debug("GUILD_UPDATE for uncached guild", zap.String("guild", g.ID))
			return
		}
		emit("guildUpdate", &g, old)

	case "GUILD_DELETE":
		var g types.Guild
		if !decode(&g) {
			return
		}
		old := store.RemoveGuild(g.ID)
		if g.Unavailable {
			// Outage, not removal.
			emit("guildUnavailable", &g)
			return
		}
		if old != nil {
			emit("guildDelete", old)
		} else {
			emit("guildDelete", &g)
		}

	case "GUILD_SYNC":
		var d types.GuildSyncData
		if !decode(&d) {
			return
		}
		s.onGuildSync(&d)

	case "GUILD_EMOJIS_UPDATE":
		var d struct {
			GuildID string         `json:"guild_id"`
			Emojis  []*types.Emoji `json:"emojis"`
		}
		if !decode(&d) {
			return
		}
		g := store.Guild(d.GuildID)
		if g == nil {
			s.log.Debug("emoji update for uncached guild", zap.String("guild", d.GuildID))
			return
		}
		old := g.Emojis
		g.Emojis = d.Emojis
		emit("guildEmojisUpdate", g, d.Emojis, old)

	case "GUILD_INTEGRATIONS_UPDATE":
		var d struct {
			GuildID string `json:"guild_id"`
		}
		if !decode(&d) {
			return
		}
		emit("guildIntegrationsUpdate", d.GuildID)

	// --- membership ---

	case "GUILD_MEMBER_ADD":
		var m types.Member
		if !decode(&m) {
			return
		}
		if store.Guild(m.GuildID) == nil {
			s.log.Debug("member add for uncached guild", zap.String("guild", m.GuildID))
			return
		}
		store.UpsertMember(&m)
		emit("guildMemberAdd", &m)

	case "GUILD_MEMBER_UPDATE":
		var m types.Member
		if !decode(&m) {
			return
		}
		if store.Guild(m.GuildID) == nil {
			s.log.Debug("member update for uncached guild", zap.String("guild", m.GuildID))
			return
		}
		old := store.UpsertMember(&m)
		emit("guildMemberUpdate", &m, old)

	case "GUILD_MEMBER_REMOVE":
		var d struct {
			GuildID string      `json:"guild_id"`
			User    *types.User `json:"user"`
		}
		if !decode(&d) || d.User == nil {
			return
		}
		old := store.RemoveMember(d.GuildID, d.User.ID)
		if old == nil {
			old = &types.Member{GuildID: d.GuildID, User: d.User}
		}
		emit("guildMemberRemove", old)

	case "GUILD_MEMBERS_CHUNK":
		var d types.GuildMembersChunkData
		if !decode(&d) {
			return
		}
		s.onGuildMembersChunk(&d)
		emit("guildMembersChunk", &d)

	case "GUILD_BAN_ADD", "GUILD_BAN_REMOVE":
		var d struct {
			GuildID string      `json:"guild_id"`
			User    *types.User `json:"user"`
		}
		if !decode(&d) {
			return
		}
		if p.Type == "GUILD_BAN_ADD" {
			emit("guildBanAdd", d.GuildID, d.User)
		} else {
			emit("guildBanRemove", d.GuildID, d.User)
		}

	// --- roles ---

	case "GUILD_ROLE_CREATE", "GUILD_ROLE_UPDATE":
		var d struct {
			GuildID string      `json:"guild_id"`
			Role    *types.Role `json:"role"`
		}
		if !decode(&d) || d.Role == nil {
			return
		}
		g := store.Guild(d.GuildID)
		if g == nil {
			s.log.Debug("role event for uncached guild", zap.String("guild", d.GuildID))
			return
		}
		d.Role.GuildID = d.GuildID
		var old *types.Role
		for i, r := range g.Roles {
			if r.ID == d.Role.ID {
				old = r
				g.Roles[i] = d.Role
				break
			}
		}
		if old == nil {
			g.Roles = append(g.Roles, d.Role)
		}
		if p.Type == "GUILD_ROLE_CREATE" {
			emit("guildRoleCreate", d.Role)
		} else {
			emit("guildRoleUpdate", d.Role, old)
		}

	case "GUILD_ROLE_DELETE":
		var d struct {
			GuildID string `json:"guild_id"`
			RoleID  string `json:"role_id"`
		}
		if !decode(&d) {
			return
		}
		g := store.Guild(d.GuildID)
		if g == nil {
			s.log.Debug("role delete for uncached guild", zap.String("guild", d.GuildID))
			return
		}
		for i, r := range g.Roles {
			if r.ID == d.RoleID {
				g.Roles = append(g.Roles[:i], g.Roles[i+1:]...)
				emit("guildRoleDelete", r)
				return
			}
		}

	// --- channels ---

	case "CHANNEL_CREATE":
		var ch types.Channel
		if !decode(&ch) {
			return
		}
		store.UpsertChannel(&ch)
		emit("channelCreate", &ch)

	case "CHANNEL_UPDATE":
		var ch types.Channel
		if !decode(&ch) {
			return
		}
		old := store.UpsertChannel(&ch)
		emit("channelUpdate", &ch, old)

	case "CHANNEL_DELETE":
		var ch types.Channel
		if !decode(&ch) {
			return
		}
		if old := store.RemoveChannel(ch.ID); old != nil {
			emit("channelDelete", old)
		} else {
			emit("channelDelete", &ch)
		}

	case "CHANNEL_PINS_UPDATE":
		var d struct {
			ChannelID string `json:"channel_id"`
			Timestamp string `json:"last_pin_timestamp"`
		}
		if !decode(&d) {
			return
		}
		ch := store.Channel(d.ChannelID)
		if ch == nil {
			s.log.Debug("pins update for uncached channel", zap.String("channel", d.ChannelID))
			return
		}
		old := ch.LastPinAt
		ch.LastPinAt = d.Timestamp
		emit("channelPinUpdate", ch, d.Timestamp, old)

	case "CHANNEL_RECIPIENT_ADD", "CHANNEL_RECIPIENT_REMOVE":
		var d struct {
			ChannelID string      `json:"channel_id"`
			User      *types.User `json:"user"`
		}
		if !decode(&d) || d.User == nil {
			return
		}
		ch := store.Channel(d.ChannelID)
		if ch == nil {
			s.log.Debug("recipient event for uncached channel", zap.String("channel", d.ChannelID))
			return
		}
		if p.Type == "CHANNEL_RECIPIENT_ADD" {
			ch.Recipients = append(ch.Recipients, d.User)
			emit("channelRecipientAdd", ch, d.User)
		} else {
			for i, u := range ch.Recipients {
				if u.ID == d.User.ID {
					ch.Recipients = append(ch.Recipients[:i], ch.Recipients[i+1:]...)
					break
				}
			}
			emit("channelRecipientRemove", ch, d.User)
		}

	// --- messages ---

	case "MESSAGE_CREATE":
		var m types.Message
		if !decode(&m) {
			return
		}
		store.AddMessage(&m)
		emit("messageCreate", &m)

	case "MESSAGE_UPDATE":
		var m types.Message
		if !decode(&m) {
			return
		}
		old := store.Message(m.ID)
		store.AddMessage(&m)
		emit("messageUpdate", &m, old)

	case "MESSAGE_DELETE":
		var d struct {
			ID        string `json:"id"`
			ChannelID string `json:"channel_id"`
		}
		if !decode(&d) {
			return
		}
		if old := store.RemoveMessage(d.ID); old != nil {
			emit("messageDelete", old)
		} else {
			emit("messageDelete", &types.Message{ID: d.ID, ChannelID: d.ChannelID})
		}

	case "MESSAGE_DELETE_BULK":
		var d struct {
			IDs       []string `json:"ids"`
			ChannelID string   `json:"channel_id"`
		}
		if !decode(&d) {
			return
		}
		deleted := make([]*types.Message, 0, len(d.IDs))
		for _, id := range d.IDs {
			if old := store.RemoveMessage(id); old != nil {
				deleted = append(deleted, old)
			} else {
				deleted = append(deleted, &types.Message{ID: id, ChannelID: d.ChannelID})
			}
		}
		emit("messageDeleteBulk", deleted)

	case "MESSAGE_REACTION_ADD", "MESSAGE_REACTION_REMOVE":
		var d struct {
			UserID    string       `json:"user_id"`
			ChannelID string       `json:"channel_id"`
			MessageID string       `json:"message_id"`
			GuildID   string       `json:"guild_id"`
			Emoji     *types.Emoji `json:"emoji"`
		}
		if !decode(&d) {
			return
		}
		msg := store.Message(d.MessageID)
		if msg == nil {
			msg = &types.Message{ID: d.MessageID, ChannelID: d.ChannelID, GuildID: d.GuildID}
		}
		if p.Type == "MESSAGE_REACTION_ADD" {
			emit("messageReactionAdd", msg, d.Emoji, d.UserID)
		} else {
			emit("messageReactionRemove", msg, d.Emoji, d.UserID)
		}

	case "MESSAGE_REACTION_REMOVE_ALL":
		var d struct {
			ChannelID string `json:"channel_id"`
			MessageID string `json:"message_id"`
		}
		if !decode(&d) {
			return
		}
		msg := store.Message(d.MessageID)
		if msg == nil {
			msg = &types.Message{ID: d.MessageID, ChannelID: d.ChannelID}
		}
		emit("messageReactionRemoveAll", msg)

	case "MESSAGE_REACTION_REMOVE_EMOJI":
		var d struct {
			ChannelID string       `json:"channel_id"`
			MessageID string       `json:"message_id"`
			Emoji     *types.Emoji `json:"emoji"`
		}
		if !decode(&d) {
			return
		}
		msg := store.Message(d.MessageID)
		if msg == nil {
			msg = &types.Message{ID: d.MessageID, ChannelID: d.ChannelID}
		}
		emit("messageReactionRemoveEmoji", msg, d.Emoji)

	// --- users / presence ---

	case "PRESENCE_UPDATE":
		var pr types.Presence
		if !decode(&pr) {
			return
		}
		if pr.User == nil {
			return
		}
		var old *types.Member
		if pr.GuildID != "" {
			if m := store.Member(pr.GuildID, pr.User.ID); m != nil {
				cp := *m
				old = &cp
				m.Presence = &pr
			} else {
				s.log.Debug("presence for uncached member",
					zap.String("guild", pr.GuildID), zap.String("user", pr.User.ID))
			}
		}
		emit("presenceUpdate", &pr, old)

	case "PRESENCES_REPLACE":
		var list []*types.Presence
		if !decode(&list) {
			return
		}
		for _, pr := range list {
			if pr.User == nil || pr.GuildID == "" {
				continue
			}
			if m := store.Member(pr.GuildID, pr.User.ID); m != nil {
				m.Presence = pr
			}
		}
		emit("presencesReplace", list)

	case "USER_UPDATE":
		var u types.User
		if !decode(&u) {
			return
		}
		old := store.UpsertUser(&u)
		if self := store.SelfUser(); self != nil && self.ID == u.ID {
			store.SetSelfUser(&u)
		}
		emit("userUpdate", &u, old)

	case "USER_NOTE_UPDATE":
		var d struct {
			ID   string `json:"id"`
			Note string `json:"note"`
		}
		if !decode(&d) {
			return
		}
		emit("userNoteUpdate", d.ID, d.Note)

	case "USER_SETTINGS_UPDATE":
		emit("userSettingsUpdate", p.Data)

	case "USER_GUILD_SETTINGS_UPDATE":
		emit("userGuildSettingsUpdate", p.Data)

	case "RELATIONSHIP_ADD":
		var r types.Relationship
		if !decode(&r) {
			return
		}
		emit("relationshipAdd", &r)

	case "RELATIONSHIP_REMOVE":
		var r types.Relationship
		if !decode(&r) {
			return
		}
		emit("relationshipRemove", &r)

	case "FRIEND_SUGGESTION_CREATE":
		emit("friendSuggestionCreate", p.Data)

	case "FRIEND_SUGGESTION_DELETE":
		emit("friendSuggestionDelete", p.Data)

	// --- voice ---

	case "VOICE_STATE_UPDATE":
		var vs types.VoiceState
		if !decode(&vs) {
			return
		}
		s.onVoiceStateUpdate(&vs)

	case "VOICE_SERVER_UPDATE":
		var d types.VoiceServerUpdateData
		if !decode(&d) {
			return
		}
		s.onVoiceServerUpdate(&d)

	// --- invites / misc ---

	case "INVITE_CREATE":
		var inv types.Invite
		if !decode(&inv) {
			return
		}
		if store.Guild(inv.GuildID) == nil {
			s.log.Debug("invite create for uncached guild", zap.String("guild", inv.GuildID))
			return
		}
		emit("inviteCreate", &inv)

	case "INVITE_DELETE":
		var inv types.Invite
		if !decode(&inv) {
			return
		}
		emit("inviteDelete", &inv)

	case "TYPING_START":
		var d struct {
			ChannelID string `json:"channel_id"`
			GuildID   string `json:"guild_id"`
			UserID    string `json:"user_id"`
			Timestamp int64  `json:"timestamp"`
		}
		if !decode(&d) {
			return
		}
		emit("typingStart", d.ChannelID, d.UserID, d.Timestamp)

	case "WEBHOOKS_UPDATE":
		var d struct {
			GuildID   string `json:"guild_id"`
			ChannelID string `json:"channel_id"`
		}
		if !decode(&d) {
			return
		}
		emit("webhooksUpdate", d.GuildID, d.ChannelID)

	default:
		// Unknown dispatches surface rather than vanishing.
		s.log.Debug("unknown dispatch event", zap.String("type", p.Type))
		s.cfg.Emit("unknown", p, s.ID)
	}
}

func (s *Shard) onReady(d *types.ReadyData) {
	s.mu.Lock()
	s.sessionID = d.SessionID
	s.serverTrace = d.Trace
	s.mu.Unlock()

	store := s.cfg.Store
	store.SetSelfUser(d.User)
	if d.User != nil {
		store.UpsertUser(d.User)
	}
	for _, ch := range d.PrivateChannels {
		store.UpsertChannel(ch)
	}

	if s.cfg.SessionStore != nil {
		_ = s.cfg.SessionStore.Save(s.ID, d.SessionID, s.Sequence())
	}

	s.onSessionEstablished()

	for _, g := range d.Guilds {
		if g.Unavailable {
			s.mu.Lock()
			s.unavailableGuilds[g.ID] = struct{}{}
			s.mu.Unlock()
			continue
		}
		s.cacheGuild(g)
	}

	s.log.Info("identified", zap.Int("guilds", len(d.Guilds)))
	s.cfg.Emit("shardPreReady", s.ID)

	s.mu.Lock()
	pendingUnavailable := len(s.unavailableGuilds)
	s.mu.Unlock()
	if pendingUnavailable == 0 {
		s.finishPreReady()
	} else {
		s.restartGuildCreateTimer()
	}
}

// cacheGuild stores an available guild and feeds the post-ready queues.
func (s *Shard) cacheGuild(g *types.Guild) {
	s.cfg.Store.UpsertGuild(g)

	s.mu.Lock()
	if !s.preReady {
		if !s.cfg.Token.IsBot() {
			s.guildSyncQueue = append(s.guildSyncQueue, g.ID)
		}
		if s.cfg.GetAllUsers && g.Large {
			s.getAllUsersQueue = append(s.getAllUsersQueue, g.ID)
		}
	}
	s.mu.Unlock()

	if s.cfg.SeedVoiceConnections {
		if self := s.cfg.Store.SelfUser(); self != nil {
			for _, vs := range g.VoiceStates {
				if vs.UserID == self.ID && vs.ChannelID != "" {
					vs.GuildID = g.ID
					s.cfg.Emit("seedVoiceConnection", vs, s.ID)
				}
			}
		}
	}
}

func (s *Shard) onGuildCreate(g *types.Guild) {
	s.mu.Lock()
	_, wasUnavailable := s.unavailableGuilds[g.ID]
	delete(s.unavailableGuilds, g.ID)
	remaining := len(s.unavailableGuilds)
	pre := s.preReady
	s.mu.Unlock()

	s.cacheGuild(g)

	switch {
	case wasUnavailable:
		s.cfg.Emit("guildAvailable", g)
	default:
		s.cfg.Emit("guildCreate", g)
	}

	if !pre {
		if remaining == 0 {
			s.finishPreReady()
		} else {
			s.restartGuildCreateTimer()
		}
	}
}

func (s *Shard) onGuildSync(d *types.GuildSyncData) {
	store := s.cfg.Store
	for _, m := range d.Members {
		m.GuildID = d.ID
		store.UpsertMember(m)
	}
	for _, pr := range d.Presences {
		if pr.User != nil {
			if m := store.Member(d.ID, pr.User.ID); m != nil {
				m.Presence = pr
			}
		}
	}

	s.mu.Lock()
	if s.unsyncedGuilds > 0 {
		s.unsyncedGuilds--
	}
	done := s.unsyncedGuilds == 0
	s.mu.Unlock()

	s.cfg.Emit("guildSync", d.ID)
	if done {
		s.drainGetAllUsers()
		s.checkReady()
	}
}

func (s *Shard) onVoiceStateUpdate(vs *types.VoiceState) {
	store := s.cfg.Store
	old := store.UpsertVoiceState(vs)

	if self := store.SelfUser(); self != nil && vs.UserID == self.ID {
		if s.cfg.Voice != nil {
			s.cfg.Voice.SelfStateUpdate(vs)
		}
	}
	s.cfg.Emit("voiceStateUpdate", vs, old)
}

// onVoiceServerUpdate forwards the endpoint/token handoff to the voice
// manager, with the own session identity and shard provenance attached.
func (s *Shard) onVoiceServerUpdate(d *types.VoiceServerUpdateData) {
	if s.cfg.Voice == nil {
		return
	}
	self := s.cfg.Store.SelfUser()
	if self == nil {
		s.log.Debug("voice server update before own user is known")
		return
	}
	vs := s.cfg.Store.VoiceState(d.GuildID, self.ID)
	sessionID := ""
	if vs != nil {
		sessionID = vs.SessionID
	}
	s.cfg.Voice.ServerUpdate(d, sessionID, self.ID, s.ID)
}
