package types

// Core entities exchanged with the Helselia platform. Only fields the client
// core reads are modeled; unknown fields pass through untouched on re-decode.

type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Avatar        string `json:"avatar,omitempty"`
	Bot           bool   `json:"bot,omitempty"`
	System        bool   `json:"system,omitempty"`
}

type Member struct {
	User     *User    `json:"user,omitempty"`
	GuildID  string   `json:"guild_id,omitempty"`
	Nick     string   `json:"nick,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	JoinedAt string   `json:"joined_at,omitempty"`
	Deaf     bool     `json:"deaf,omitempty"`
	Mute     bool     `json:"mute,omitempty"`
	Presence *Presence `json:"presence,omitempty"`
}

type Role struct {
	ID          string `json:"id"`
	GuildID     string `json:"guild_id,omitempty"`
	Name        string `json:"name"`
	Color       int    `json:"color"`
	Hoist       bool   `json:"hoist"`
	Position    int    `json:"position"`
	Permissions int64  `json:"permissions,string"`
	Managed     bool   `json:"managed"`
	Mentionable bool   `json:"mentionable"`
}

type Channel struct {
	ID         string   `json:"id"`
	GuildID    string   `json:"guild_id,omitempty"`
	Type       int      `json:"type"`
	Name       string   `json:"name,omitempty"`
	Topic      string   `json:"topic,omitempty"`
	Position   int      `json:"position,omitempty"`
	ParentID   string   `json:"parent_id,omitempty"`
	LastPinAt  string   `json:"last_pin_timestamp,omitempty"`
	Recipients []*User  `json:"recipients,omitempty"`
	NSFW       bool     `json:"nsfw,omitempty"`
}

type Emoji struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Roles    []string `json:"roles,omitempty"`
	Animated bool     `json:"animated,omitempty"`
}

type Guild struct {
	ID           string        `json:"id"`
	Name         string        `json:"name,omitempty"`
	Icon         string        `json:"icon,omitempty"`
	OwnerID      string        `json:"owner_id,omitempty"`
	Large        bool          `json:"large,omitempty"`
	Unavailable  bool          `json:"unavailable,omitempty"`
	MemberCount  int           `json:"member_count,omitempty"`
	Members      []*Member     `json:"members,omitempty"`
	Channels     []*Channel    `json:"channels,omitempty"`
	Roles        []*Role       `json:"roles,omitempty"`
	Emojis       []*Emoji      `json:"emojis,omitempty"`
	VoiceStates  []*VoiceState `json:"voice_states,omitempty"`
	Presences    []*Presence   `json:"presences,omitempty"`
	JoinedAt     string        `json:"joined_at,omitempty"`
}

type Message struct {
	ID        string   `json:"id"`
	ChannelID string   `json:"channel_id"`
	GuildID   string   `json:"guild_id,omitempty"`
	Author    *User    `json:"author,omitempty"`
	Content   string   `json:"content,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	EditedAt  string   `json:"edited_timestamp,omitempty"`
	Pinned    bool     `json:"pinned,omitempty"`
	TTS       bool     `json:"tts,omitempty"`
	Mentions  []*User  `json:"mentions,omitempty"`
}

type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	URL  string `json:"url,omitempty"`
}

type Presence struct {
	User       *User       `json:"user,omitempty"`
	GuildID    string      `json:"guild_id,omitempty"`
	Status     string      `json:"status,omitempty"`
	Activities []*Activity `json:"activities,omitempty"`
}

type VoiceState struct {
	GuildID   string `json:"guild_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
	Deaf      bool   `json:"deaf,omitempty"`
	Mute      bool   `json:"mute,omitempty"`
	SelfDeaf  bool   `json:"self_deaf,omitempty"`
	SelfMute  bool   `json:"self_mute,omitempty"`
	Suppress  bool   `json:"suppress,omitempty"`
}

type Invite struct {
	Code      string   `json:"code"`
	GuildID   string   `json:"guild_id,omitempty"`
	ChannelID string   `json:"channel_id,omitempty"`
	Inviter   *User    `json:"inviter,omitempty"`
	MaxAge    int      `json:"max_age,omitempty"`
	MaxUses   int      `json:"max_uses,omitempty"`
	Temporary bool     `json:"temporary,omitempty"`
	CreatedAt string   `json:"created_at,omitempty"`
}

type Relationship struct {
	ID   string `json:"id"`
	Type int    `json:"type"`
	User *User  `json:"user,omitempty"`
}

// SessionStartLimit caps identify operations per rolling window; returned by
// the /gateway/bot probe and consumed by the shard connect queue.
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}
