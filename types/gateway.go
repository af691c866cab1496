package types

import "github.com/goccy/go-json"

// Payload is a raw gateway frame: {op, d, s?, t?}. The data field stays
// undecoded until the demux layer knows the concrete envelope.
type Payload struct {
	Op       int             `json:"op"`
	Data     json.RawMessage `json:"d,omitempty"`
	Sequence int64           `json:"s,omitempty"`
	Type     string          `json:"t,omitempty"`
}

type HelloData struct {
	HeartbeatInterval int      `json:"heartbeat_interval"`
	Trace             []string `json:"_trace,omitempty"`
}

type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// IdentifyData intentionally holds the raw token string: it is only ever
// serialized straight onto the socket. Debug dumps of outbound identifies go
// through RedactedForTrace.
type IdentifyData struct {
	Token              string              `json:"token"`
	Properties         IdentifyProperties  `json:"properties"`
	Compress           bool                `json:"compress"`
	LargeThreshold     int                 `json:"large_threshold"`
	GuildSubscriptions *bool               `json:"guild_subscriptions,omitempty"`
	Intents            *int                `json:"intents,omitempty"`
	Shard              [2]int              `json:"shard"`
	Presence           *StatusUpdate       `json:"presence,omitempty"`
}

// RedactedForTrace returns a copy safe to hand to a debug logger.
func (d IdentifyData) RedactedForTrace() IdentifyData {
	d.Token = tokenSentinel
	return d
}

type ResumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

type StatusUpdate struct {
	Status     string      `json:"status,omitempty"`
	Since      int64       `json:"since,omitempty"`
	AFK        bool        `json:"afk"`
	Activities []*Activity `json:"activities"`
}

type RequestGuildMembersData struct {
	GuildID   interface{} `json:"guild_id"` // single ID with intents, []string otherwise
	Query     *string     `json:"query,omitempty"`
	Limit     int         `json:"limit"`
	UserIDs   []string    `json:"user_ids,omitempty"`
	Presences bool        `json:"presences,omitempty"`
	Nonce     string      `json:"nonce"`
}

type VoiceStateUpdateData struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

type ReadyData struct {
	Version         int             `json:"v"`
	SessionID       string          `json:"session_id"`
	User            *User           `json:"user"`
	Guilds          []*Guild        `json:"guilds"`
	PrivateChannels []*Channel      `json:"private_channels,omitempty"`
	Relationships   []*Relationship `json:"relationships,omitempty"`
	Trace           []string        `json:"_trace,omitempty"`
}

type GuildMembersChunkData struct {
	GuildID    string      `json:"guild_id"`
	Members    []*Member   `json:"members"`
	ChunkIndex int         `json:"chunk_index"`
	ChunkCount int         `json:"chunk_count"`
	NotFound   []string    `json:"not_found,omitempty"`
	Presences  []*Presence `json:"presences,omitempty"`
	Nonce      string      `json:"nonce,omitempty"`
}

type VoiceServerUpdateData struct {
	GuildID  string `json:"guild_id"`
	Endpoint string `json:"endpoint"`
	Token    string `json:"token"`
}

type GuildSyncData struct {
	ID        string      `json:"id"`
	Large     bool        `json:"large"`
	Members   []*Member   `json:"members"`
	Presences []*Presence `json:"presences"`
}
