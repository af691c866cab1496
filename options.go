package kiera

import (
	"time"

	"go.uber.org/zap"

	"github.com/kierajs/kiera-go/gateway"
	"github.com/kierajs/kiera-go/voice"
)

// Options configure the client core. Zero values fall back to the platform
// defaults noted per field.
type Options struct {
	// Intents selects which event families the gateway delivers. Nil sends
	// GuildSubscriptions instead (legacy sessions).
	Intents *int
	// GuildSubscriptions subscribes to presence/typing when intents are
	// absent.
	GuildSubscriptions bool
	// Compress enables zlib-stream transport compression.
	Compress bool
	// LargeThreshold is the offline-member delivery cutoff (50–250,
	// default 250).
	LargeThreshold int
	// GetAllUsers requests every large guild's members at ready. Requires
	// the guild-members capability bit when intents are set.
	GetAllUsers bool

	Autoreconnect        bool
	MaxResumeAttempts    int // default 10
	MaxReconnectAttempts int // 0 = unbounded
	// ReconnectDelay overrides the backoff curve.
	ReconnectDelay func(lastDelay time.Duration, attempts int) time.Duration

	ConnectionTimeout  time.Duration // default 30s
	RequestTimeout     time.Duration // default 15s
	GuildCreateTimeout time.Duration // default 2s

	// FirstShardID..LastShardID bound which shards this process runs.
	FirstShardID int
	LastShardID  int
	// MaxShards is the total shard count; 0 means use the gateway's
	// recommendation ("auto").
	MaxShards int

	// DisableEvents drops matching DISPATCH frames before demultiplexing.
	DisableEvents map[string]bool
	// SeedVoiceConnections re-establishes the own user's voice sessions
	// found in initial guild voice states.
	SeedVoiceConnections bool

	// GatewayURL skips the /gateway/bot probe when set (tests, proxies).
	GatewayURL string
	// RESTBaseURL overrides the API origin.
	RESTBaseURL string

	// MessageCacheCost bounds the message cache in bytes (default 32 MiB).
	MessageCacheCost int64

	// SessionStore persists resume state across restarts (optional).
	SessionStore gateway.SessionStore
	// VoiceSessionFactory builds voice sessions; nil uses the built-in
	// bookkeeping session.
	VoiceSessionFactory voice.Factory

	Logger *zap.Logger
}

func (o *Options) fillDefaults() {
	if o.MaxResumeAttempts == 0 {
		o.MaxResumeAttempts = 10
	}
	if o.ConnectionTimeout == 0 {
		o.ConnectionTimeout = 30 * time.Second
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.GuildCreateTimeout == 0 {
		o.GuildCreateTimeout = 2 * time.Second
	}
	if o.LargeThreshold == 0 {
		o.LargeThreshold = 250
	}
	if o.LargeThreshold < 50 {
		o.LargeThreshold = 50
	}
	if o.LargeThreshold > 250 {
		o.LargeThreshold = 250
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}
