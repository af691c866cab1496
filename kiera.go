// Package kiera is a client for the Helselia real-time chat/voice platform:
// sharded gateway sessions with resume, a rate-limited REST pipeline, entity
// caching, and voice connection brokering.
package kiera

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kierajs/kiera-go/gateway"
	"github.com/kierajs/kiera-go/rest"
	"github.com/kierajs/kiera-go/state"
	"github.com/kierajs/kiera-go/types"
	"github.com/kierajs/kiera-go/voice"
)

// Client is the façade tying shards, REST, caches and voice together.
type Client struct {
	Token types.Token

	opts    Options
	log     *zap.Logger
	events  *Emitter
	store   *state.Store
	rest    *rest.Handler
	voice   *voice.Manager
	manager *gateway.Manager

	mu         sync.Mutex
	shardCount int
	presence   *types.StatusUpdate
	connected  bool
}

// New builds a client. The token is used verbatim; bot credentials must
// already carry the "Bot " prefix.
func New(token string, opts Options) (*Client, error) {
	if token == "" {
		return nil, errors.New("kiera: token is required")
	}
	opts.fillDefaults()

	store, err := state.NewStore(opts.MessageCacheCost)
	if err != nil {
		return nil, errors.Wrap(err, "kiera: message cache")
	}

	c := &Client{
		Token:  types.NewToken(token),
		opts:   opts,
		log:    opts.Logger.Named("kiera"),
		events: NewEmitter(),
		store:  store,
	}
	c.rest = rest.NewHandler(c.Token, rest.Options{
		BaseURL:        opts.RESTBaseURL,
		RequestTimeout: opts.RequestTimeout,
		Logger:         opts.Logger,
	})
	c.voice = voice.NewManager(opts.VoiceSessionFactory, opts.Logger)
	c.manager = gateway.NewManager(c.shardConfig, opts.Logger)

	c.events.On("seedVoiceConnection", c.onSeedVoiceConnection)
	return c, nil
}

// shardConfig is the template the manager stamps per shard.
func (c *Client) shardConfig(id int) gateway.Config {
	c.mu.Lock()
	count := c.shardCount
	presence := c.presence
	c.mu.Unlock()

	return gateway.Config{
		Token:                c.Token,
		GatewayURL:           c.gatewayURL(),
		ShardCount:           count,
		Intents:              c.opts.Intents,
		GuildSubscriptions:   c.opts.GuildSubscriptions,
		Compress:             c.opts.Compress,
		LargeThreshold:       c.opts.LargeThreshold,
		GetAllUsers:          c.opts.GetAllUsers,
		Autoreconnect:        c.opts.Autoreconnect,
		MaxResumeAttempts:    c.opts.MaxResumeAttempts,
		MaxReconnectAttempts: c.opts.MaxReconnectAttempts,
		ReconnectDelay:       c.opts.ReconnectDelay,
		ConnectionTimeout:    c.opts.ConnectionTimeout,
		RequestTimeout:       c.opts.RequestTimeout,
		GuildCreateTimeout:   c.opts.GuildCreateTimeout,
		DisableEvents:        c.opts.DisableEvents,
		SeedVoiceConnections: c.opts.SeedVoiceConnections,
		Store:                c.store,
		Logger:               c.opts.Logger,
		Emit:                 c.emitFromShard,
		Voice:                c.voice,
		SessionStore:         c.opts.SessionStore,
		Presence:             presence,
	}
}

func (c *Client) gatewayURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.GatewayURL
}

// emitFromShard forwards shard events to the client's listeners. Errors with
// no listener at all still land in the log rather than vanishing.
func (c *Client) emitFromShard(event string, args ...interface{}) {
	if event == "error" && c.events.ListenerCount("error") == 0 {
		if len(args) > 0 {
			if err, ok := args[0].(error); ok {
				c.log.Error("unhandled shard error", zap.Error(err))
			}
		}
	}
	c.events.Emit(event, args...)
}

// On registers an event listener; see the gateway package for the event
// vocabulary ("ready", "messageCreate", "guildMemberAdd", ...).
func (c *Client) On(event string, fn Handler) (remove func()) {
	return c.events.On(event, fn)
}

// Once registers a single-delivery listener.
func (c *Client) Once(event string, fn Handler) (remove func()) {
	return c.events.Once(event, fn)
}

// REST exposes the request pipeline for resource layers built on top.
func (c *Client) REST() *rest.Handler { return c.rest }

// Store exposes the entity caches.
func (c *Client) Store() *state.Store { return c.store }

// Shard returns a spawned shard by id.
func (c *Client) Shard(id int) *gateway.Shard { return c.manager.Shard(id) }

// Connect resolves the gateway endpoint and shard topology, then feeds every
// shard in this process's range through the serialized connect queue.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return errors.New("kiera: already connected")
	}
	c.connected = true
	c.mu.Unlock()

	count := c.opts.MaxShards
	if c.opts.GatewayURL == "" || count == 0 {
		gb, err := c.rest.GetGatewayBot(ctx)
		if err != nil {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			return errors.Wrap(err, "kiera: resolve gateway")
		}
		c.mu.Lock()
		if c.opts.GatewayURL == "" {
			c.opts.GatewayURL = gb.URL
		}
		c.mu.Unlock()
		if count == 0 {
			count = gb.Shards
		}
		c.manager.SetSessionStartLimit(gb.SessionStartLimit)
		c.log.Info("gateway resolved",
			zap.Int("recommended_shards", gb.Shards),
			zap.Int("session_starts_remaining", gb.SessionStartLimit.Remaining))
	}
	if count < 1 {
		count = 1
	}

	last := c.opts.LastShardID
	if last == 0 {
		last = count - 1
	}
	if last >= count {
		return errors.Errorf("kiera: lastShardID %d out of range for %d shards", last, count)
	}

	c.mu.Lock()
	c.shardCount = count
	c.mu.Unlock()

	for id := c.opts.FirstShardID; id <= last; id++ {
		sh := c.manager.Spawn(id)
		c.manager.Connect(sh)
	}
	return nil
}

// Disconnect clears the connect queue and brings every shard down; pending
// member requests resolve partial, pending voice joins reject.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.manager.Disconnect(nil)
}

// Close disconnects and releases the caches.
func (c *Client) Close() {
	c.Disconnect()

	var g errgroup.Group
	for _, guildID := range c.store.GuildIDs() {
		guildID := guildID
		if c.voice.Session(guildID) != nil {
			g.Go(func() error {
				c.voice.Leave(nil, guildID)
				return nil
			})
		}
	}
	_ = g.Wait()
	c.store.Close()
}

// EditStatus replicates the presence to every shard; it is also replayed
// inside each future IDENTIFY, including those of shards spawned later. The
// member cache is not touched and no presenceUpdate event is emitted locally;
// the gateway echoes a presence update when other listeners should hear
// about it.
func (c *Client) EditStatus(status string, activities ...*types.Activity) {
	p := &types.StatusUpdate{Status: status, Activities: activities}
	c.mu.Lock()
	c.presence = p
	c.mu.Unlock()

	for _, sh := range c.manager.Shards() {
		sh.EditStatus(p)
	}
}

// shardForGuild routes a guild to its owning shard.
func (c *Client) shardForGuild(guildID string) (*gateway.Shard, error) {
	c.mu.Lock()
	count := c.shardCount
	c.mu.Unlock()
	if count < 1 {
		return nil, errors.New("kiera: not connected")
	}
	id, err := strconv.ParseUint(guildID, 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "kiera: bad guild id")
	}
	sh := c.manager.Shard(int(id % uint64(count)))
	if sh == nil {
		return nil, errors.Errorf("kiera: guild %s is not served by this process", guildID)
	}
	return sh, nil
}

// JoinVoiceChannel brings up (or switches) the voice session for the guild,
// blocking until it is ready or the join times out.
func (c *Client) JoinVoiceChannel(guildID, channelID string, opts voice.JoinOptions) (voice.Session, error) {
	sh, err := c.shardForGuild(guildID)
	if err != nil {
		return nil, err
	}
	return c.voice.Join(sh, sh.ID, guildID, channelID, opts)
}

// LeaveVoiceChannel tears the guild's voice session down.
func (c *Client) LeaveVoiceChannel(guildID string) error {
	sh, err := c.shardForGuild(guildID)
	if err != nil {
		return err
	}
	c.voice.Leave(sh, guildID)
	return nil
}

// RequestGuildMembers fetches members through the owning shard; see
// gateway.Shard.RequestGuildMembers for the batching contract.
func (c *Client) RequestGuildMembers(guildID string, userIDs []string, presences bool) (<-chan []*types.Member, error) {
	sh, err := c.shardForGuild(guildID)
	if err != nil {
		return nil, err
	}
	return sh.RequestGuildMembers(guildID, userIDs, presences), nil
}

// onSeedVoiceConnection replays a voice session observed in the initial
// guild state.
func (c *Client) onSeedVoiceConnection(args ...interface{}) {
	if len(args) < 2 {
		return
	}
	vs, ok := args[0].(*types.VoiceState)
	if !ok {
		return
	}
	go func() {
		if _, err := c.JoinVoiceChannel(vs.GuildID, vs.ChannelID, voice.JoinOptions{}); err != nil {
			c.log.Warn("voice connection seed failed",
				zap.String("guild", vs.GuildID), zap.Error(err))
		}
	}()
}
