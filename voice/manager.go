package voice

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kierajs/kiera-go/metrics"
	"github.com/kierajs/kiera-go/types"
)

// DefaultJoinTimeout bounds the wait between a join and the matching
// VOICE_SERVER_UPDATE, or, for a join riding a session that is still
// negotiating, that session's next outcome. Once the server handoff arrives,
// a join waits for the session's ready, disconnect or error with no deadline.
const DefaultJoinTimeout = 10 * time.Second

var (
	// ErrJoinTimeout is returned when the server handoff or the session's
	// ready never arrive in time.
	ErrJoinTimeout = errors.New("voice connection timeout")

	// ErrShardDisconnected rejects pending joins whose shard went away.
	ErrShardDisconnected = errors.New("shard disconnected before voice connection established")
)

// Gateway is the slice of a shard the voice layer drives.
type Gateway interface {
	UpdateVoiceState(guildID string, channelID *string, selfMute, selfDeaf bool)
}

// JoinOptions tune one join call.
type JoinOptions struct {
	SelfMute bool
	SelfDeaf bool
	OpusOnly bool
	Shared   bool
	Timeout  time.Duration
}

type joinResult struct {
	session Session
	err     error
}

// pendingJoin lives from join() until the matching VOICE_SERVER_UPDATE
// resolves it, its timeout fires, or the owning shard disconnects.
type pendingJoin struct {
	guildID   string
	channelID string
	opts      JoinOptions
	shardID   int
	result    chan joinResult
	timeout   *time.Timer
	waiting   bool // listeners already attached to the session
	cancels   []func()
}

func (p *pendingJoin) resolve(r joinResult) {
	for _, cancel := range p.cancels {
		cancel()
	}
	p.cancels = nil
	select {
	case p.result <- r:
	default:
	}
}

// Manager routes VOICE_SERVER_UPDATE events to per-guild sessions and holds
// the pending-join rendezvous table.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]Session
	pending  map[string]*pendingJoin
	factory  Factory
	log      *zap.Logger
}

func NewManager(factory Factory, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if factory == nil {
		factory = func(opts SessionOptions) Session { return NewBaseSession(opts) }
	}
	return &Manager{
		sessions: make(map[string]Session),
		pending:  make(map[string]*pendingJoin),
		factory:  factory,
		log:      logger.Named("voice"),
	}
}

// Session returns the live session for guildID, nil if none.
func (m *Manager) Session(guildID string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[guildID]
}

// Join connects (or switches) the voice session for guildID/channelID. The
// voice-state announcement goes out on sh; the call blocks until the session
// is ready, errors, or the join timeout lapses. The timeout stops counting
// when the server handoff arrives.
func (m *Manager) Join(sh Gateway, shardID int, guildID, channelID string, opts JoinOptions) (Session, error) {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultJoinTimeout
	}

	m.mu.Lock()
	if existing := m.sessions[guildID]; existing != nil {
		if existing.Ready() {
			m.mu.Unlock()
			// Live and ready: switch in place, no pending entry.
			sh.UpdateVoiceState(guildID, &channelID, opts.SelfMute, opts.SelfDeaf)
			existing.SwitchChannel(channelID)
			metrics.VoiceJoins.WithLabelValues("switch").Inc()
			return existing, nil
		}
		// Live but still negotiating: ride its next outcome.
		result := make(chan joinResult, 1)
		m.attachOneShotLocked(existing, &pendingJoin{result: result})
		m.mu.Unlock()

		sh.UpdateVoiceState(guildID, &channelID, opts.SelfMute, opts.SelfDeaf)
		select {
		case r := <-result:
			return r.session, r.err
		case <-time.After(opts.Timeout):
			metrics.VoiceJoins.WithLabelValues("timeout").Inc()
			return nil, ErrJoinTimeout
		}
	}

	p := &pendingJoin{
		guildID:   guildID,
		channelID: channelID,
		opts:      opts,
		shardID:   shardID,
		result:    make(chan joinResult, 1),
	}
	p.timeout = time.AfterFunc(opts.Timeout, func() {
		m.mu.Lock()
		if m.pending[guildID] == p {
			delete(m.pending, guildID)
		}
		m.mu.Unlock()
		p.resolve(joinResult{err: ErrJoinTimeout})
	})
	m.pending[guildID] = p
	m.mu.Unlock()

	sh.UpdateVoiceState(guildID, &channelID, opts.SelfMute, opts.SelfDeaf)

	r := <-p.result
	if r.err != nil {
		metrics.VoiceJoins.WithLabelValues("error").Inc()
		return nil, r.err
	}
	metrics.VoiceJoins.WithLabelValues("ok").Inc()
	return r.session, nil
}

// attachOneShotLocked wires the mutually exclusive ready/disconnect/error
// listeners: whichever fires first resolves and detaches the other two.
func (m *Manager) attachOneShotLocked(sess Session, p *pendingJoin) {
	cancelReady := sess.NotifyReady(func() {
		p.resolve(joinResult{session: sess})
	})
	cancelDisc := sess.NotifyDisconnect(func(err error) {
		if err == nil {
			err = errors.New("voice session disconnected")
		}
		p.resolve(joinResult{err: err})
	})
	cancelErr := sess.NotifyError(func(err error) {
		p.resolve(joinResult{err: err})
	})
	p.cancels = []func(){cancelReady, cancelDisc, cancelErr}
	p.waiting = true
}

// ServerUpdate handles a VOICE_SERVER_UPDATE routed from a shard: it cancels
// the pending timeout, builds or reuses the guild's session, restarts
// negotiation, and arms the pending join's listeners.
func (m *Manager) ServerUpdate(data *types.VoiceServerUpdateData, sessionID, userID string, shardID int) {
	m.mu.Lock()
	p := m.pending[data.GuildID]
	if p != nil {
		p.timeout.Stop()
	}

	sess := m.sessions[data.GuildID]
	if sess == nil {
		opts := SessionOptions{GuildID: data.GuildID, ShardID: shardID, Logger: m.log}
		if p != nil {
			opts.OpusOnly = p.opts.OpusOnly
			opts.Shared = p.opts.Shared
			opts.SelfMute = p.opts.SelfMute
			opts.SelfDeaf = p.opts.SelfDeaf
		}
		sess = m.factory(opts)
		m.sessions[data.GuildID] = sess
	}

	channelID := sess.ChannelID()
	if p != nil {
		channelID = p.channelID
		if !p.waiting {
			m.attachOneShotLocked(sess, p)
		}
		delete(m.pending, data.GuildID)
	}
	m.mu.Unlock()

	m.log.Debug("voice server update",
		zap.String("guild", data.GuildID), zap.String("endpoint", data.Endpoint))

	sess.Connect(ConnectArgs{
		ChannelID: channelID,
		Endpoint:  data.Endpoint,
		Token:     data.Token,
		SessionID: sessionID,
		UserID:    userID,
	})
}

// SelfStateUpdate reacts to the own user's voice state moving server-side:
// the active session follows the channel without re-announcing.
func (m *Manager) SelfStateUpdate(vs *types.VoiceState) {
	m.mu.Lock()
	sess := m.sessions[vs.GuildID]
	m.mu.Unlock()
	if sess == nil {
		return
	}
	if vs.ChannelID != "" && vs.ChannelID != sess.ChannelID() {
		sess.SwitchChannel(vs.ChannelID)
	}
}

// Switch moves the session to another channel, announcing on the gateway.
func (m *Manager) Switch(sh Gateway, guildID, channelID string) {
	m.mu.Lock()
	sess := m.sessions[guildID]
	m.mu.Unlock()
	if sess == nil {
		return
	}
	sh.UpdateVoiceState(guildID, &channelID, false, false)
	sess.SwitchChannel(channelID)
}

// Leave announces the channel exit, disconnects and destroys the session.
func (m *Manager) Leave(sh Gateway, guildID string) {
	m.mu.Lock()
	sess := m.sessions[guildID]
	delete(m.sessions, guildID)
	m.mu.Unlock()

	if sh != nil {
		sh.UpdateVoiceState(guildID, nil, false, false)
	}
	if sess != nil {
		sess.Disconnect()
		sess.Destroy()
	}
}

// ShardDisconnected rejects pending joins owned by the shard and leaves
// established sessions alone; their own disconnect events handle the rest.
func (m *Manager) ShardDisconnected(shardID int) {
	m.mu.Lock()
	var doomed []*pendingJoin
	for guildID, p := range m.pending {
		if p.shardID == shardID {
			delete(m.pending, guildID)
			doomed = append(doomed, p)
		}
	}
	m.mu.Unlock()

	for _, p := range doomed {
		p.timeout.Stop()
		p.resolve(joinResult{err: ErrShardDisconnected})
	}
}
