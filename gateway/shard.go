package gateway

import (
	"math/rand"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/kierajs/kiera-go/metrics"
	"github.com/kierajs/kiera-go/ratelimit"
	"github.com/kierajs/kiera-go/state"
	"github.com/kierajs/kiera-go/types"
)

// EmitFunc fans an event out to the client's listeners.
type EmitFunc func(event string, args ...interface{})

// VoiceForwarder receives the gateway-side half of voice bring-up.
type VoiceForwarder interface {
	ServerUpdate(data *types.VoiceServerUpdateData, sessionID, userID string, shardID int)
	SelfStateUpdate(vs *types.VoiceState)
	ShardDisconnected(shardID int)
}

// SessionStore optionally persists resume state across process restarts.
type SessionStore interface {
	Load(shardID int) (sessionID string, seq int64, err error)
	Save(shardID int, sessionID string, seq int64) error
	Clear(shardID int) error
}

// Config carries everything a shard needs from the client.
type Config struct {
	Token      types.Token
	GatewayURL string
	ShardCount int

	Intents            *int
	GuildSubscriptions bool
	Compress           bool
	LargeThreshold     int
	GetAllUsers        bool

	Autoreconnect        bool
	MaxResumeAttempts    int
	MaxReconnectAttempts int
	ReconnectDelay       func(lastDelay time.Duration, attempts int) time.Duration

	ConnectionTimeout  time.Duration
	RequestTimeout     time.Duration
	GuildCreateTimeout time.Duration

	DisableEvents        map[string]bool
	SeedVoiceConnections bool

	Store        *state.Store
	Logger       *zap.Logger
	Emit         EmitFunc
	Voice        VoiceForwarder
	SessionStore SessionStore

	// Presence seeds the shard's initial status, replicated from the client.
	Presence *types.StatusUpdate

	// Dialer is swappable for tests.
	Dialer *websocket.Dialer
}

func (c *Config) fillDefaults() {
	if c.MaxResumeAttempts == 0 {
		c.MaxResumeAttempts = 10
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.GuildCreateTimeout == 0 {
		c.GuildCreateTimeout = 2 * time.Second
	}
	if c.LargeThreshold == 0 {
		c.LargeThreshold = 250
	}
	if c.ShardCount == 0 {
		c.ShardCount = 1
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Emit == nil {
		c.Emit = func(string, ...interface{}) {}
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// Shard drives a single gateway session. All mutable state is guarded by mu;
// the socket reader is one goroutine per connection, identified by connID so
// goroutines of a replaced connection fall out silently.
type Shard struct {
	ID  int
	cfg Config
	log *zap.Logger

	mu     sync.Mutex
	wmu    sync.Mutex // socket writes
	status Status
	conn   *websocket.Conn
	codec  *Codec
	connID int

	sessionID   string
	seq         int64
	serverTrace []string

	lastHeartbeatSent     time.Time
	lastHeartbeatReceived time.Time
	lastHeartbeatAck      bool
	latency               time.Duration
	heartbeatStop         chan struct{}

	connectAttempts int
	resumeAttempts  int
	reconnectDelay  time.Duration
	reconnectTimer  *time.Timer

	globalBucket   *ratelimit.Bucket
	presenceBucket *ratelimit.Bucket

	presence    *types.StatusUpdate
	presenceSet bool

	pendingMembers    map[string]*memberRequest
	memberBatches     map[string]*memberBatch
	guildSyncQueue    []string
	unsyncedGuilds    int
	getAllUsersQueue  []string
	unavailableGuilds map[string]struct{}
	guildCreateTimer  *time.Timer
	preReady          bool
	readyEmitted      bool

	// signaled once per successful READY or RESUMED; consumed by the manager.
	sessionUp chan struct{}
}

func NewShard(id int, cfg Config) *Shard {
	cfg.fillDefaults()
	s := &Shard{
		ID:                id,
		cfg:               cfg,
		log:               cfg.Logger.Named("shard").With(zap.Int("shard", id)),
		reconnectDelay:    time.Second,
		lastHeartbeatAck:  true,
		presence:          cfg.Presence,
		pendingMembers:    make(map[string]*memberRequest),
		memberBatches:     make(map[string]*memberBatch),
		unavailableGuilds: make(map[string]struct{}),
		sessionUp:         make(chan struct{}, 1),
	}
	latency := func() time.Duration { return s.Latency() }
	s.globalBucket = ratelimit.NewBucket(120, 5, 60*time.Second, latency)
	s.presenceBucket = ratelimit.NewBucket(5, 0, 60*time.Second, latency)
	return s
}

// Status returns the current connection state.
func (s *Shard) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Latency is the last measured heartbeat round-trip.
func (s *Shard) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency
}

// SessionID returns the resumable session identifier, empty before Ready.
func (s *Shard) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Sequence returns the highest dispatch sequence observed this session.
func (s *Shard) Sequence() int64 {
	return atomic.LoadInt64(&s.seq)
}

// SessionUp is signaled on every READY/RESUMED; the manager's connect queue
// waits on it before starting the next shard.
func (s *Shard) SessionUp() <-chan struct{} { return s.sessionUp }

// Connect dials the gateway and starts the handshake. It returns immediately;
// progress is reported through events.
func (s *Shard) Connect() error {
	s.mu.Lock()
	if s.status != StatusDisconnected {
		s.mu.Unlock()
		return &CloseError{Message: "shard is already connecting or connected"}
	}
	s.status = StatusConnecting
	s.connectAttempts++
	s.connID++
	connID := s.connID
	metrics.ShardStatus.WithLabelValues(strconv.Itoa(s.ID)).Set(float64(StatusConnecting))

	if s.sessionID == "" && s.cfg.SessionStore != nil {
		if sid, seq, err := s.cfg.SessionStore.Load(s.ID); err == nil && sid != "" {
			s.sessionID = sid
			atomic.StoreInt64(&s.seq, seq)
			s.log.Debug("restored session from store", zap.Int64("seq", seq))
		}
	}
	s.mu.Unlock()

	go s.dial(connID)
	return nil
}

func (s *Shard) dial(connID int) {
	url := s.cfg.GatewayURL + "?v=6&encoding=json"
	if s.cfg.Compress {
		url += "&compress=zlib-stream"
	}

	dialer := *s.cfg.Dialer
	dialer.HandshakeTimeout = s.cfg.ConnectionTimeout
	conn, _, err := dialer.Dial(url, nil)

	s.mu.Lock()
	if s.connID != connID || s.status != StatusConnecting {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.log.Error("gateway dial failed", zap.Error(err))
		s.disconnect(err, true)
		return
	}
	s.conn = conn
	s.codec = NewCodec(s.cfg.Compress)
	s.status = StatusHandshaking
	s.lastHeartbeatAck = true
	s.mu.Unlock()

	// Watchdog: the socket is recycled when no HELLO has been handled within
	// the connection timeout. Once identify or resume is under way the
	// watchdog stands down; it does not wait for READY or RESUMED.
	time.AfterFunc(s.cfg.ConnectionTimeout, func() {
		s.mu.Lock()
		stale := s.connID != connID ||
			(s.status != StatusConnecting && s.status != StatusHandshaking)
		s.mu.Unlock()
		if !stale {
			s.log.Warn("handshake timed out")
			s.disconnect(ErrConnectTimeout, true)
		}
	})

	go s.readLoop(conn, connID)
}

func (s *Shard) readLoop(conn *websocket.Conn, connID int) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			s.handleReadError(connID, err)
			return
		}

		s.mu.Lock()
		if s.connID != connID {
			s.mu.Unlock()
			return
		}
		codec := s.codec
		s.mu.Unlock()

		raw, err := codec.Decode(mt, data)
		if err != nil {
			metrics.DecodeErrors.Inc()
			s.emitError(err)
			if codec.Compress() {
				// The shared inflate window is unrecoverable; recycle.
				s.disconnect(err, true)
				return
			}
			continue
		}
		if raw == nil {
			continue
		}

		// Cheap sniff before the full decode; malformed frames drop here.
		if !gjson.ValidBytes(raw) {
			metrics.DecodeErrors.Inc()
			s.emitError(&DecoderError{Err: errInvalidJSON})
			continue
		}
		p, err := codec.DecodePayload(raw)
		if err != nil {
			metrics.DecodeErrors.Inc()
			s.emitError(err)
			continue
		}
		s.onPacket(connID, p)
	}
}

func (s *Shard) handleReadError(connID int, err error) {
	s.mu.Lock()
	if s.connID != connID {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	code := 1006
	if ce, ok := err.(*websocket.CloseError); ok {
		code = ce.Code
	}
	action := closeActionFor(code)

	s.mu.Lock()
	if action.clearSession {
		s.clearSessionLocked()
	}
	if action.clearSeq {
		atomic.StoreInt64(&s.seq, 0)
	}
	s.mu.Unlock()

	if action.fatal {
		closeErr := &CloseError{Code: code, Message: action.message, Fatal: true}
		s.log.Error("fatal gateway close", zap.Int("code", code), zap.String("reason", action.message))
		s.emitError(closeErr)
		s.disconnect(closeErr, false)
		return
	}

	var reportErr error
	if action.message != "" {
		reportErr = &CloseError{Code: code, Message: action.message}
		s.emitError(reportErr)
	}
	s.disconnect(reportErr, action.reconnect)
}

func (s *Shard) clearSessionLocked() {
	s.sessionID = ""
	atomic.StoreInt64(&s.seq, 0)
	if s.cfg.SessionStore != nil {
		store, id := s.cfg.SessionStore, s.ID
		go func() { _ = store.Clear(id) }()
	}
}

// onPacket is the single entry point for decoded inbound payloads.
func (s *Shard) onPacket(connID int, p *types.Payload) {
	s.mu.Lock()
	if s.connID != connID {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	switch p.Op {
	case OpDispatch:
		s.advanceSequence(p.Sequence)
		if s.cfg.DisableEvents[p.Type] {
			return
		}
		metrics.EventsDispatched.WithLabelValues(p.Type).Inc()
		s.dispatch(p)

	case OpHeartbeat:
		// Unsolicited server heartbeat wants an immediate echo.
		s.sendHeartbeat(false)

	case OpHeartbeatACK:
		s.mu.Lock()
		s.lastHeartbeatAck = true
		s.lastHeartbeatReceived = time.Now()
		s.latency = s.lastHeartbeatReceived.Sub(s.lastHeartbeatSent)
		lat := s.latency
		s.mu.Unlock()
		metrics.ShardLatency.WithLabelValues(strconv.Itoa(s.ID)).Set(float64(lat.Milliseconds()))

	case OpHello:
		var hello types.HelloData
		if err := json.Unmarshal(p.Data, &hello); err != nil {
			s.emitError(&DecoderError{Err: err})
			return
		}
		s.onHello(connID, &hello)

	case OpInvalidSession:
		resumable := false
		_ = json.Unmarshal(p.Data, &resumable)
		s.onInvalidSession(resumable)

	case OpReconnect:
		s.log.Info("gateway requested reconnect")
		s.disconnect(nil, true)

	default:
		s.log.Warn("unknown opcode", zap.Int("op", p.Op))
		s.cfg.Emit("unknown", p, s.ID)
	}
}

// advanceSequence enforces the monotonic invariant; a gap warns but never
// invalidates the session.
func (s *Shard) advanceSequence(seq int64) {
	if seq == 0 {
		return
	}
	prev := atomic.LoadInt64(&s.seq)
	if prev != 0 && seq != prev+1 {
		s.log.Warn("non-consecutive sequence", zap.Int64("expected", prev+1), zap.Int64("got", seq))
	}
	if seq > prev {
		atomic.StoreInt64(&s.seq, seq)
	}
}

func (s *Shard) onHello(connID int, hello *types.HelloData) {
	s.mu.Lock()
	s.serverTrace = hello.Trace
	sessionID := s.sessionID
	s.mu.Unlock()

	s.log.Debug("hello", zap.Int("heartbeat_interval", hello.HeartbeatInterval))
	if sessionID != "" {
		// Mark the resume before the heartbeat timer exists so no periodic
		// beat slips out ahead of RESUMED.
		s.mu.Lock()
		s.status = StatusResuming
		s.mu.Unlock()
		s.startHeartbeat(connID, time.Duration(hello.HeartbeatInterval)*time.Millisecond)
		s.resume()
		return
	}
	s.startHeartbeat(connID, time.Duration(hello.HeartbeatInterval)*time.Millisecond)
	s.identify()
	s.sendHeartbeat(false)
}

func (s *Shard) identify() {
	s.mu.Lock()
	s.status = StatusIdentifying
	presence := s.presence
	s.mu.Unlock()
	metrics.ShardStatus.WithLabelValues(strconv.Itoa(s.ID)).Set(float64(StatusIdentifying))

	d := types.IdentifyData{
		Token: s.cfg.Token.Raw(),
		Properties: types.IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "kiera-go",
			Device:  "kiera-go",
		},
		Compress:       false,
		LargeThreshold: s.cfg.LargeThreshold,
		Shard:          [2]int{s.ID, s.cfg.ShardCount},
		Presence:       presence,
	}
	if s.cfg.Intents != nil {
		d.Intents = s.cfg.Intents
	} else {
		gs := s.cfg.GuildSubscriptions
		d.GuildSubscriptions = &gs
	}
	if ce := s.log.Check(zap.DebugLevel, "identify"); ce != nil {
		safe, _ := json.Marshal(d.RedactedForTrace())
		ce.Write(zap.ByteString("payload", safe))
	}
	s.sendWS(OpIdentify, d, true)
}

func (s *Shard) resume() {
	s.mu.Lock()
	s.status = StatusResuming
	d := types.ResumeData{
		Token:     s.cfg.Token.Raw(),
		SessionID: s.sessionID,
		Sequence:  atomic.LoadInt64(&s.seq),
	}
	s.mu.Unlock()
	metrics.ShardStatus.WithLabelValues(strconv.Itoa(s.ID)).Set(float64(StatusResuming))

	s.log.Info("resuming session", zap.Int64("seq", d.Sequence))
	s.sendWS(OpResume, d, true)
}

func (s *Shard) onInvalidSession(resumable bool) {
	if resumable {
		s.mu.Lock()
		hasSession := s.sessionID != ""
		s.mu.Unlock()
		if hasSession {
			s.resume()
			return
		}
	}

	s.mu.Lock()
	s.clearSessionLocked()
	s.status = StatusIdentifying
	connID := s.connID
	s.mu.Unlock()

	// The platform asks clients to stagger re-identifies by a short random
	// delay after an invalid session.
	delay := time.Second + time.Duration(rand.Int63n(int64(4*time.Second)))
	s.log.Info("session invalidated, re-identifying", zap.Duration("delay", delay))
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		stale := s.connID != connID || s.conn == nil
		s.mu.Unlock()
		if !stale {
			s.identify()
		}
	})
}

// --- heartbeat ---

func (s *Shard) startHeartbeat(connID int, interval time.Duration) {
	s.mu.Lock()
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
	}
	stop := make(chan struct{})
	s.heartbeatStop = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.mu.Lock()
				stale := s.connID != connID
				s.mu.Unlock()
				if stale {
					return
				}
				s.sendHeartbeat(true)
			}
		}
	}()
}

// sendHeartbeat emits one heartbeat. Periodic sends first check the previous
// acknowledgement; a missing ACK means the connection is a zombie.
func (s *Shard) sendHeartbeat(periodic bool) {
	s.mu.Lock()
	if periodic {
		if s.status == StatusResuming {
			// Suppressed until RESUMED.
			s.mu.Unlock()
			return
		}
		if !s.lastHeartbeatAck {
			s.mu.Unlock()
			s.log.Warn("heartbeat not acknowledged, recycling connection")
			s.emitError(ErrZombieConnection)
			s.disconnect(ErrZombieConnection, true)
			return
		}
		s.lastHeartbeatAck = false
	}
	s.lastHeartbeatSent = time.Now()
	seq := atomic.LoadInt64(&s.seq)
	s.mu.Unlock()

	var d interface{}
	if seq > 0 {
		d = seq
	}
	s.sendWS(OpHeartbeat, d, true)
}

// --- send path ---

// sendWS routes an outbound payload through the shard's buckets. Presence
// updates rendezvous on both the global and the presence bucket and only hit
// the wire when both windows allow it.
func (s *Shard) sendWS(op int, data interface{}, priority bool) {
	s.mu.Lock()
	codec := s.codec
	connID := s.connID
	s.mu.Unlock()
	if codec == nil {
		return
	}

	frame, mt, err := codec.Encode(op, data)
	if err != nil {
		s.emitError(err)
		return
	}
	write := func() { s.writeFrame(connID, mt, frame) }

	if op == OpStatusUpdate {
		var fired atomic.Int32
		const waitFor = 2
		gate := func() {
			if fired.Add(1) == waitFor {
				write()
			}
		}
		s.presenceBucket.Queue(gate, priority)
		s.globalBucket.Queue(gate, priority)
		return
	}
	s.globalBucket.Queue(write, priority)
}

func (s *Shard) writeFrame(connID, mt int, frame []byte) {
	s.mu.Lock()
	if s.connID != connID || s.conn == nil {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.mu.Unlock()

	s.wmu.Lock()
	err := conn.WriteMessage(mt, frame)
	s.wmu.Unlock()
	if err != nil {
		s.log.Debug("socket write failed", zap.Error(err))
	}
}

// --- disconnect / reconnect ---

// Disconnect tears the connection down. With reconnect true (and
// autoreconnect enabled) the shard schedules its own revival, resuming when a
// session is held.
func (s *Shard) Disconnect(err error, reconnect bool) {
	s.disconnect(err, reconnect)
}

func (s *Shard) disconnect(err error, reconnect bool) {
	s.mu.Lock()
	if s.status == StatusDisconnected && s.conn == nil {
		s.mu.Unlock()
		// Already down; still flush anything waiting on this shard.
		s.resolveAllMemberRequests()
		s.flushAllBatches()
		return
	}
	s.connID++
	conn := s.conn
	s.conn = nil
	s.codec = nil
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
	if s.guildCreateTimer != nil {
		s.guildCreateTimer.Stop()
		s.guildCreateTimer = nil
	}
	s.status = StatusDisconnected
	s.preReady = false
	s.readyEmitted = false
	s.guildSyncQueue = nil
	s.getAllUsersQueue = nil
	s.unsyncedGuilds = 0
	s.unavailableGuilds = make(map[string]struct{})

	if s.cfg.SessionStore != nil && s.sessionID != "" {
		store, id, sid, seq := s.cfg.SessionStore, s.ID, s.sessionID, atomic.LoadInt64(&s.seq)
		go func() { _ = store.Save(id, sid, seq) }()
	}
	s.mu.Unlock()

	if conn != nil {
		s.wmu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.wmu.Unlock()
		conn.Close()
	}

	// Outstanding member requests resolve with whatever arrived; pending
	// voice joins owned by this shard reject.
	s.resolveAllMemberRequests()
	s.flushAllBatches()
	if s.cfg.Voice != nil {
		s.cfg.Voice.ShardDisconnected(s.ID)
	}

	metrics.ShardStatus.WithLabelValues(strconv.Itoa(s.ID)).Set(float64(StatusDisconnected))
	s.cfg.Emit("disconnect", err, s.ID)

	if reconnect && s.cfg.Autoreconnect {
		s.scheduleReconnect()
	}
}

func (s *Shard) scheduleReconnect() {
	s.mu.Lock()
	if s.cfg.MaxReconnectAttempts > 0 && s.connectAttempts >= s.cfg.MaxReconnectAttempts {
		s.mu.Unlock()
		s.log.Error("giving up after max reconnect attempts",
			zap.Int("attempts", s.cfg.MaxReconnectAttempts))
		s.emitError(&CloseError{Message: "max reconnect attempts exceeded", Fatal: true})
		return
	}
	metrics.Reconnects.WithLabelValues(strconv.Itoa(s.ID)).Inc()

	var delay time.Duration
	if s.sessionID != "" && s.resumeAttempts < s.cfg.MaxResumeAttempts {
		// Resumes go out immediately.
		s.resumeAttempts++
	} else {
		if s.sessionID != "" {
			// Resume budget exhausted; fall back to a fresh identify.
			s.clearSessionLocked()
		}
		delay = s.reconnectDelay
		if s.cfg.ReconnectDelay != nil {
			delay = s.cfg.ReconnectDelay(s.reconnectDelay, s.connectAttempts)
			s.reconnectDelay = delay
		} else {
			next := time.Duration(float64(s.reconnectDelay) * (rand.Float64()*2 + 1))
			next = next.Round(time.Millisecond)
			if next > 30*time.Second {
				next = 30 * time.Second
			}
			s.reconnectDelay = next
		}
	}
	s.mu.Unlock()

	s.log.Info("reconnecting", zap.Duration("delay", delay))
	s.mu.Lock()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(delay, func() {
		if err := s.Connect(); err != nil {
			s.log.Debug("reconnect skipped", zap.Error(err))
		}
	})
	s.mu.Unlock()
}

// onSessionEstablished resets attempt counters after READY/RESUMED and wakes
// the manager's connect queue.
func (s *Shard) onSessionEstablished() {
	s.mu.Lock()
	s.status = StatusReady
	s.connectAttempts = 0
	s.resumeAttempts = 0
	s.reconnectDelay = time.Second
	s.mu.Unlock()
	metrics.ShardStatus.WithLabelValues(strconv.Itoa(s.ID)).Set(float64(StatusReady))

	select {
	case s.sessionUp <- struct{}{}:
	default:
	}
}

// --- presence / voice sends ---

// EditStatus replaces the shard's presence and pushes it through the send
// path. The presence is also replayed inside the next IDENTIFY.
func (s *Shard) EditStatus(p *types.StatusUpdate) {
	s.mu.Lock()
	s.presence = p
	s.presenceSet = true
	connected := s.conn != nil
	s.mu.Unlock()
	if connected {
		s.sendWS(OpStatusUpdate, p, false)
	}
}

// UpdateVoiceState announces a voice channel join/leave/move on the gateway.
func (s *Shard) UpdateVoiceState(guildID string, channelID *string, selfMute, selfDeaf bool) {
	s.sendWS(OpVoiceStateUpdate, types.VoiceStateUpdateData{
		GuildID:   guildID,
		ChannelID: channelID,
		SelfMute:  selfMute,
		SelfDeaf:  selfDeaf,
	}, false)
}

func (s *Shard) emitError(err error) {
	s.cfg.Emit("error", err, s.ID)
}
