// Package voice bridges gateway voice-state traffic with voice sessions:
// the pending-join table, the VOICE_SERVER_UPDATE rendezvous, and the
// one-shot ready/disconnect/error listener protocol.
package voice

import (
	"sync"

	"go.uber.org/zap"
)

// ConnectArgs is the negotiation handoff delivered by VOICE_SERVER_UPDATE.
type ConnectArgs struct {
	ChannelID string
	Endpoint  string
	Token     string
	SessionID string
	UserID    string
}

// SessionOptions parameterize session construction, drawn from the pending
// join record.
type SessionOptions struct {
	GuildID  string
	ShardID  int
	OpusOnly bool
	Shared   bool
	SelfMute bool
	SelfDeaf bool
	Logger   *zap.Logger
}

// Session is the minimal surface the manager needs from a voice session. The
// transport data plane (UDP, Opus, encryption) lives behind it and is not
// part of this module.
type Session interface {
	GuildID() string
	ChannelID() string
	Ready() bool

	// Connect starts or restarts negotiation with a fresh server handoff.
	Connect(args ConnectArgs)
	// SwitchChannel moves the session's channel bookkeeping. The gateway
	// voice-state send is the caller's business.
	SwitchChannel(channelID string)
	Disconnect()
	Destroy()

	// Notify* register one-shot listeners; the returned cancel detaches a
	// listener that did not fire.
	NotifyReady(fn func()) (cancel func())
	NotifyDisconnect(fn func(err error)) (cancel func())
	NotifyError(fn func(err error)) (cancel func())
}

// Factory builds sessions; swapped out in tests.
type Factory func(opts SessionOptions) Session

// BaseSession implements the Session bookkeeping and listener protocol.
// Embedders supply the actual transport by overriding Connect and calling
// EmitReady/EmitDisconnect/EmitError as negotiation progresses.
type BaseSession struct {
	mu        sync.Mutex
	guildID   string
	channelID string
	ready     bool

	readyLs      map[int]func()
	disconnectLs map[int]func(error)
	errorLs      map[int]func(error)
	nextListener int
}

func NewBaseSession(opts SessionOptions) *BaseSession {
	return &BaseSession{
		guildID:      opts.GuildID,
		readyLs:      make(map[int]func()),
		disconnectLs: make(map[int]func(error)),
		errorLs:      make(map[int]func(error)),
	}
}

func (s *BaseSession) GuildID() string { return s.guildID }

func (s *BaseSession) ChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID
}

func (s *BaseSession) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *BaseSession) Connect(args ConnectArgs) {
	s.mu.Lock()
	s.channelID = args.ChannelID
	s.mu.Unlock()
}

func (s *BaseSession) SwitchChannel(channelID string) {
	s.mu.Lock()
	s.channelID = channelID
	s.mu.Unlock()
}

func (s *BaseSession) Disconnect() {
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
	s.EmitDisconnect(nil)
}

func (s *BaseSession) Destroy() {
	s.mu.Lock()
	s.readyLs = make(map[int]func())
	s.disconnectLs = make(map[int]func(error))
	s.errorLs = make(map[int]func(error))
	s.mu.Unlock()
}

func (s *BaseSession) NotifyReady(fn func()) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.readyLs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.readyLs, id)
		s.mu.Unlock()
	}
}

func (s *BaseSession) NotifyDisconnect(fn func(error)) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.disconnectLs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.disconnectLs, id)
		s.mu.Unlock()
	}
}

func (s *BaseSession) NotifyError(fn func(error)) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.errorLs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.errorLs, id)
		s.mu.Unlock()
	}
}

// EmitReady marks the session ready and fires (then drops) ready listeners.
func (s *BaseSession) EmitReady() {
	s.mu.Lock()
	s.ready = true
	ls := s.readyLs
	s.readyLs = make(map[int]func())
	s.mu.Unlock()
	for _, fn := range ls {
		fn()
	}
}

func (s *BaseSession) EmitDisconnect(err error) {
	s.mu.Lock()
	s.ready = false
	ls := s.disconnectLs
	s.disconnectLs = make(map[int]func(error))
	s.mu.Unlock()
	for _, fn := range ls {
		fn(err)
	}
}

func (s *BaseSession) EmitError(err error) {
	s.mu.Lock()
	ls := s.errorLs
	s.errorLs = make(map[int]func(error))
	s.mu.Unlock()
	for _, fn := range ls {
		fn(err)
	}
}
