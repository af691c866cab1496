package voice

import (
	"sync"
	"testing"
	"time"

	"github.com/kierajs/kiera-go/types"
)

// fakeGateway records voice-state announcements.
type fakeGateway struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeGateway) UpdateVoiceState(guildID string, channelID *string, selfMute, selfDeaf bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := "<nil>"
	if channelID != nil {
		ch = *channelID
	}
	f.calls = append(f.calls, guildID+"/"+ch)
}

func (f *fakeGateway) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeSession drives the listener protocol by hand.
type fakeSession struct {
	*BaseSession
	mu       sync.Mutex
	connects []ConnectArgs
	switches []string
}

func newFakeSession(opts SessionOptions) *fakeSession {
	return &fakeSession{BaseSession: NewBaseSession(opts)}
}

func (s *fakeSession) Connect(args ConnectArgs) {
	s.mu.Lock()
	s.connects = append(s.connects, args)
	s.mu.Unlock()
	s.BaseSession.Connect(args)
}

func (s *fakeSession) SwitchChannel(channelID string) {
	s.mu.Lock()
	s.switches = append(s.switches, channelID)
	s.mu.Unlock()
	s.BaseSession.SwitchChannel(channelID)
}

func newTestManager() (*Manager, chan *fakeSession) {
	created := make(chan *fakeSession, 4)
	m := NewManager(func(opts SessionOptions) Session {
		s := newFakeSession(opts)
		created <- s
		return s
	}, nil)
	return m, created
}

func TestManager_JoinRendezvous(t *testing.T) {
	m, created := newTestManager()
	gw := &fakeGateway{}

	type result struct {
		sess Session
		err  error
	}
	done := make(chan result, 1)
	go func() {
		sess, err := m.Join(gw, 0, "g1", "c1", JoinOptions{})
		done <- result{sess, err}
	}()

	// The server answers the announcement with the endpoint handoff.
	var sess *fakeSession
	deadline := time.After(2 * time.Second)
	for sess == nil {
		select {
		case <-deadline:
			t.Fatal("session never constructed")
		default:
		}
		if gw.count() > 0 {
			m.ServerUpdate(&types.VoiceServerUpdateData{
				GuildID: "g1", Endpoint: "voice.example:443", Token: "tok",
			}, "sess-id", "42", 0)
			select {
			case sess = <-created:
			case <-time.After(time.Second):
				t.Fatal("factory never ran")
			}
		}
		time.Sleep(5 * time.Millisecond)
	}

	sess.mu.Lock()
	if len(sess.connects) != 1 || sess.connects[0].Endpoint != "voice.example:443" ||
		sess.connects[0].ChannelID != "c1" || sess.connects[0].SessionID != "sess-id" {
		t.Fatalf("bad connect args: %+v", sess.connects)
	}
	sess.mu.Unlock()

	sess.EmitReady()
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("join failed: %v", r.err)
		}
		if r.sess != Session(sess) {
			t.Fatal("join resolved with a different session")
		}
	case <-time.After(time.Second):
		t.Fatal("join never resolved after ready")
	}
}

func TestManager_JoinTimesOut(t *testing.T) {
	m, _ := newTestManager()
	gw := &fakeGateway{}

	start := time.Now()
	_, err := m.Join(gw, 0, "g2", "c1", JoinOptions{Timeout: 200 * time.Millisecond})
	if err != ErrJoinTimeout {
		t.Fatalf("expected %v, got %v", ErrJoinTimeout, err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("join rejected early after %v", elapsed)
	}
	if m.Session("g2") != nil {
		t.Fatal("no session should exist after a timed out join")
	}
}

func TestManager_DefaultTimeoutIsTenSeconds(t *testing.T) {
	if DefaultJoinTimeout != 10*time.Second {
		t.Fatalf("default join timeout = %v", DefaultJoinTimeout)
	}
}

func TestManager_ReadySessionSwitchesInPlace(t *testing.T) {
	m, created := newTestManager()
	gw := &fakeGateway{}

	// Establish a ready session on channel c1.
	go m.Join(gw, 0, "g3", "c1", JoinOptions{Timeout: time.Second})
	time.Sleep(20 * time.Millisecond)
	m.ServerUpdate(&types.VoiceServerUpdateData{GuildID: "g3", Endpoint: "e"}, "sid", "42", 0)
	sess := <-created
	sess.EmitReady()
	time.Sleep(20 * time.Millisecond)

	got, err := m.Join(gw, 0, "g3", "c2", JoinOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("switch join failed: %v", err)
	}
	if got != Session(sess) {
		t.Fatal("expected the existing session back")
	}
	sess.mu.Lock()
	lastSwitch := ""
	if len(sess.switches) > 0 {
		lastSwitch = sess.switches[len(sess.switches)-1]
	}
	sess.mu.Unlock()
	if lastSwitch != "c2" {
		t.Fatalf("expected switch to c2, got %q", lastSwitch)
	}

	m.mu.Lock()
	pending := len(m.pending)
	m.mu.Unlock()
	if pending != 0 {
		t.Fatal("a ready-session switch must not create a pending entry")
	}
}

func TestManager_SessionErrorRejectsJoin(t *testing.T) {
	m, created := newTestManager()
	gw := &fakeGateway{}

	done := make(chan error, 1)
	go func() {
		_, err := m.Join(gw, 0, "g4", "c1", JoinOptions{Timeout: 2 * time.Second})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	m.ServerUpdate(&types.VoiceServerUpdateData{GuildID: "g4"}, "sid", "42", 0)
	sess := <-created

	sess.EmitError(ErrJoinTimeout) // any error will do
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("join should reject on session error")
		}
	case <-time.After(time.Second):
		t.Fatal("join never rejected")
	}

	// Listeners are one-shot and mutually exclusive: a later ready must not
	// panic or double-resolve.
	sess.EmitReady()
}

func TestManager_ShardDisconnectRejectsPending(t *testing.T) {
	m, _ := newTestManager()
	gw := &fakeGateway{}

	done := make(chan error, 1)
	go func() {
		_, err := m.Join(gw, 3, "g5", "c1", JoinOptions{Timeout: 5 * time.Second})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	m.ShardDisconnected(3)
	select {
	case err := <-done:
		if err != ErrShardDisconnected {
			t.Fatalf("expected %v, got %v", ErrShardDisconnected, err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending join not rejected on shard disconnect")
	}
}

func TestManager_LeaveDestroysSession(t *testing.T) {
	m, created := newTestManager()
	gw := &fakeGateway{}

	go m.Join(gw, 0, "g6", "c1", JoinOptions{Timeout: time.Second})
	time.Sleep(20 * time.Millisecond)
	m.ServerUpdate(&types.VoiceServerUpdateData{GuildID: "g6"}, "sid", "42", 0)
	sess := <-created
	sess.EmitReady()
	time.Sleep(20 * time.Millisecond)

	m.Leave(gw, "g6")
	if m.Session("g6") != nil {
		t.Fatal("session should be removed after leave")
	}
	if sess.Ready() {
		t.Fatal("session should be disconnected after leave")
	}
}

func TestManager_SelfStateFollowsChannel(t *testing.T) {
	m, created := newTestManager()
	gw := &fakeGateway{}

	go m.Join(gw, 0, "g7", "c1", JoinOptions{Timeout: time.Second})
	time.Sleep(20 * time.Millisecond)
	m.ServerUpdate(&types.VoiceServerUpdateData{GuildID: "g7"}, "sid", "42", 0)
	sess := <-created
	sess.EmitReady()

	m.SelfStateUpdate(&types.VoiceState{GuildID: "g7", UserID: "42", ChannelID: "c9"})
	if got := sess.ChannelID(); got != "c9" {
		t.Fatalf("session did not follow the server-side move, channel=%q", got)
	}
}
