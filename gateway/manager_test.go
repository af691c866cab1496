package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/kierajs/kiera-go/state"
	"github.com/kierajs/kiera-go/types"
)

// autoGateway completes the handshake for every connection: HELLO, then a
// READY once the identify arrives. Connection order lands on the ids channel.
func autoGateway(t *testing.T) (url string, ids chan int) {
	t.Helper()
	up := websocket.Upgrader{}
	ids = make(chan int, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			hello, _ := json.Marshal(types.HelloData{HeartbeatInterval: 41250})
			conn.WriteJSON(map[string]interface{}{"op": OpHello, "d": json.RawMessage(hello)})
			for {
				var p types.Payload
				if err := conn.ReadJSON(&p); err != nil {
					return
				}
				if p.Op == OpIdentify {
					var d types.IdentifyData
					json.Unmarshal(p.Data, &d)
					ids <- d.Shard[0]
					ready, _ := json.Marshal(types.ReadyData{
						SessionID: "sess",
						User:      &types.User{ID: "42"},
					})
					conn.WriteJSON(map[string]interface{}{
						"op": OpDispatch, "s": 1, "t": "READY", "d": json.RawMessage(ready),
					})
				}
				if p.Op == OpHeartbeat {
					conn.WriteJSON(map[string]interface{}{"op": OpHeartbeatACK, "d": nil})
				}
			}
		}()
	}))
	t.Cleanup(srv.Close)
	return "ws" + srv.URL[len("http"):], ids
}

func newTestManager(t *testing.T, url string) *Manager {
	t.Helper()
	store, err := state.NewStore(0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(store.Close)

	m := NewManager(func(id int) Config {
		return Config{
			Token:              types.NewToken("Bot X"),
			GatewayURL:         url,
			ShardCount:         4,
			Store:              store,
			ConnectionTimeout:  3 * time.Second,
			GuildCreateTimeout: 50 * time.Millisecond,
		}
	}, nil)
	t.Cleanup(func() { m.Disconnect(nil) })
	return m
}

func TestManager_ConnectQueueSerializes(t *testing.T) {
	url, ids := autoGateway(t)
	m := newTestManager(t, url)
	m.SetSessionStartLimit(types.SessionStartLimit{MaxConcurrency: 4})

	for i := 0; i < 3; i++ {
		m.Connect(m.Spawn(i))
	}

	for want := 0; want < 3; want++ {
		select {
		case got := <-ids:
			if got != want {
				t.Fatalf("shard %d identified out of order (want %d)", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("shard %d never identified", want)
		}
	}
}

func TestManager_ConnectCoalescesDuplicates(t *testing.T) {
	url, ids := autoGateway(t)
	m := newTestManager(t, url)
	m.SetSessionStartLimit(types.SessionStartLimit{MaxConcurrency: 4})

	s := m.Spawn(0)
	m.Connect(s)
	m.Connect(s)
	m.Connect(s)

	select {
	case <-ids:
	case <-time.After(5 * time.Second):
		t.Fatal("shard never identified")
	}
	select {
	case extra := <-ids:
		t.Fatalf("duplicate queue entry produced a second identify for shard %d", extra)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestManager_SpawnIsIdempotent(t *testing.T) {
	url, _ := autoGateway(t)
	m := newTestManager(t, url)
	a := m.Spawn(2)
	b := m.Spawn(2)
	if a != b {
		t.Fatal("spawn must return the existing shard")
	}
	if len(m.Shards()) != 1 {
		t.Fatalf("expected 1 shard, got %d", len(m.Shards()))
	}
}

func TestManager_DisconnectClearsQueue(t *testing.T) {
	url, _ := autoGateway(t)
	m := newTestManager(t, url)

	s := m.Spawn(0)
	m.Connect(s)
	m.Disconnect(nil)

	m.mu.Lock()
	queued := len(m.queue)
	m.mu.Unlock()
	if queued != 0 {
		t.Fatalf("queue should be empty after disconnect, has %d", queued)
	}
	if s.Status() != StatusDisconnected {
		t.Fatalf("shard status = %v", s.Status())
	}
}
