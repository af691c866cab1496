package state

import (
	"testing"

	"github.com/kierajs/kiera-go/types"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestStore_GuildDiff(t *testing.T) {
	s := newStore(t)

	if old := s.UpsertGuild(&types.Guild{ID: "g1", Name: "before"}); old != nil {
		t.Fatal("first upsert must report no previous value")
	}
	old := s.UpsertGuild(&types.Guild{ID: "g1", Name: "after"})
	if old == nil || old.Name != "before" {
		t.Fatalf("expected the prior copy, got %+v", old)
	}
	if s.Guild("g1").Name != "after" {
		t.Fatal("store did not keep the new value")
	}

	// The returned old value is a copy; mutating it must not leak back.
	old.Name = "mutated"
	if s.Guild("g1").Name != "after" {
		t.Fatal("old-value copy aliases the cache")
	}
}

func TestStore_GuildRemovalDropsChildren(t *testing.T) {
	s := newStore(t)
	s.UpsertGuild(&types.Guild{
		ID:       "g1",
		Channels: []*types.Channel{{ID: "c1"}, {ID: "c2"}},
		Members:  []*types.Member{{User: &types.User{ID: "u1"}}},
	})

	if s.Channel("c1") == nil || s.Member("g1", "u1") == nil {
		t.Fatal("children not indexed on guild upsert")
	}

	s.RemoveGuild("g1")
	if s.Channel("c1") != nil || s.Channel("c2") != nil {
		t.Fatal("guild channels must drop with the guild")
	}
	if s.Member("g1", "u1") != nil {
		t.Fatal("guild members must drop with the guild")
	}
}

func TestStore_VoiceStateLeaveRemovesEntry(t *testing.T) {
	s := newStore(t)
	s.UpsertVoiceState(&types.VoiceState{GuildID: "g1", UserID: "u1", ChannelID: "c1"})
	if s.VoiceState("g1", "u1") == nil {
		t.Fatal("voice state not stored")
	}

	old := s.UpsertVoiceState(&types.VoiceState{GuildID: "g1", UserID: "u1"})
	if old == nil || old.ChannelID != "c1" {
		t.Fatalf("expected the previous state, got %+v", old)
	}
	if s.VoiceState("g1", "u1") != nil {
		t.Fatal("an empty channel id means the user left")
	}
}

func TestStore_MessageCache(t *testing.T) {
	s := newStore(t)
	s.AddMessage(&types.Message{ID: "m1", ChannelID: "c1", Content: "hello"})
	// Ristretto applies sets asynchronously.
	s.messages.Wait()

	if m := s.Message("m1"); m == nil || m.Content != "hello" {
		t.Fatalf("message not cached: %+v", m)
	}
	if old := s.RemoveMessage("m1"); old == nil {
		t.Fatal("remove should hand back the cached message")
	}
	s.messages.Wait()
	if s.Message("m1") != nil {
		t.Fatal("message still cached after removal")
	}
}

func TestStore_ConcurrentReaders(t *testing.T) {
	s := newStore(t)
	s.UpsertGuild(&types.Guild{ID: "g1"})

	done := make(chan bool)
	for i := 0; i < 50; i++ {
		go func() {
			for j := 0; j < 500; j++ {
				_ = s.Guild("g1")
				_ = s.GuildCount()
			}
			done <- true
		}()
	}
	for i := 0; i < 25; i++ {
		s.UpsertGuild(&types.Guild{ID: "g1", Name: "spin"})
	}
	for i := 0; i < 50; i++ {
		<-done
	}
}
