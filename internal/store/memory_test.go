package store

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestPublicKeyUpsert(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	if _, ok := m.PublicKey("alice"); ok {
		t.Fatal("key present before upsert")
	}
	m.UpsertPublicKey(ctx, "alice", "pk-1")
	m.UpsertPublicKey(ctx, "alice", "pk-2")

	key, ok := m.PublicKey("alice")
	if !ok || key != "pk-2" {
		t.Fatalf("key = %q, %v, want pk-2", key, ok)
	}
}

func TestMembershipLifecycle(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	m.SaveRoom(ctx, "room-1", "ABC234", "alice")

	// The owner is a member from creation.
	if ok, _ := m.IsMember(ctx, "room-1", "alice"); !ok {
		t.Fatal("owner not a member")
	}
	if ok, _ := m.IsMember(ctx, "room-1", "bob"); ok {
		t.Fatal("bob member before add")
	}

	m.AddMember(ctx, "room-1", "bob")
	if ok, _ := m.IsMember(ctx, "room-1", "bob"); !ok {
		t.Fatal("bob not a member after add")
	}

	m.RemoveMember(ctx, "room-1", "bob")
	if ok, _ := m.IsMember(ctx, "room-1", "bob"); ok {
		t.Fatal("bob member after remove")
	}

	// Unknown rooms are a no-op, not an error.
	if err := m.AddMember(ctx, "no-room", "bob"); err != nil {
		t.Fatalf("add to unknown room: %v", err)
	}
	if ok, _ := m.IsMember(ctx, "no-room", "bob"); ok {
		t.Fatal("membership in unknown room")
	}
}

func TestDeleteRoomDropsMessages(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	m.SaveRoom(ctx, "room-1", "ABC234", "alice")
	m.AppendMessage(ctx, Message{ID: "m1", RoomID: "room-1", Sender: "alice", Ciphertext: "c", IV: "iv", SentAt: time.Now()})

	m.DeleteRoom(ctx, "room-1")
	if ok, _ := m.IsMember(ctx, "room-1", "alice"); ok {
		t.Fatal("membership survives room delete")
	}
	msgs, _ := m.Messages(ctx, "room-1", 0)
	if len(msgs) != 0 {
		t.Fatalf("messages survive room delete: %v", msgs)
	}
}

func TestHistoryCapEvictsOldest(t *testing.T) {
	m := NewMemory(3)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		m.AppendMessage(ctx, Message{
			ID:     fmt.Sprintf("m%d", i),
			RoomID: "room-1",
			SentAt: time.Now(),
		})
	}

	msgs, err := m.Messages(ctx, "room-1", 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("retained %d messages, want 3", len(msgs))
	}
	if msgs[0].ID != "m3" || msgs[2].ID != "m5" {
		t.Fatalf("retained wrong window: %v", msgs)
	}
}

func TestMessagesLimitReturnsNewest(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		m.AppendMessage(ctx, Message{ID: fmt.Sprintf("m%d", i), RoomID: "room-1", SentAt: time.Now()})
	}

	msgs, _ := m.Messages(ctx, "room-1", 2)
	if len(msgs) != 2 || msgs[0].ID != "m3" || msgs[1].ID != "m4" {
		t.Fatalf("limited history = %v, want the two newest", msgs)
	}

	// The returned slice is a copy; mutating it must not corrupt the store.
	msgs[0].ID = "mutated"
	again, _ := m.Messages(ctx, "room-1", 2)
	if again[0].ID != "m3" {
		t.Fatal("caller mutation leaked into the store")
	}
}
