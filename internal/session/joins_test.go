package session

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestResolveWinsExactlyOnce(t *testing.T) {
	n := NewNegotiator(time.Minute, zerolog.Nop())
	req := n.Create("room-1", "c1", "bob", "pk-b")

	if got, ok := n.Get(req.ID); !ok || got.Username != "bob" {
		t.Fatalf("Get = %v, %v", got, ok)
	}

	first, err := n.Resolve(req.ID)
	if err != nil || first.ID != req.ID {
		t.Fatalf("first resolve: %v, %v", first, err)
	}
	if _, err := n.Resolve(req.ID); err != ErrRequestNotFound {
		t.Fatalf("second resolve: %v, want ErrRequestNotFound", err)
	}
	if _, ok := n.Get(req.ID); ok {
		t.Fatal("resolved request still visible")
	}
}

func TestPurgeRoomRemovesOnlyThatRoom(t *testing.T) {
	n := NewNegotiator(time.Minute, zerolog.Nop())
	n.Create("room-1", "c1", "bob", "pk-b")
	n.Create("room-1", "c2", "carol", "pk-c")
	keep := n.Create("room-2", "c3", "dave", "pk-d")

	purged := n.PurgeRoom("room-1")
	if len(purged) != 2 {
		t.Fatalf("purged %d requests, want 2", len(purged))
	}
	if n.Count() != 1 {
		t.Fatalf("count = %d, want 1", n.Count())
	}
	if _, ok := n.Get(keep.ID); !ok {
		t.Fatal("request for other room was purged")
	}
}

func TestPurgeConnRemovesRequesterState(t *testing.T) {
	n := NewNegotiator(time.Minute, zerolog.Nop())
	n.Create("room-1", "c1", "bob", "pk-b")
	n.Create("room-2", "c1", "bob", "pk-b")
	n.Create("room-1", "c2", "carol", "pk-c")

	purged := n.PurgeConn("c1")
	if len(purged) != 2 {
		t.Fatalf("purged %d requests, want 2", len(purged))
	}
	if n.Count() != 1 {
		t.Fatalf("count = %d, want 1", n.Count())
	}
}

func TestExpiredHonorsTTL(t *testing.T) {
	n := NewNegotiator(time.Minute, zerolog.Nop())
	old := n.Create("room-1", "c1", "bob", "pk-b")
	fresh := n.Create("room-1", "c2", "carol", "pk-c")
	old.CreatedAt = time.Now().Add(-2 * time.Minute)

	expired := n.Expired(time.Now())
	if len(expired) != 1 || expired[0].ID != old.ID {
		t.Fatalf("expired = %v, want only the old request", expired)
	}
	if _, ok := n.Get(fresh.ID); !ok {
		t.Fatal("fresh request was expired")
	}
}

func TestExpiryDisabledWithZeroTTL(t *testing.T) {
	n := NewNegotiator(0, zerolog.Nop())
	req := n.Create("room-1", "c1", "bob", "pk-b")
	req.CreatedAt = time.Now().Add(-24 * time.Hour)

	if expired := n.Expired(time.Now()); expired != nil {
		t.Fatalf("expired = %v, want nil with expiry disabled", expired)
	}
}
