package bus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cpike5/agentport/internal/domain"
	"github.com/cpike5/agentport/internal/store/sqlite"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "state.sqlite"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st)
}

func TestPublishPersistsAndReturnsHistory(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	m := &domain.Message{ID: "1", From: "architect", To: "developer", Type: domain.MsgInfo, Content: "start"}
	if err := b.Publish(ctx, m); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := b.GetForRole(ctx, "developer", time.Time{})
	if err != nil {
		t.Fatalf("GetForRole: %v", err)
	}
	if len(got) != 1 || got[0].Content != "start" {
		t.Fatalf("unexpected history: %+v", got)
	}
}

func TestSubscribeFiltersByRole(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	sub := b.Subscribe("developer")
	defer sub.Close()

	go func() {
		_ = b.Publish(ctx, &domain.Message{ID: "1", From: "architect", To: "tester", Content: "not for developer"})
		_ = b.Publish(ctx, &domain.Message{ID: "2", From: "architect", To: "developer", Content: "for developer"})
	}()

	select {
	case m := <-sub.C():
		if m.ID != "2" {
			t.Fatalf("expected to receive only the message addressed to developer, got %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed message")
	}
}

func TestSubscribeAllRolesReceivesBroadcast(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	sub := b.Subscribe("")
	defer sub.Close()

	if err := b.Publish(ctx, &domain.Message{ID: "1", From: "developer", To: domain.RoleAll, Content: "broadcast"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case m := <-sub.C():
		if m.Content != "broadcast" {
			t.Fatalf("unexpected message: %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestGetAllRespectsLimit(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := b.Publish(ctx, &domain.Message{ID: string(rune('a' + i)), From: "architect", To: "all", Content: "x"}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	got, err := b.GetAll(ctx, 2)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
}
