package presencesync

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/campuschat/internal/presence"
	"github.com/Tyrowin/campuschat/internal/workerpool"
)

type fakeMirror struct {
	mu     sync.Mutex
	online map[string]time.Time
}

func (m *fakeMirror) SetOnline(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[userID] = at
	return nil
}

func (m *fakeMirror) SetOffline(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.online, userID)
	return nil
}

func (m *fakeMirror) has(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.online[userID]
	return ok
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	events   []Event
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.events = append(p.events, ev)
	return nil
}

func newExporter(t *testing.T, mirror Mirror, events EventPublisher) (*presence.Registry, *workerpool.Pool) {
	t.Helper()
	registry := presence.NewRegistry()
	pool := workerpool.New(4, 256, nil)
	registry.AddListener(NewExporter(Options{
		State:  registry,
		Mirror: mirror,
		Events: events,
		Pool:   pool,
	}))
	return registry, pool
}

func TestExporterMirrorsAndPublishes(t *testing.T) {
	mirror := &fakeMirror{online: map[string]time.Time{}}
	pub := &fakePublisher{}
	registry, pool := newExporter(t, mirror, pub)

	registry.Register("a", "s1")
	registry.Register("a", "s2")
	registry.Register("b", "s3")
	registry.Unregister("b", "s3")
	pool.Shutdown()

	if !mirror.has("a") {
		t.Error("Expected a to be mirrored online")
	}
	if mirror.has("b") {
		t.Error("Expected b to be removed from the mirror")
	}

	counts := map[string]int{}
	for _, s := range pub.subjects {
		counts[s]++
	}
	if counts["campuschat.presence.online"] != 2 || counts["campuschat.presence.offline"] != 1 {
		t.Errorf("Unexpected subject counts %v", counts)
	}
}

func TestExporterConvergesUnderChurn(t *testing.T) {
	mirror := &fakeMirror{online: map[string]time.Time{}}
	registry, pool := newExporter(t, mirror, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := string(rune('a' + i))
			registry.Register("u", session)
			registry.Unregister("u", session)
		}(i)
	}
	wg.Wait()
	registry.Register("u", "final")
	pool.Shutdown()

	if !mirror.has("u") {
		t.Error("Expected mirror to converge on online")
	}
}

func TestExporterDisabledIsNoop(t *testing.T) {
	e := NewExporter(Options{Pool: nil})
	if e.Enabled() {
		t.Fatal("Expected exporter without sinks to be disabled")
	}
	e.UserOnline("a", "s1", time.Now())
	e.UserOffline("a", time.Now())
}

func TestRedisMirror(t *testing.T) {
	addr := os.Getenv("CAMPUSCHAT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CAMPUSCHAT_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	key := "campuschat:test:presence:" + time.Now().Format("150405.000000")
	m := NewRedisMirror(client, key)
	defer m.Clear(ctx)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := m.SetOnline(ctx, "a", at); err != nil {
		t.Fatalf("SetOnline failed: %v", err)
	}
	if err := m.SetOnline(ctx, "b", at); err != nil {
		t.Fatalf("SetOnline failed: %v", err)
	}
	if err := m.SetOffline(ctx, "b"); err != nil {
		t.Fatalf("SetOffline failed: %v", err)
	}

	users, err := m.OnlineUsers(ctx)
	if err != nil {
		t.Fatalf("OnlineUsers failed: %v", err)
	}
	if len(users) != 1 || !users["a"].Equal(at) {
		t.Errorf("Unexpected mirrored users %v", users)
	}
}
