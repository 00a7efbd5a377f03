package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/Tyrowin/campuschat/internal/chat"
	"github.com/Tyrowin/campuschat/internal/config"
	"github.com/Tyrowin/campuschat/internal/store/memory"
)

func TestSeedMemoryStore(t *testing.T) {
	store := memory.New()
	n := seedMemoryStore(store, []config.SeedUser{
		{ID: "u1", Email: "ada@campus.example", DisplayName: "Ada", CollegeID: "C1"},
		{ID: "u2", Email: "bob@campus.example"},
	})
	if n != 2 {
		t.Fatalf("Expected 2 seeded users, got %d", n)
	}

	ctx := context.Background()
	id, err := store.LookupIdentity(ctx, "u1")
	if err != nil {
		t.Fatalf("LookupIdentity failed: %v", err)
	}
	want := chat.Identity{UserID: "u1", Email: "ada@campus.example", DisplayName: "Ada", CollegeID: "C1"}
	if id != want {
		t.Errorf("Expected %+v, got %+v", want, id)
	}
	if _, err := store.LookupIdentity(ctx, "u3"); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unseeded user, got %v", err)
	}
}

func TestOpenStoreWithoutDatabaseUsesSeedUsers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DatabaseConfig{SeedUsers: []config.SeedUser{{ID: "u1", CollegeID: "C1"}}}

	store, db, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("openStore failed: %v", err)
	}
	if db != nil {
		t.Fatal("Expected no database pool without a URL")
	}
	if id, err := store.LookupIdentity(context.Background(), "u1"); err != nil || id.CollegeID != "C1" {
		t.Errorf("Expected seeded identity, got %+v, %v", id, err)
	}
}
