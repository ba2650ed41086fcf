package controlstore

import (
	"context"
	"testing"

	"github.com/coldtier/ectier/migrate"
	"github.com/coldtier/ectier/tier"
)

func TestMemStoreAppendAndLoadRoundTrips(t *testing.T) {
	store := NewMemStore()
	rec := migrate.Record{ID: "mig-1", Volume: "vol1", TargetPool: "pool-cold", Kind: tier.MigrationReplicated}
	rec.Transitions = append(rec.Transitions, migrate.Transition{State: migrate.StateCompleted})

	if err := store.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := store.Load(context.Background(), "mig-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Volume != "vol1" || got.TargetPool != "pool-cold" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestMemStoreLoadMissingReturnsError(t *testing.T) {
	store := NewMemStore()
	if _, err := store.Load(context.Background(), "nope"); err == nil {
		t.Fatalf("expected error loading a missing record")
	}
}

func TestConfigDSNDefaultsSSLModeToDisable(t *testing.T) {
	cfg := Config{Host: "db.internal", Port: 5432, User: "ectier", Database: "ectier"}
	dsn := cfg.dsn()
	want := "host=db.internal port=5432 user=ectier password= dbname=ectier sslmode=disable"
	if dsn != want {
		t.Fatalf("dsn() = %q, want %q", dsn, want)
	}
}

func TestConfigDSNHonorsExplicitSSLMode(t *testing.T) {
	cfg := Config{Host: "db.internal", Port: 5432, User: "ectier", Database: "ectier", SSLMode: "require"}
	if got := cfg.dsn(); got != "host=db.internal port=5432 user=ectier password= dbname=ectier sslmode=require" {
		t.Fatalf("dsn() = %q", got)
	}
}
