package main

import (
	"testing"

	"signalmesh/store"
)

func TestBuildRegistryRegistersEcho(t *testing.T) {
	st, err := store.New(":memory:", nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer st.Close()

	registry, err := buildRegistry(st)
	if err != nil {
		t.Fatalf("buildRegistry: %v", err)
	}

	ext, err := registry.Create("echo")
	if err != nil {
		t.Fatalf("create echo: %v", err)
	}
	if ext == nil {
		t.Fatal("expected a non-nil extension")
	}

	rec, found, err := st.GetAddon("echo")
	if err != nil || !found {
		t.Fatalf("expected echo addon persisted, found=%v err=%v", found, err)
	}
	if rec.Kind != store.AddonKindExtension {
		t.Fatalf("unexpected addon kind: %v", rec.Kind)
	}
}

func TestBuildRegistryWithNilStoreStillRegisters(t *testing.T) {
	registry, err := buildRegistry(nil)
	if err != nil {
		t.Fatalf("buildRegistry: %v", err)
	}
	if _, err := registry.Create("echo"); err != nil {
		t.Fatalf("create echo: %v", err)
	}
}

func TestNewRemoteDialerFailsForUnreachablePeer(t *testing.T) {
	dial := newRemoteDialer(nil)
	if _, err := dial("msgpack://127.0.0.1:1/"); err == nil {
		t.Fatal("expected dial to an unreachable port to fail")
	}
}
