package addons

import (
	"testing"

	"signalmesh/engine"
	"signalmesh/extension"
	"signalmesh/store"
)

func TestRegisterAndCreate(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register("echo", store.AddonKindExtension, "addons.Echo", func(n engine.Node) (extension.Extension, error) {
		return Echo{}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	ext, err := r.Create("echo")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok := ext.(Echo); !ok {
		t.Fatalf("expected Echo, got %T", ext)
	}
}

func TestCreateUnknownAddonErrors(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Create("does_not_exist"); err == nil {
		t.Fatal("expected error for unknown addon")
	}
}

func TestRegisterPersistsToStore(t *testing.T) {
	st, err := store.New(":memory:", nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer st.Close()

	r := NewRegistry(st)
	if err := r.Register("echo", store.AddonKindExtension, "addons.Echo", func(n engine.Node) (extension.Extension, error) {
		return Echo{}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	rec, found, err := st.GetAddon("echo")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if rec.Kind != store.AddonKindExtension {
		t.Fatalf("unexpected kind: %v", rec.Kind)
	}
}
