package peers

import "testing"

func TestRegistryDiscoverAndIntroduce(t *testing.T) {
	r := NewRegistry()

	r.Discover("b")
	r.Introduce("c", "carol", []string{"notes", "recipes"})
	r.Introduce("b", "bob", []string{"notes"})

	b, ok := r.Get("b")
	if !ok {
		t.Fatal("Expected b in registry")
	}
	if b.Source != SourceRelay {
		t.Errorf("b was first seen via relay, got source %s", b.Source)
	}
	if b.Name != "bob" {
		t.Errorf("Expected name bob, got %q", b.Name)
	}

	holders := r.HoldersOf("notes")
	if len(holders) != 2 || holders[0] != "b" || holders[1] != "c" {
		t.Errorf("Expected holders [b c], got %v", holders)
	}
}

func TestRegistryDirectFlag(t *testing.T) {
	r := NewRegistry()

	r.SetDirect("x", false)
	if _, ok := r.Get("x"); ok {
		t.Error("Clearing direct on an unknown peer should not create it")
	}

	r.SetDirect("x", true)
	if p, _ := r.Get("x"); !p.Direct {
		t.Error("Expected x to be direct")
	}

	r.SetDirect("x", false)
	if p, ok := r.Get("x"); !ok || p.Direct {
		t.Error("Expected x known but not direct")
	}

	r.Remove("x")
	if len(r.List()) != 0 {
		t.Error("Expected empty registry after Remove")
	}
}
