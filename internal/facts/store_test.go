package facts

import (
	"errors"
	"reflect"
	"testing"
)

type memPersister struct {
	keys    map[string]bool
	saves   int
	loadErr error
}

func newMemPersister(keys ...string) *memPersister {
	p := &memPersister{keys: make(map[string]bool)}
	for _, k := range keys {
		p.keys[k] = true
	}
	return p
}

func (p *memPersister) LoadFacts() ([]string, error) {
	if p.loadErr != nil {
		return nil, p.loadErr
	}
	var out []string
	for k := range p.keys {
		out = append(out, k)
	}
	return out, nil
}

func (p *memPersister) SaveFact(key string) error {
	p.saves++
	p.keys[key] = true
	return nil
}

func (p *memPersister) ReplaceFacts(keys []string) error {
	p.keys = make(map[string]bool)
	for _, k := range keys {
		p.keys[k] = true
	}
	return nil
}

func TestKey(t *testing.T) {
	if got := Key(3, 12); got != "3:12" {
		t.Fatalf("Key = %q, want 3:12", got)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	s := NewStore(nil)

	if s.Register("1:1") {
		t.Fatal("first Register reported already known")
	}
	for i := 0; i < 3; i++ {
		if !s.Register("1:1") {
			t.Fatal("repeat Register reported new")
		}
	}
	if s.Len() != 1 || !s.Contains("1:1") {
		t.Fatalf("store = %v", s.AllKeys())
	}
}

func TestLoadSnapshotReplaces(t *testing.T) {
	s := NewStore(nil)
	s.Register("old")
	s.Register("a")

	s.LoadSnapshot([]string{"b", "a"})

	if want := []string{"a", "b"}; !reflect.DeepEqual(s.AllKeys(), want) {
		t.Fatalf("AllKeys = %v, want %v", s.AllKeys(), want)
	}
	if s.Contains("old") {
		t.Fatal("key outside the snapshot survived")
	}
	if !s.Register("a") || !s.Register("b") {
		t.Fatal("snapshot keys should be already known")
	}
	if s.Register("old") {
		t.Fatal("dropped key should register as new")
	}

	s.LoadSnapshot(nil)
	if s.Len() != 0 {
		t.Fatalf("Len after empty snapshot = %d", s.Len())
	}
}

func TestStorePersistence(t *testing.T) {
	p := newMemPersister("2:5")
	s := NewStore(p)

	n, err := s.Bootstrap()
	if err != nil || n != 1 {
		t.Fatalf("Bootstrap = %d, %v", n, err)
	}
	if !s.Register("2:5") {
		t.Fatal("bootstrapped key should be known")
	}
	if p.saves != 0 {
		t.Fatal("known key was persisted again")
	}

	s.Register("7:1")
	if !p.keys["7:1"] {
		t.Fatal("new key not persisted")
	}

	s.LoadSnapshot([]string{"9:9"})
	if len(p.keys) != 1 || !p.keys["9:9"] {
		t.Fatalf("persisted keys after snapshot = %v", p.keys)
	}
}

func TestBootstrapError(t *testing.T) {
	p := newMemPersister()
	p.loadErr = errors.New("disk gone")

	if _, err := NewStore(p).Bootstrap(); !errors.Is(err, p.loadErr) {
		t.Fatalf("Bootstrap error = %v", err)
	}
}
