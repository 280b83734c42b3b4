package credstore

import (
	"context"
	"path/filepath"
	"testing"

	logx "wacast/pkg/logx"

	"wacast/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "creds.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, logx.Nop())
}

func TestReadKeyMissingReturnsNil(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	blob, err := s.ReadKey(context.Background(), "t1", "pre-key", "1")
	if err != nil {
		t.Fatalf("ReadKey: %v", err)
	}
	if blob != nil {
		t.Fatalf("expected nil for never-written key, got %q", blob)
	}
}

func TestWriteKeysRoundTripAndDelete(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.WriteKeys(ctx, "t1", map[string]map[string][]byte{
		"pre-key": {"1": []byte("a"), "2": []byte("b")},
		"session": {"1": []byte("s")},
	}); err != nil {
		t.Fatalf("WriteKeys: %v", err)
	}

	blob, err := s.ReadKey(ctx, "t1", "pre-key", "1")
	if err != nil {
		t.Fatalf("ReadKey: %v", err)
	}
	if string(blob) != "a" {
		t.Fatalf("expected written blob back, got %q", blob)
	}

	// nil value removes the key.
	if err := s.WriteKeys(ctx, "t1", map[string]map[string][]byte{
		"pre-key": {"1": nil},
	}); err != nil {
		t.Fatalf("WriteKeys (delete): %v", err)
	}
	blob, err = s.ReadKey(ctx, "t1", "pre-key", "1")
	if err != nil {
		t.Fatalf("ReadKey: %v", err)
	}
	if blob != nil {
		t.Fatalf("expected key removed, got %q", blob)
	}
	if blob, _ := s.ReadKey(ctx, "t1", "pre-key", "2"); string(blob) != "b" {
		t.Fatalf("sibling key affected by delete: %q", blob)
	}
}

func TestWriteKeysIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	batch := map[string]map[string][]byte{
		"pre-key":            {"1": []byte("a"), "2": nil},
		"app-state-sync-key": {"k": []byte("v")},
	}
	for i := 0; i < 2; i++ {
		if err := s.WriteKeys(ctx, "t1", batch); err != nil {
			t.Fatalf("WriteKeys pass %d: %v", i+1, err)
		}
	}

	for _, tc := range []struct {
		keyType, keyID, want string
	}{
		{"pre-key", "1", "a"},
		{"pre-key", "2", ""},
		{"app-state-sync-key", "k", "v"},
	} {
		blob, err := s.ReadKey(ctx, "t1", tc.keyType, tc.keyID)
		if err != nil {
			t.Fatalf("ReadKey(%s,%s): %v", tc.keyType, tc.keyID, err)
		}
		if tc.want == "" && blob != nil {
			t.Fatalf("expected %s/%s absent, got %q", tc.keyType, tc.keyID, blob)
		}
		if tc.want != "" && string(blob) != tc.want {
			t.Fatalf("ReadKey(%s,%s) = %q, want %q", tc.keyType, tc.keyID, blob, tc.want)
		}
	}
}

func TestCredentialsParseFailureTreatedAsAbsent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	blob, err := s.ReadCredentials(ctx, "t1")
	if err != nil || blob != nil {
		t.Fatalf("expected (nil, nil) before first write, got (%q, %v)", blob, err)
	}

	if err := s.WriteCredentials(ctx, "t1", []byte(`{"noiseKey":"x"}`)); err != nil {
		t.Fatalf("WriteCredentials: %v", err)
	}
	blob, err = s.ReadCredentials(ctx, "t1")
	if err != nil {
		t.Fatalf("ReadCredentials: %v", err)
	}
	if string(blob) != `{"noiseKey":"x"}` {
		t.Fatalf("unexpected blob: %q", blob)
	}

	// Corrupt blob reads as absent so the caller re-pairs.
	if err := s.WriteCredentials(ctx, "t1", []byte(`{"broken`)); err != nil {
		t.Fatalf("WriteCredentials (corrupt): %v", err)
	}
	blob, err = s.ReadCredentials(ctx, "t1")
	if err != nil {
		t.Fatalf("ReadCredentials: %v", err)
	}
	if blob != nil {
		t.Fatalf("expected corrupt creds to read as absent, got %q", blob)
	}
}

func TestWriteCredentialsRequiresClientID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.WriteCredentials(context.Background(), "", []byte("{}")); err == nil {
		t.Fatal("expected error for empty client id")
	}
}
