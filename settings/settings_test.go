package settings

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "settings.db")
	s, err := NewStore(dbPath, "test-secret-key")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dbPath
}

func TestSeedsDefaults(t *testing.T) {
	s, _ := newTestStore(t)
	all, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != len(Defaults()) {
		t.Fatalf("seeded %d settings, want %d", len(all), len(Defaults()))
	}

	provider, err := s.Get(context.Background(), "llm_provider")
	if err != nil {
		t.Fatalf("get llm_provider: %v", err)
	}
	if provider != "mock" {
		t.Errorf("llm_provider = %q, want mock", provider)
	}
}

func TestSecretRoundTripAndMasking(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const key = "anthropic_api_key"
	const value = "sk-ant-abc123def456"
	if err := s.Set(ctx, key, value); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != value {
		t.Errorf("get = %q, want %q", got, value)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, st := range all {
		if st.Key != key {
			continue
		}
		if st.Value == value {
			t.Error("listed secret must be masked")
		}
		if !strings.HasPrefix(st.Value, "sk-a") || !strings.Contains(st.Value, "*") {
			t.Errorf("masked value = %q", st.Value)
		}
	}
}

func TestSecretEncryptedAtRest(t *testing.T) {
	s, dbPath := newTestStore(t)
	ctx := context.Background()

	const value = "sk-ant-verysecret"
	if err := s.Set(ctx, "anthropic_api_key", value); err != nil {
		t.Fatalf("set: %v", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	defer db.Close()
	var raw string
	if err := db.QueryRow(`SELECT value FROM settings WHERE key = 'anthropic_api_key'`).Scan(&raw); err != nil {
		t.Fatalf("read raw value: %v", err)
	}
	if strings.Contains(raw, "verysecret") {
		t.Error("secret stored in plaintext")
	}
}

func TestPlainValueStoredAsIs(t *testing.T) {
	s, dbPath := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "sendgrid_from_email", "press@example.org"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(ctx, "sendgrid_from_email")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "press@example.org" {
		t.Errorf("get = %q", got)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	defer db.Close()
	var raw string
	if err := db.QueryRow(`SELECT value FROM settings WHERE key = 'sendgrid_from_email'`).Scan(&raw); err != nil {
		t.Fatalf("read raw value: %v", err)
	}
	if raw != "press@example.org" {
		t.Errorf("non-secret should be stored verbatim, got %q", raw)
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "no_such_setting", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("set err = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(ctx, "no_such_setting"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get err = %v, want ErrNotFound", err)
	}
}

func TestReopenPreservesSecrets(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "settings.db")
	ctx := context.Background()

	s, err := NewStore(dbPath, "stable-key")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Set(ctx, "congress_api_key", "cg-12345"); err != nil {
		t.Fatalf("set: %v", err)
	}
	s.Close()

	s2, err := NewStore(dbPath, "stable-key")
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s2.Close()
	got, err := s2.Get(ctx, "congress_api_key")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got != "cg-12345" {
		t.Errorf("get = %q, want cg-12345", got)
	}

	// A different secret key cannot read the stored value.
	s3, err := NewStore(dbPath, "rotated-key")
	if err != nil {
		t.Fatalf("open with rotated key: %v", err)
	}
	defer s3.Close()
	if _, err := s3.Get(ctx, "congress_api_key"); err == nil {
		t.Error("expected decrypt failure with a different secret key")
	}
}

func TestMaskSecret(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"ab", "**"},
		{"abcd", "****"},
		{"abcdef", "abcd**"},
		{"sk-ant-really-long-key", "sk-a********"},
	}
	for _, tc := range cases {
		if got := MaskSecret(tc.in); got != tc.want {
			t.Errorf("MaskSecret(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
