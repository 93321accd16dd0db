//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSecretFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "secrets.json")
	t.Setenv("SELFTUNE_SECRETS_FILE", path)

	if _, err := keychainGet("selftune", "api_token"); err == nil {
		t.Fatal("expected error for missing secret")
	}
	if err := keychainSet("selftune", "api_token", "abc"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}
	got, err := keychainGet("selftune", "api_token")
	if err != nil {
		t.Fatalf("keychainGet: %v", err)
	}
	if string(got) != "abc" {
		t.Errorf("secret = %q, want abc", got)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("secrets file mode = %o, want 600", perm)
	}
}

func TestSecretFile_CorruptFileIsReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	t.Setenv("SELFTUNE_SECRETS_FILE", path)
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := keychainGet("selftune", "api_token"); err == nil {
		t.Fatal("expected parse error")
	}
	if err := keychainSet("selftune", "api_token", "fresh"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}
	got, err := keychainGet("selftune", "api_token")
	if err != nil || string(got) != "fresh" {
		t.Errorf("got %q, %v; want fresh", got, err)
	}
}

func TestGetAPIToken_GeneratesOnce(t *testing.T) {
	t.Setenv("SELFTUNE_SECRETS_FILE", filepath.Join(t.TempDir(), "secrets.json"))
	t.Setenv(apiTokenEnvVar, "")

	first, err := GetAPIToken(NewKeychain())
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if len(first) != apiTokenByteSize*2 {
		t.Errorf("token length = %d, want %d", len(first), apiTokenByteSize*2)
	}
	second, err := GetAPIToken(NewKeychain())
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("token regenerated on second call")
	}
}
