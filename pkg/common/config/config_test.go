package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CLAIMBOT_CONFIG_FILE", "")
	t.Setenv("MAX_BATCH_SIZE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxBatchSize != 1000 {
		t.Fatalf("expected default batch size 1000, got %d", cfg.MaxBatchSize)
	}
	if cfg.PollTimeout != 45*time.Second {
		t.Fatalf("expected 45s poll timeout, got %s", cfg.PollTimeout)
	}
	if cfg.ResultChannel != "claimbot.donation.result" {
		t.Fatalf("unexpected result channel %q", cfg.ResultChannel)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "claimbot.yaml")
	content := []byte("max_batch_size: 50\nclaim_poll_timeout: 10s\ninbound_channel: from-file\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CLAIMBOT_CONFIG_FILE", path)
	t.Setenv("MAX_BATCH_SIZE", "25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxBatchSize != 25 {
		t.Fatalf("expected env to win with 25, got %d", cfg.MaxBatchSize)
	}
	if cfg.PollTimeout != 10*time.Second {
		t.Fatalf("expected file poll timeout 10s, got %s", cfg.PollTimeout)
	}
	if cfg.InboundChannel != "from-file" {
		t.Fatalf("expected file inbound channel, got %q", cfg.InboundChannel)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CLAIMBOT_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateRequiresCredentials(t *testing.T) {
	cfg := defaults()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error without credentials")
	}

	cfg.SenderID = "sender"
	cfg.SenderPassword = "secret"
	cfg.VendorID = "1234"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	cfg.InboundTransport = "sqs"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported transport")
	}
}

func TestClaimNoTruncated(t *testing.T) {
	cfg := defaults()
	cfg.Version = "v1.1"
	now := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := cfg.ClaimNo(now); got != "CBv1.1-2022-01-01" {
		t.Fatalf("unexpected claim number %q", got)
	}

	cfg.Version = "v10.20.30-beta"
	if got := cfg.ClaimNo(now); len(got) != 20 {
		t.Fatalf("expected claim number truncated to 20 chars, got %q", got)
	}
}

func TestParseAgentAddress(t *testing.T) {
	addr := ParseAgentAddress(`Dragon\sCourt,Macklin\sStreet,London,WC2B\s5LX`)

	if len(addr.Lines) != 3 {
		t.Fatalf("expected 3 address lines, got %v", addr.Lines)
	}
	if addr.Lines[0] != "Dragon Court" {
		t.Fatalf("expected spaces restored, got %q", addr.Lines[0])
	}
	if addr.Postcode != "WC2B 5LX" {
		t.Fatalf("unexpected postcode %q", addr.Postcode)
	}
	if addr.Country != "United Kingdom" {
		t.Fatalf("unexpected country %q", addr.Country)
	}
}
