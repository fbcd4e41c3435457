package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileAppliesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Host != DefaultHost || c.Port != DefaultPort {
		t.Fatalf("expected default host:port, got %s:%d", c.Host, c.Port)
	}
	if c.LoadBalancingMode != DefaultLoadBalancingMode {
		t.Fatalf("expected default load balancing mode, got %s", c.LoadBalancingMode)
	}
	if c.ThinkingSuffix != DefaultThinkingSuffix {
		t.Fatalf("expected default thinking suffix, got %s", c.ThinkingSuffix)
	}
	if c.MaxRequestBodyBytes != DefaultMaxRequestBodyBytes {
		t.Fatalf("expected default max body bytes, got %d", c.MaxRequestBodyBytes)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"host":"0.0.0.0","port":9999,"apiKey":"secret","maxRequestBodyBytes":0}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Host != "0.0.0.0" || c.Port != 9999 {
		t.Fatalf("expected overridden host:port, got %s:%d", c.Host, c.Port)
	}
	if c.APIKey != "secret" {
		t.Fatalf("expected apiKey to round-trip, got %q", c.APIKey)
	}
	// maxRequestBodyBytes: 0 explicitly set in the file means "disabled",
	// so Load keeps it as 0 rather than filling in the default.
	if c.MaxRequestBodyBytes != 0 {
		t.Fatalf("expected explicit zero max body bytes to be kept, got %d", c.MaxRequestBodyBytes)
	}
}

func TestConfigAddr(t *testing.T) {
	c := Config{Host: "127.0.0.1", Port: 8080}
	if got := c.Addr(); got != "127.0.0.1:8080" {
		t.Fatalf("Addr() = %q", got)
	}
}

func TestMaxRequestBodyBytesOrUnlimited(t *testing.T) {
	c := Config{MaxRequestBodyBytes: 400_000}
	if c.MaxRequestBodyBytesOrUnlimited() != 400_000 {
		t.Fatalf("expected configured value")
	}
}
