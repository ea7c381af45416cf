package config

import "testing"

func TestDefaultValidates(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	c := Default()
	c.ListenPort = 0
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for port 0")
	}

	c.ListenPort = 70000
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for port out of range")
	}
}

func TestValidateRejectsEmptyHost(t *testing.T) {
	c := Default()
	c.ListenHost = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for empty host")
	}
}

func TestValidateRejectsNegativeIdleTimeout(t *testing.T) {
	c := Default()
	c.IdleTimeout = -1
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for negative idle timeout")
	}
}

func TestListenAddr(t *testing.T) {
	c := Default()
	c.ListenHost = "0.0.0.0"
	c.ListenPort = 9090
	if got := c.ListenAddr(); got != "0.0.0.0:9090" {
		t.Fatalf("got %q", got)
	}
}

func TestAutoBlacklistShadowsBlacklistPath(t *testing.T) {
	c := Default()
	c.AutoBlacklist = true
	if !c.AutoBlacklistShadowsBlacklistPath() {
		t.Fatalf("expected shadow warning when both set")
	}
}
