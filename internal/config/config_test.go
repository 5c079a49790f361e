package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8000 || cfg.Host != "0.0.0.0" {
		t.Errorf("addr = %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.PubSubChannel != "todo:updates" {
		t.Errorf("channel = %q", cfg.PubSubChannel)
	}
	if cfg.WriterQueueSize != 1000 || cfg.WriterShutdownDrain != 5*time.Second {
		t.Errorf("writer = %d/%v", cfg.WriterQueueSize, cfg.WriterShutdownDrain)
	}
	if cfg.StoreOpTimeout != 2*time.Second {
		t.Errorf("timeout = %v", cfg.StoreOpTimeout)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("cors = %v", cfg.CORSOrigins)
	}
	if !cfg.Dev() {
		t.Error("default env is not dev")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AUTH_SECRET", "s3cret")
	t.Setenv("PORT", "9100")
	t.Setenv("ENV", "production")
	t.Setenv("WRITER_QUEUE_SIZE", "50")
	t.Setenv("CORS_ORIGINS", "https://app.example.com, https://admin.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9100 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.Dev() {
		t.Error("production env reported as dev")
	}
	if cfg.WriterQueueSize != 50 {
		t.Errorf("queue size = %d", cfg.WriterQueueSize)
	}
	want := []string{"https://app.example.com", "https://admin.example.com"}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[0] != want[0] || cfg.CORSOrigins[1] != want[1] {
		t.Errorf("cors = %v", cfg.CORSOrigins)
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load succeeded without AUTH_SECRET")
	}
}

func TestLoadRejectsBadQueueSize(t *testing.T) {
	t.Setenv("AUTH_SECRET", "s3cret")
	t.Setenv("WRITER_QUEUE_SIZE", "-1")
	if _, err := Load(); err == nil {
		t.Fatal("Load accepted a negative queue size")
	}
}
