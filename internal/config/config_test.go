package config

import (
	"testing"
	"time"
)

func TestLoadDefaultsForLocalDevelopment(t *testing.T) {
	t.Setenv("OBSYNC_ENV", "dev")
	t.Setenv("OBSYNC_TRIGGER_TOKEN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.TriggerToken != "obsync-local-dev" {
		t.Fatalf("expected local fallback trigger token, got %q", cfg.Server.TriggerToken)
	}
	if cfg.Breaker.FailureThreshold != 3 || cfg.Breaker.RecoveryTimeout != 30*time.Second {
		t.Fatalf("unexpected breaker defaults: %+v", cfg.Breaker)
	}
	if cfg.Sync.BatchSize != 100 || cfg.Sync.Interval != 5*time.Minute {
		t.Fatalf("unexpected sync defaults: %+v", cfg.Sync)
	}
}

func TestLoadRequiresTriggerTokenOutsideLocal(t *testing.T) {
	t.Setenv("OBSYNC_ENV", "production")
	t.Setenv("OBSYNC_TRIGGER_TOKEN", "")
	t.Setenv("OBSYNC_WEBHOOK_SECRETS", "obs-api=secret")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing trigger token in production")
	}
}

func TestLoadRejectsSkipVerifyOutsideLocal(t *testing.T) {
	t.Setenv("OBSYNC_ENV", "production")
	t.Setenv("OBSYNC_TRIGGER_TOKEN", "token")
	t.Setenv("OBSYNC_WEBHOOK_SECRETS", "obs-api=secret")
	t.Setenv("OBSYNC_WEBHOOK_SKIP_VERIFY", "true")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for skip-verify in production")
	}
}

func TestLoadForToolAllowsMissingSecretsOutsideLocal(t *testing.T) {
	t.Setenv("OBSYNC_ENV", "production")
	t.Setenv("OBSYNC_TRIGGER_TOKEN", "")

	cfg, err := LoadForTool()
	if err != nil {
		t.Fatalf("expected no error for tool config load, got %v", err)
	}
	if cfg.Server.TriggerToken != "" {
		t.Fatalf("expected empty trigger token for tool load, got %q", cfg.Server.TriggerToken)
	}
}

func TestLoadParsesWebhookSources(t *testing.T) {
	t.Setenv("OBSYNC_ENV", "dev")
	t.Setenv("OBSYNC_WEBHOOK_SECRETS", "obs-api=s1, legacy-mon=s2 ,cdevents=s3")
	t.Setenv("OBSYNC_WEBHOOK_LEGACY_SOURCES", "legacy-mon")
	t.Setenv("OBSYNC_WEBHOOK_CLOUDEVENTS_SOURCES", "cdevents")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Webhooks.Sources) != 3 {
		t.Fatalf("expected 3 sources, got %#v", cfg.Webhooks.Sources)
	}
	if src := cfg.Webhooks.Sources["obs-api"]; src.Secret != "s1" || src.Legacy || src.CloudEvents {
		t.Fatalf("unexpected obs-api source: %+v", src)
	}
	if src := cfg.Webhooks.Sources["legacy-mon"]; src.Secret != "s2" || !src.Legacy {
		t.Fatalf("unexpected legacy-mon source: %+v", src)
	}
	if src := cfg.Webhooks.Sources["cdevents"]; src.Secret != "s3" || !src.CloudEvents {
		t.Fatalf("unexpected cdevents source: %+v", src)
	}
}

func TestLoadClampsBatchSize(t *testing.T) {
	t.Setenv("OBSYNC_ENV", "dev")
	t.Setenv("OBSYNC_SYNC_BATCH_SIZE", "50000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Sync.BatchSize != 1000 {
		t.Fatalf("expected batch size clamped to 1000, got %d", cfg.Sync.BatchSize)
	}
}
