package services

import (
	"testing"

	"github.com/voicelearn/backend/logger"
)

func TestLoadConfigRateLimits(t *testing.T) {
	t.Setenv("RATE_LIMIT_RPS", "2")
	t.Setenv("WEBHOOK_RATE_LIMIT_BURST", "250")

	cfg := LoadConfig(logger.Nop())
	got := cfg.RateLimit
	if got.RPS != 2 || got.Burst != 20 {
		t.Errorf("auth limit = %v/%d, want 2/20", got.RPS, got.Burst)
	}
	if got.WebhookRPS != 50 || got.WebhookBurst != 250 {
		t.Errorf("webhook limit = %v/%d, want 50/250", got.WebhookRPS, got.WebhookBurst)
	}
}
