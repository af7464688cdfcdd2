package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		TelegramToken:    "123:abc",
		AdminUserIDs:     []int64{1001},
		TurnitinEmail:    "instructor@example.com",
		TurnitinPassword: "secret",
		TurnitinBaseURL:  "https://www.turnitin.com",
		ClassName:        "Business Administration",
		QueueFile:        "queue.json",
		TrackingFile:     "tracking.json",
		CookiesFile:      "cookies.json",
		UploadsDir:       "uploads",
		DownloadsDir:     "downloads",
		MaxBatchSize:     8,
		ScoreWait:        10 * time.Minute,
		SessionMaxAge:    30 * time.Minute,
		SessionMaxUses:   25,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
	}
}

func TestValidate_AcceptsCompleteConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_RejectsMissingCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.TurnitinEmail = ""
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.TelegramToken = ""
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsOversizedBatch(t *testing.T) {
	cfg := validConfig()
	cfg.MaxBatchSize = 9
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsBadEmail(t *testing.T) {
	cfg := validConfig()
	cfg.TurnitinEmail = "not-an-email"
	assert.Error(t, cfg.Validate())
}

func TestValidate_ProxyURLOptionalButChecked(t *testing.T) {
	cfg := validConfig()
	cfg.ProxyURL = ""
	assert.NoError(t, cfg.Validate())

	cfg.ProxyURL = "http://proxy.example.com:8080"
	assert.NoError(t, cfg.Validate())

	cfg.ProxyURL = "not a url"
	assert.Error(t, cfg.Validate())
}

func TestIsAdmin(t *testing.T) {
	cfg := validConfig()
	assert.True(t, cfg.IsAdmin(1001))
	assert.False(t, cfg.IsAdmin(42))
}

func TestParseAdminIDs(t *testing.T) {
	ids, err := parseAdminIDs("1001, 2002 ,3003")
	require.NoError(t, err)
	assert.Equal(t, []int64{1001, 2002, 3003}, ids)

	_, err = parseAdminIDs("")
	assert.Error(t, err)

	_, err = parseAdminIDs("abc")
	assert.Error(t, err)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("ADMIN_USER_IDS", "1001")
	t.Setenv("TURNITIN_EMAIL", "instructor@example.com")
	t.Setenv("TURNITIN_PASSWORD", "secret")
	t.Setenv("TURNITIN_BASE_URL", "")
	t.Setenv("MAX_BATCH_SIZE", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://www.turnitin.com", cfg.TurnitinBaseURL)
	assert.Equal(t, 8, cfg.MaxBatchSize)
	assert.Equal(t, 10*time.Minute, cfg.ScoreWait)
	assert.Equal(t, "submission_queue.json", cfg.QueueFile)
}
