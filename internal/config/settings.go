package config

import (
	"encoding/json"
	"time"
)

// Settings is the typed view of the merged config bundle that
// cmd/synccore actually wires components from.
type Settings struct {
	HTTPAddr string `json:"http_addr"`

	Postgres PostgresSettings `json:"postgres"`
	SQLite   SQLiteSettings   `json:"sqlite"`

	HotCache HotCacheSettings `json:"hotcache"`

	KeyVault KeyVaultSettings `json:"keyvault"`

	PersistWorker PersistWorkerSettings `json:"persistworker"`

	Reminder ReminderSettings `json:"reminder"`

	Auth AuthSettings `json:"auth"`

	LogFilePath string `json:"log_file_path"`
}

type PostgresSettings struct {
	DSN string `json:"dsn"`
}

type SQLiteSettings struct {
	Path string `json:"path"`
}

type HotCacheSettings struct {
	TopN                     int           `json:"top_n"`
	SpillDir                 string        `json:"spill_dir"`
	ReminderTTL              time.Duration `json:"reminder_ttl"`
	PendingDeliveryTTL       time.Duration `json:"pending_delivery_ttl"`
}

type KeyVaultSettings struct {
	MasterSecretHex string        `json:"master_secret_hex"`
	HMACKeyHex      string        `json:"hmac_key_hex"`
	TokenCacheTTL   time.Duration `json:"token_cache_ttl"`
	RateLimitPerSec float64       `json:"rate_limit_per_sec"`
}

type PersistWorkerSettings struct {
	Concurrency     int `json:"concurrency"`
	MaxAttempts     int `json:"max_attempts"`
	HighWaterMark   int `json:"high_water_mark"`
}

type ReminderSettings struct {
	PollInterval time.Duration `json:"poll_interval"`
}

// AuthSettings configures SyncBroker's WebSocket bearer-token gate
// (grounded on the teacher's gateway middleware auth.go HMAC-SHA256
// verification, re-scoped from tenant_id to user_id/device_fingerprint_hash
// claims).
type AuthSettings struct {
	SigningKeyHex string `json:"signing_key_hex"`
	Issuer        string `json:"issuer"`
	Audience      string `json:"audience"`
}

// Default returns the built-in defaults, overridden by whatever Merged
// actually contains.
func Default() Settings {
	return Settings{
		HTTPAddr: ":8443",
		SQLite:   SQLiteSettings{Path: "./data/synccore.db"},
		HotCache: HotCacheSettings{
			TopN:               10,
			SpillDir:           "./data/spill",
			ReminderTTL:        7 * 24 * time.Hour,
			PendingDeliveryTTL: 60 * 24 * time.Hour,
		},
		KeyVault: KeyVaultSettings{
			TokenCacheTTL:   30 * time.Second,
			RateLimitPerSec: 200,
		},
		PersistWorker: PersistWorkerSettings{
			Concurrency:   8,
			MaxAttempts:   8,
			HighWaterMark: 5000,
		},
		Reminder: ReminderSettings{PollInterval: 2 * time.Second},
		Auth: AuthSettings{
			Issuer:   "openmates-synccore",
			Audience: "openmates-clients",
		},
	}
}

// Decode maps a Bundle's merged tree onto Settings, leaving defaults in
// place for anything absent.
func (b *Bundle) Decode() (Settings, error) {
	s := Default()
	if b == nil || len(b.Merged) == 0 {
		return s, nil
	}
	raw, err := json.Marshal(b.Merged)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, err
	}
	return s, nil
}
