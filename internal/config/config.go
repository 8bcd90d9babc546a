package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	TokenFormatJWT          = "jwt"
	TokenFormatSecureCookie = "securecookie"
)

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

// Enabled reports whether off-box backup upload is configured.
func (s S3Config) Enabled() bool { return s.Bucket != "" }

type Config struct {
	Bind       string
	Production bool
	LogLevel   zerolog.Level

	DataDir             string
	UsersPath           string
	AppSettingsPath     string
	BillingSettingsPath string

	TokenFormat     string
	TokenSecret     string
	TokenSecretPath string
	TokenTTL        time.Duration
	TokenIssuer     string

	RateLoginPerWindow int
	RateLoginWindowSec int
	RateStatePath      string
	TrustProxy         bool

	CORSOrigins    []string
	MetricsEnabled bool

	BackupDir      string
	BackupSchedule string
	BackupRetain   int
	S3             S3Config
}

// file mirrors the YAML layout; pointers distinguish "absent" from zero.
type file struct {
	HTTP struct {
		Bind string `yaml:"bind"`
	} `yaml:"http"`
	Production *bool  `yaml:"production"`
	LogLevel   string `yaml:"log_level"`
	DataDir    string `yaml:"data_dir"`
	UsersPath  string `yaml:"users_path"`
	Settings   struct {
		AppPath     string `yaml:"app_path"`
		BillingPath string `yaml:"billing_path"`
	} `yaml:"settings"`
	Token struct {
		Format     string `yaml:"format"`
		Secret     string `yaml:"secret"`
		SecretPath string `yaml:"secret_path"`
		TTL        string `yaml:"ttl"`
		Issuer     string `yaml:"issuer"`
	} `yaml:"token"`
	Rate struct {
		LoginPerWindow int    `yaml:"login_per_window"`
		LoginWindowSec int    `yaml:"login_window_sec"`
		StatePath      string `yaml:"state_path"`
	} `yaml:"rate"`
	TrustProxy *bool `yaml:"trust_proxy"`
	CORS       struct {
		Origins []string `yaml:"origins"`
	} `yaml:"cors"`
	Metrics struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"metrics"`
	Backup struct {
		Dir      string `yaml:"dir"`
		Schedule string `yaml:"schedule"`
		Retain   int    `yaml:"retain"`
		S3       struct {
			Bucket    string `yaml:"bucket"`
			Region    string `yaml:"region"`
			Endpoint  string `yaml:"endpoint"`
			AccessKey string `yaml:"access_key"`
			SecretKey string `yaml:"secret_key"`
			Prefix    string `yaml:"prefix"`
		} `yaml:"s3"`
	} `yaml:"backup"`
}

func Defaults() Config {
	return Config{
		Bind:               "127.0.0.1:9000",
		LogLevel:           zerolog.InfoLevel,
		DataDir:            "/var/lib/ispadmin",
		TokenFormat:        TokenFormatJWT,
		TokenTTL:           7 * 24 * time.Hour,
		TokenIssuer:        "ispadmin",
		RateLoginPerWindow: 10,
		RateLoginWindowSec: 900,
		CORSOrigins:        []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		MetricsEnabled:     true,
		BackupRetain:       14,
	}
}

// FromEnv loads the file named by ISP_CONFIG (if any) and applies env overrides.
func FromEnv() Config {
	return Load(os.Getenv("ISP_CONFIG"))
}

// Load reads the YAML file at path over the defaults, then applies ISP_*
// environment overrides. A missing or unreadable file is ignored.
func Load(path string) Config {
	cfg := Defaults()
	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			var f file
			if yaml.Unmarshal(b, &f) == nil {
				cfg.applyFile(f)
			}
		}
	}
	cfg.applyEnv()
	cfg.derivePaths()
	return cfg
}

func (c *Config) applyFile(f file) {
	setStr(&c.Bind, f.HTTP.Bind)
	if f.Production != nil {
		c.Production = *f.Production
	}
	if l, err := zerolog.ParseLevel(f.LogLevel); err == nil && f.LogLevel != "" {
		c.LogLevel = l
	}
	setStr(&c.DataDir, f.DataDir)
	setStr(&c.UsersPath, f.UsersPath)
	setStr(&c.AppSettingsPath, f.Settings.AppPath)
	setStr(&c.BillingSettingsPath, f.Settings.BillingPath)
	setStr(&c.TokenFormat, f.Token.Format)
	setStr(&c.TokenSecret, f.Token.Secret)
	setStr(&c.TokenSecretPath, f.Token.SecretPath)
	if d, err := ParseDuration(f.Token.TTL); err == nil && d > 0 {
		c.TokenTTL = d
	}
	setStr(&c.TokenIssuer, f.Token.Issuer)
	setInt(&c.RateLoginPerWindow, f.Rate.LoginPerWindow)
	setInt(&c.RateLoginWindowSec, f.Rate.LoginWindowSec)
	setStr(&c.RateStatePath, f.Rate.StatePath)
	if f.TrustProxy != nil {
		c.TrustProxy = *f.TrustProxy
	}
	if len(f.CORS.Origins) > 0 {
		c.CORSOrigins = f.CORS.Origins
	}
	if f.Metrics.Enabled != nil {
		c.MetricsEnabled = *f.Metrics.Enabled
	}
	setStr(&c.BackupDir, f.Backup.Dir)
	setStr(&c.BackupSchedule, f.Backup.Schedule)
	setInt(&c.BackupRetain, f.Backup.Retain)
	setStr(&c.S3.Bucket, f.Backup.S3.Bucket)
	setStr(&c.S3.Region, f.Backup.S3.Region)
	setStr(&c.S3.Endpoint, f.Backup.S3.Endpoint)
	setStr(&c.S3.AccessKey, f.Backup.S3.AccessKey)
	setStr(&c.S3.SecretKey, f.Backup.S3.SecretKey)
	setStr(&c.S3.Prefix, f.Backup.S3.Prefix)
}

func (c *Config) applyEnv() {
	envStr(&c.Bind, "ISP_HTTP_BIND")
	envBool(&c.Production, "ISP_PRODUCTION")
	if v := os.Getenv("ISP_LOG"); v != "" {
		if l, err := zerolog.ParseLevel(v); err == nil {
			c.LogLevel = l
		}
	}
	envStr(&c.DataDir, "ISP_DATA_DIR")
	envStr(&c.UsersPath, "ISP_USERS_PATH")
	envStr(&c.AppSettingsPath, "ISP_APP_SETTINGS_PATH")
	envStr(&c.BillingSettingsPath, "ISP_BILLING_SETTINGS_PATH")
	envStr(&c.TokenFormat, "ISP_TOKEN_FORMAT")
	envStr(&c.TokenSecret, "ISP_TOKEN_SECRET")
	envStr(&c.TokenSecretPath, "ISP_TOKEN_SECRET_PATH")
	if v := os.Getenv("ISP_TOKEN_TTL"); v != "" {
		if d, err := ParseDuration(v); err == nil && d > 0 {
			c.TokenTTL = d
		}
	}
	envStr(&c.TokenIssuer, "ISP_TOKEN_ISSUER")
	envInt(&c.RateLoginPerWindow, "ISP_RATE_LOGIN_PER_WINDOW")
	envInt(&c.RateLoginWindowSec, "ISP_RATE_LOGIN_WINDOW_SEC")
	envStr(&c.RateStatePath, "ISP_RATE_PATH")
	envBool(&c.TrustProxy, "ISP_TRUST_PROXY")
	if v := os.Getenv("ISP_CORS_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.CORSOrigins = origins
	}
	envBool(&c.MetricsEnabled, "ISP_METRICS")
	envStr(&c.BackupDir, "ISP_BACKUP_DIR")
	envStr(&c.BackupSchedule, "ISP_BACKUP_SCHEDULE")
	envInt(&c.BackupRetain, "ISP_BACKUP_RETAIN")
	envStr(&c.S3.Bucket, "ISP_S3_BUCKET")
	envStr(&c.S3.Region, "ISP_S3_REGION")
	envStr(&c.S3.Endpoint, "ISP_S3_ENDPOINT")
	envStr(&c.S3.AccessKey, "ISP_S3_ACCESS_KEY")
	envStr(&c.S3.SecretKey, "ISP_S3_SECRET_KEY")
	envStr(&c.S3.Prefix, "ISP_S3_PREFIX")
}

// derivePaths fills every unset state path from DataDir.
func (c *Config) derivePaths() {
	join := func(dst *string, name string) {
		if *dst == "" {
			*dst = filepath.Join(c.DataDir, name)
		}
	}
	join(&c.UsersPath, "users.json")
	join(&c.AppSettingsPath, filepath.Join("settings", "app.json"))
	join(&c.BillingSettingsPath, filepath.Join("settings", "billing.json"))
	join(&c.TokenSecretPath, "secret.key")
	join(&c.RateStatePath, "ratelimit.json")
	join(&c.BackupDir, "backups")
}

// Validate rejects settings the daemon cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.TokenFormat {
	case TokenFormatJWT, TokenFormatSecureCookie:
	default:
		errs = append(errs, fmt.Errorf("token.format: unknown format %q", c.TokenFormat))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("token.ttl: must be positive"))
	}
	if c.Bind == "" {
		errs = append(errs, errors.New("http.bind: required"))
	}
	if c.BackupRetain < 0 {
		errs = append(errs, errors.New("backup.retain: must not be negative"))
	}
	return errors.Join(errs...)
}

// ParseDuration extends time.ParseDuration with a whole-day "d" suffix ("7d").
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("empty duration")
	}
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}
