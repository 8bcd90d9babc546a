package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ispadmin/internal/auth/hash"
	"ispadmin/internal/backup"
	"ispadmin/internal/config"
	"ispadmin/internal/observability"
	"ispadmin/internal/ratelimit"
	"ispadmin/internal/routeros"
	"ispadmin/internal/settings"
	"ispadmin/internal/users"
	"ispadmin/pkg/auth"
)

var fastHash = hash.Params{Time: 1, Memory: 8 * 1024, Threads: 1, SaltLen: 16, KeyLen: 32}

func hashFast(p string) (string, error) { return hash.HashWith(p, fastHash) }

// countingDialer records every dial and every sentence run.
type countingDialer struct {
	mu        sync.Mutex
	dials     int
	sentences []string
	replies   map[string][]map[string]string
	err       error
}

func (d *countingDialer) Dial(context.Context) (routeros.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return &countingClient{d: d}, nil
}

func (d *countingDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type countingClient struct{ d *countingDialer }

func (c *countingClient) Run(_ context.Context, sentence ...string) ([]map[string]string, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.sentences = append(c.d.sentences, strings.Join(sentence, " "))
	return c.d.replies[sentence[0]], nil
}

func (c *countingClient) Close() error { return nil }

type staticProbe struct{}

func (staticProbe) Probe(context.Context) HostStatus {
	return HostStatus{Hostname: "isp-box", CPUCount: 4, UptimeSec: 3600}
}

type testEnv struct {
	srv     *httptest.Server
	handler http.Handler
	cfg     config.Config
	users   *users.Store
	codec   auth.TokenCodec
	dialer  *countingDialer
	backups *backup.Manager
	metrics *observability.Metrics
	dir     string
}

type envOption func(*config.Config)

func newEnv(t *testing.T, format string, opts ...envOption) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.DataDir = dir
	cfg.UsersPath = filepath.Join(dir, "users.json")
	cfg.AppSettingsPath = filepath.Join(dir, "settings", "app.json")
	cfg.BillingSettingsPath = filepath.Join(dir, "settings", "billing.json")
	cfg.BackupDir = filepath.Join(dir, "backups")
	cfg.TokenFormat = format
	cfg.RateLoginPerWindow = 0
	for _, o := range opts {
		o(&cfg)
	}

	us, err := users.Open(cfg.UsersPath)
	if err != nil {
		t.Fatal(err)
	}
	seed := []struct {
		name string
		role auth.Role
	}{{"admin", auth.RoleAdministrator}, {"noc", auth.RoleOperator}, {"support", auth.RoleViewer}}
	for _, s := range seed {
		h, err := hashFast(s.name + "-password")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := us.Create(context.Background(), users.User{Username: s.name, PasswordHash: h, Role: s.role}); err != nil {
			t.Fatal(err)
		}
	}
	codec, err := auth.NewCodec(format, []byte("test-secret-0123456789abcdef"), auth.CodecOptions{TTL: cfg.TokenTTL})
	if err != nil {
		t.Fatal(err)
	}
	app, err := settings.OpenApp(cfg.AppSettingsPath)
	if err != nil {
		t.Fatal(err)
	}
	billing, err := settings.OpenBilling(cfg.BillingSettingsPath)
	if err != nil {
		t.Fatal(err)
	}
	dialer := &countingDialer{replies: map[string][]map[string]string{
		"/ppp/active/print":      {{".id": "*1", "name": "cust-001", "address": "100.64.0.10"}},
		"/system/identity/print": {{"name": "core-rtr"}},
		"/system/resource/print": {{"version": "7.14", "uptime": "1d"}},
	}}
	mgr := backup.NewManager(cfg.BackupDir, []backup.Source{
		{Name: "users.json", Path: cfg.UsersPath},
		{Name: "settings/app.json", Path: cfg.AppSettingsPath},
	}, 3, zerolog.Nop(), backup.WithRouter(dialer))
	metrics := observability.New()

	var limiter *ratelimit.Limiter
	if cfg.RateLoginPerWindow > 0 {
		limiter = ratelimit.New("", cfg.RateLoginPerWindow, time.Duration(cfg.RateLoginWindowSec)*time.Second)
	}

	h := NewRouter(Deps{
		Config:       cfg,
		Logger:       zerolog.Nop(),
		Version:      "test",
		Users:        us,
		Codec:        codec,
		App:          app,
		Billing:      billing,
		Backups:      mgr,
		Router:       dialer,
		Limiter:      limiter,
		Metrics:      metrics,
		Host:         staticProbe{},
		HashPassword: hashFast,
		NeedsRehash:  fastHash.NeedsRehash,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, handler: h, cfg: cfg, users: us, codec: codec, dialer: dialer, backups: mgr, metrics: metrics, dir: dir}
}

func (e *testEnv) tokenFor(t *testing.T, username string) string {
	t.Helper()
	u, err := e.users.FindByUsername(username)
	if err != nil {
		t.Fatal(err)
	}
	tok, err := e.codec.Sign(auth.Claims{ID: u.ID, Username: u.Username, Role: u.Role})
	if err != nil {
		t.Fatal(err)
	}
	return string(tok)
}

// do sends a request straight to the handler. token may be empty.
func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func errorOf(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	decode(t, rr, &body)
	msg, _ := body["error"].(string)
	return msg
}

var formats = []string{auth.FormatJWT, auth.FormatSecureCookie}
