package server

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"ispadmin/internal/auth/hash"
	"ispadmin/internal/config"
	"ispadmin/internal/users"
	"ispadmin/pkg/auth"
)

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLoginIssuesTokenAndCookie(t *testing.T) {
	for _, f := range formats {
		t.Run(f, func(t *testing.T) {
			env := newEnv(t, f)
			rr := env.do(t, http.MethodPost, "/api/auth/login", "", `{"username":"noc","password":"noc-password"}`)
			if rr.Code != http.StatusOK {
				t.Fatalf("login: %d %s", rr.Code, rr.Body.String())
			}
			var body struct {
				Success bool `json:"success"`
				User    struct {
					ID       int64  `json:"id"`
					Username string `json:"username"`
					Role     string `json:"role"`
				} `json:"user"`
				Token string `json:"token"`
			}
			decode(t, rr, &body)
			if !body.Success || body.User.Username != "noc" || body.User.Role != "operator" || body.User.ID != 2 {
				t.Fatalf("unexpected body: %+v", body)
			}
			if body.Token == "" {
				t.Fatalf("missing token")
			}

			resp := rr.Result()
			ck := findCookie(resp, auth.SessionCookieName)
			if ck == nil {
				t.Fatalf("no session cookie")
			}
			if ck.Value != body.Token {
				t.Fatalf("cookie token differs from body token")
			}
			if ck.Path != "/" || !ck.HttpOnly || ck.MaxAge != 604800 || ck.SameSite != http.SameSiteLaxMode {
				t.Fatalf("cookie attributes: %+v", ck)
			}
			if ck.Secure {
				t.Fatalf("cookie must not be Secure outside production")
			}

			claims, err := env.codec.Verify(body.Token)
			if err != nil || claims.Username != "noc" || claims.Role != auth.RoleOperator {
				t.Fatalf("token does not verify to the user: %+v %v", claims, err)
			}
			u, _ := env.users.FindByUsername("noc")
			if u.LastLoginAt.IsZero() {
				t.Fatalf("last login not recorded")
			}
		})
	}
}

func TestLoginFailures(t *testing.T) {
	env := newEnv(t, auth.FormatJWT)
	cases := []struct {
		body   string
		status int
		msg    string
	}{
		{`{"username":"noc","password":"wrong"}`, http.StatusUnauthorized, "Invalid credentials"},
		{`{"username":"ghost","password":"noc-password"}`, http.StatusUnauthorized, "Invalid credentials"},
		{`{"username":"noc"}`, http.StatusUnauthorized, "Invalid credentials"},
		{`{"username":`, http.StatusUnauthorized, "Invalid credentials"},
		{`not json`, http.StatusUnauthorized, "Invalid credentials"},
		{`{"username":"noc","password":"noc-password"`, http.StatusUnauthorized, "Invalid credentials"},
	}
	for _, tc := range cases {
		rr := env.do(t, http.MethodPost, "/api/auth/login", "", tc.body)
		if rr.Code != tc.status {
			t.Fatalf("%s: status %d", tc.body, rr.Code)
		}
		if got := errorOf(t, rr); got != tc.msg {
			t.Fatalf("%s: error %q", tc.body, got)
		}
		if findCookie(rr.Result(), auth.SessionCookieName) != nil {
			t.Fatalf("%s: failed login must not set a cookie", tc.body)
		}
	}
}

func TestLoginSecureCookieInProduction(t *testing.T) {
	env := newEnv(t, auth.FormatJWT, func(c *config.Config) { c.Production = true })
	rr := env.do(t, http.MethodPost, "/api/auth/login", "", `{"username":"admin","password":"admin-password"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("login: %d", rr.Code)
	}
	if ck := findCookie(rr.Result(), auth.SessionCookieName); ck == nil || !ck.Secure {
		t.Fatalf("production cookie must be Secure: %+v", ck)
	}
}

func TestLoginThrottle(t *testing.T) {
	env := newEnv(t, auth.FormatJWT, func(c *config.Config) {
		c.RateLoginPerWindow = 2
		c.RateLoginWindowSec = 60
	})
	for i := 0; i < 2; i++ {
		rr := env.do(t, http.MethodPost, "/api/auth/login", "", `{"username":"noc","password":"bad"}`)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: %d", i, rr.Code)
		}
	}
	rr := env.do(t, http.MethodPost, "/api/auth/login", "", `{"username":"noc","password":"noc-password"}`)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
	if errorOf(t, rr) != "Too many requests" {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestMeViaBearerAndCookie(t *testing.T) {
	for _, f := range formats {
		t.Run(f, func(t *testing.T) {
			env := newEnv(t, f)
			tok := env.tokenFor(t, "support")

			rr := env.do(t, http.MethodGet, "/api/auth/me", tok, "")
			if rr.Code != http.StatusOK {
				t.Fatalf("me via bearer: %d", rr.Code)
			}
			var body struct {
				User struct {
					Username string `json:"username"`
					Role     string `json:"role"`
				} `json:"user"`
				Token string `json:"token"`
			}
			decode(t, rr, &body)
			if body.User.Username != "support" || body.User.Role != "viewer" {
				t.Fatalf("me body: %+v", body)
			}
			echo, err := auth.DecodeEcho(auth.ClaimsEcho(body.Token))
			if err != nil || echo.Username != "support" {
				t.Fatalf("echo: %+v %v", echo, err)
			}
			if _, err := env.codec.Verify(body.Token); err == nil {
				t.Fatalf("claims echo must not verify as a token")
			}
			// the echo is useless as a credential
			if rr := env.do(t, http.MethodGet, "/api/auth/me", body.Token, ""); rr.Code != http.StatusUnauthorized {
				t.Fatalf("echo accepted as bearer: %d", rr.Code)
			}

			req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/auth/me", nil)
			req.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: tok})
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("me via cookie: %d", resp.StatusCode)
			}
		})
	}
}

func TestMeUnauthenticated(t *testing.T) {
	env := newEnv(t, auth.FormatJWT)
	for _, h := range []string{"", "Bearer ", "Bearer garbage", "Basic YWRtaW46YWRtaW4="} {
		req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/auth/me", nil)
		if h != "" {
			req.Header.Set("Authorization", h)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%q: expected 401, got %d", h, resp.StatusCode)
		}
	}
}

func TestHeaderTakesPrecedenceOverCookie(t *testing.T) {
	env := newEnv(t, auth.FormatJWT)
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+env.tokenFor(t, "admin"))
	req.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: env.tokenFor(t, "support")})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), `"username":"admin"`) {
		t.Fatalf("header identity should win: %s", body)
	}
}

func TestCookieSessionFlowAndLogout(t *testing.T) {
	env := newEnv(t, auth.FormatSecureCookie)
	jar, _ := cookiejar.New(nil)
	client := &http.Client{Jar: jar}

	resp, err := client.Post(env.srv.URL+"/api/auth/login", "application/json", strings.NewReader(`{"username":"admin","password":"admin-password"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: %d", resp.StatusCode)
	}

	resp, err = client.Get(env.srv.URL + "/api/users")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cookie should authorize admin route: %d", resp.StatusCode)
	}

	resp, err = client.Post(env.srv.URL+"/api/auth/logout", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout: %d", resp.StatusCode)
	}
	if ck := findCookie(resp, auth.SessionCookieName); ck == nil || ck.MaxAge >= 0 {
		t.Fatalf("logout must expire the cookie: %+v", ck)
	}

	resp, err = client.Get(env.srv.URL + "/api/auth/me")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("after logout: %d", resp.StatusCode)
	}
}

func TestLoginUpgradesLegacyHash(t *testing.T) {
	legacy, err := bcrypt.GenerateFromPassword([]byte("bcrypt-password"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		username string
		password string
		stored   string
	}{
		{"imported", "bcrypt-password", string(legacy)},
		{"devuser", "plain-password", "plain:plain-password"},
	}
	env := newEnv(t, auth.FormatJWT)
	for _, tc := range cases {
		t.Run(tc.username, func(t *testing.T) {
			u, err := env.users.Create(context.Background(), users.User{Username: tc.username, PasswordHash: tc.stored, Role: auth.RoleViewer})
			if err != nil {
				t.Fatal(err)
			}
			body := `{"username":"` + tc.username + `","password":"` + tc.password + `"}`
			if rr := env.do(t, http.MethodPost, "/api/auth/login", "", body); rr.Code != http.StatusOK {
				t.Fatalf("login: %d %s", rr.Code, rr.Body.String())
			}
			got, err := env.users.FindByID(u.ID)
			if err != nil {
				t.Fatal(err)
			}
			if s, _ := hash.Detect(got.PasswordHash); s != hash.SchemeArgon2id {
				t.Fatalf("stored hash not upgraded: scheme %q", s)
			}
			if fastHash.NeedsRehash(got.PasswordHash) {
				t.Fatalf("upgraded hash does not use the configured params")
			}

			if rr := env.do(t, http.MethodPost, "/api/auth/login", "", body); rr.Code != http.StatusOK {
				t.Fatalf("login after upgrade: %d", rr.Code)
			}
			again, _ := env.users.FindByID(u.ID)
			if again.PasswordHash != got.PasswordHash {
				t.Fatalf("current hash rewritten on a second login")
			}
		})
	}
}

func TestLoginStoreFailureIsOpaque(t *testing.T) {
	for _, f := range formats {
		t.Run(f, func(t *testing.T) {
			env := newEnv(t, f)
			u, err := env.users.FindByUsername("support")
			if err != nil {
				t.Fatal(err)
			}
			// A role the token layer refuses makes verification fail for a
			// reason other than bad credentials.
			if _, err := env.users.Update(context.Background(), u.ID, func(u *users.User) error {
				u.Role = "root"
				return nil
			}); err != nil {
				t.Fatal(err)
			}

			rr := env.do(t, http.MethodPost, "/api/auth/login", "", `{"username":"support","password":"support-password"}`)
			if rr.Code != http.StatusInternalServerError {
				t.Fatalf("expected 500, got %d %s", rr.Code, rr.Body.String())
			}
			raw := rr.Body.String()
			if got := errorOf(t, rr); got != "Internal server error" {
				t.Fatalf("error %q", got)
			}
			for _, leak := range []string{"root", "stored account", "support", "token"} {
				if strings.Contains(raw, leak) {
					t.Fatalf("response leaks %q: %s", leak, raw)
				}
			}
			if len(rr.Result().Cookies()) != 0 || rr.Header().Get("Set-Cookie") != "" {
				t.Fatalf("failed login set a cookie")
			}
		})
	}
}

func TestSuccessfulLoginResetsThrottle(t *testing.T) {
	env := newEnv(t, auth.FormatJWT, func(c *config.Config) {
		c.RateLoginPerWindow = 2
		c.RateLoginWindowSec = 60
	})
	login := func(password string) int {
		return env.do(t, http.MethodPost, "/api/auth/login", "", `{"username":"noc","password":"`+password+`"}`).Code
	}
	if code := login("bad"); code != http.StatusUnauthorized {
		t.Fatalf("first attempt: %d", code)
	}
	if code := login("noc-password"); code != http.StatusOK {
		t.Fatalf("good attempt: %d", code)
	}
	for i := 0; i < 2; i++ {
		if code := login("bad"); code != http.StatusUnauthorized {
			t.Fatalf("attempt %d after success: %d", i, code)
		}
	}
	if code := login("noc-password"); code != http.StatusTooManyRequests {
		t.Fatalf("window not counted after reset: %d", code)
	}
}
