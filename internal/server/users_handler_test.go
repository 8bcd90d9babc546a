package server

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"ispadmin/pkg/auth"
)

func TestUsersCRUD(t *testing.T) {
	env := newEnv(t, auth.FormatJWT)
	admin := env.tokenFor(t, "admin")

	rr := env.do(t, http.MethodPost, "/api/users", admin, `{"username":"billing","password":"billing-pass","role":"operator"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
	}
	var created accountView
	decode(t, rr, &created)
	if created.ID == 0 || created.Role != auth.RoleOperator {
		t.Fatalf("unexpected account: %+v", created)
	}

	rr = env.do(t, http.MethodPost, "/api/users", admin, `{"username":"BILLING","password":"another-pass","role":"viewer"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate: %d", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/api/users", admin, `{"username":"x","password":"short","role":"root"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid create: %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/api/users", admin, "")
	var list []map[string]any
	decode(t, rr, &list)
	if len(list) != 4 {
		t.Fatalf("expected 4 users, got %d", len(list))
	}
	for _, u := range list {
		if _, leaked := u["password_hash"]; leaked {
			t.Fatalf("password hash exposed: %v", u)
		}
	}

	path := "/api/users/" + strconv.FormatInt(created.ID, 10)
	rr = env.do(t, http.MethodPut, path, admin, `{"role":"viewer","disabled":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rr.Code, rr.Body.String())
	}
	u, _ := env.users.FindByID(created.ID)
	if u.Role != auth.RoleViewer || !u.Disabled {
		t.Fatalf("update not persisted: %+v", u)
	}

	if rr := env.do(t, http.MethodDelete, path, admin, ""); rr.Code != http.StatusOK {
		t.Fatalf("delete: %d", rr.Code)
	}
	if rr := env.do(t, http.MethodDelete, path, admin, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("delete missing: %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPut, "/api/users/abc", admin, `{}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", rr.Code)
	}
}

func TestUsersAdministratorGuards(t *testing.T) {
	env := newEnv(t, auth.FormatSecureCookie)
	admin := env.tokenFor(t, "admin")
	self, _ := env.users.FindByUsername("admin")
	selfPath := "/api/users/" + strconv.FormatInt(self.ID, 10)

	rr := env.do(t, http.MethodDelete, selfPath, admin, "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("self delete: %d", rr.Code)
	}
	rr = env.do(t, http.MethodPut, selfPath, admin, `{"role":"operator"}`)
	if rr.Code != http.StatusConflict || errorOf(t, rr) != "Cannot remove the last administrator" {
		t.Fatalf("demote last admin: %d %s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodPut, selfPath, admin, `{"disabled":true}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("disable last admin: %d", rr.Code)
	}
	if env.users.CountAdministrators() != 1 {
		t.Fatalf("administrator lost")
	}
}

func TestUserPasswordChangeTakesEffect(t *testing.T) {
	env := newEnv(t, auth.FormatJWT)
	admin := env.tokenFor(t, "admin")
	support, _ := env.users.FindByUsername("support")
	rr := env.do(t, http.MethodPut, "/api/users/"+strconv.FormatInt(support.ID, 10), admin, `{"password":"brand-new-pass"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("update: %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/api/auth/login", "", `{"username":"support","password":"support-password"}`); rr.Code != http.StatusUnauthorized {
		t.Fatalf("old password still works: %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/api/auth/login", "", `{"username":"support","password":"brand-new-pass"}`); rr.Code != http.StatusOK {
		t.Fatalf("new password rejected: %d", rr.Code)
	}
}

func TestUserRevocationReportsTokenLifetime(t *testing.T) {
	env := newEnv(t, auth.FormatJWT)
	admin := env.tokenFor(t, "admin")
	stale := env.tokenFor(t, "noc")
	u, err := env.users.FindByUsername("noc")
	if err != nil {
		t.Fatal(err)
	}
	path := "/api/users/" + strconv.FormatInt(u.ID, 10)

	before := time.Now().UTC().Add(env.cfg.TokenTTL).Add(-time.Second)
	rr := env.do(t, http.MethodPut, path, admin, `{"disabled":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("disable: %d %s", rr.Code, rr.Body.String())
	}
	until, err := time.Parse(time.RFC3339, rr.Header().Get(sessionsHeader))
	if err != nil {
		t.Fatalf("%s header: %v", sessionsHeader, err)
	}
	if until.Before(before) || until.After(time.Now().UTC().Add(env.cfg.TokenTTL)) {
		t.Fatalf("sessions valid until %s, want about now+%s", until, env.cfg.TokenTTL)
	}

	// Documented behaviour: the old token still carries its role.
	if rr := env.do(t, http.MethodGet, "/api/pppoe/active", stale, ""); rr.Code != http.StatusOK {
		t.Fatalf("token issued before disable: %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/api/auth/login", "", `{"username":"noc","password":"noc-password"}`); rr.Code != http.StatusUnauthorized {
		t.Fatalf("disabled account logged in: %d", rr.Code)
	}

	rr = env.do(t, http.MethodDelete, path, admin, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: %d", rr.Code)
	}
	if rr.Header().Get(sessionsHeader) == "" {
		t.Fatalf("delete did not report token lifetime")
	}
}
