package settings

import (
	"context"
	_ "embed"
	"fmt"
	"time"
	_ "time/tzdata" // zone names must resolve on minimal hosts

	"ispadmin/internal/routeros"
)

//go:embed schema/app.json
var appSchema []byte

// PasswordMask replaces the router password in every response. Sending it
// back unchanged keeps the stored password.
const PasswordMask = "********"

type RouterSettings struct {
	Address            string `json:"address"`
	Username           string `json:"username"`
	Password           string `json:"password,omitempty"`
	UseTLS             bool   `json:"use_tls"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify"`
	TimeoutSec         int    `json:"timeout_sec,omitempty"`
}

type AppSettings struct {
	CompanyName string         `json:"company_name"`
	Timezone    string         `json:"timezone"`
	Router      RouterSettings `json:"router"`
}

func DefaultApp() AppSettings {
	return AppSettings{
		CompanyName: "",
		Timezone:    "UTC",
		Router:      RouterSettings{TimeoutSec: 10},
	}
}

// Masked returns a copy safe to send to clients.
func (a AppSettings) Masked() AppSettings {
	if a.Router.Password != "" {
		a.Router.Password = PasswordMask
	}
	return a
}

func (a AppSettings) Target() routeros.Target {
	return routeros.Target{
		Address:            a.Router.Address,
		Username:           a.Router.Username,
		Password:           a.Router.Password,
		UseTLS:             a.Router.UseTLS,
		InsecureSkipVerify: a.Router.InsecureSkipVerify,
		Timeout:            time.Duration(a.Router.TimeoutSec) * time.Second,
	}
}

func checkApp(a AppSettings) error {
	if _, err := time.LoadLocation(a.Timezone); err != nil {
		return fmt.Errorf("timezone: unknown zone %q", a.Timezone)
	}
	return nil
}

type AppStore struct {
	doc *Document[AppSettings]
}

func OpenApp(path string) (*AppStore, error) {
	doc, err := Open(path, appSchema, DefaultApp(), checkApp)
	if err != nil {
		return nil, err
	}
	return &AppStore{doc: doc}, nil
}

func (s *AppStore) Get() AppSettings { return s.doc.Get() }

func (s *AppStore) Path() string { return s.doc.Path() }

// Put replaces the settings from a raw JSON body.
func (s *AppStore) Put(ctx context.Context, raw []byte) (AppSettings, error) {
	return s.doc.Replace(ctx, raw, func(prev AppSettings, next *AppSettings) {
		if next.Router.Password == PasswordMask {
			next.Router.Password = prev.Router.Password
		}
		if next.Router.TimeoutSec == 0 {
			next.Router.TimeoutSec = prev.Router.TimeoutSec
		}
	})
}

// RouterTarget satisfies routeros.TargetFunc.
func (s *AppStore) RouterTarget(context.Context) (routeros.Target, error) {
	return s.Get().Target(), nil
}
