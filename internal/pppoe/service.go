// Package pppoe manages PPPoE subscribers on the router: live sessions,
// secrets (subscriber credentials) and profiles.
package pppoe

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/rs/zerolog"

	"ispadmin/internal/routeros"
)

var (
	ErrInvalidID = errors.New("invalid item id")
	ErrNotFound  = errors.New("no such item")
	ErrNoChanges = errors.New("no changes requested")
)

// RouterOS internal item ids look like "*1A".
var idRe = regexp.MustCompile(`^\*[0-9A-Fa-f]+$`)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9._@-]+$`)

func ValidID(id string) bool { return idRe.MatchString(id) }

type ActiveSession struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Service   string `json:"service"`
	CallerID  string `json:"caller_id"`
	Address   string `json:"address"`
	Uptime    string `json:"uptime"`
	Encoding  string `json:"encoding,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Secret is a subscriber credential. The password never leaves this package.
type Secret struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Service       string `json:"service"`
	Profile       string `json:"profile"`
	RemoteAddress string `json:"remote_address,omitempty"`
	CallerID      string `json:"caller_id,omitempty"`
	Comment       string `json:"comment,omitempty"`
	Disabled      bool   `json:"disabled"`
	LastLoggedOut string `json:"last_logged_out,omitempty"`
}

type Profile struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	LocalAddress  string `json:"local_address,omitempty"`
	RemoteAddress string `json:"remote_address,omitempty"`
	RateLimit     string `json:"rate_limit,omitempty"`
	OnlyOne       string `json:"only_one,omitempty"`
}

type NewSecret struct {
	Name          string `json:"name"`
	Password      string `json:"password"`
	Profile       string `json:"profile"`
	RemoteAddress string `json:"remote_address"`
	CallerID      string `json:"caller_id"`
	Comment       string `json:"comment"`
}

func (s NewSecret) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Name, validation.Required, validation.Length(1, 64), validation.Match(nameRe)),
		validation.Field(&s.Password, validation.Required, validation.Length(4, 128)),
		validation.Field(&s.Profile, validation.Length(0, 64)),
		validation.Field(&s.RemoteAddress, is.IPv4),
		validation.Field(&s.CallerID, validation.Length(0, 64)),
		validation.Field(&s.Comment, validation.Length(0, 255)),
	)
}

// SecretPatch changes only the fields that are set.
type SecretPatch struct {
	Disabled *bool   `json:"disabled"`
	Profile  *string `json:"profile"`
	Password *string `json:"password"`
	Comment  *string `json:"comment"`
}

func (p SecretPatch) Validate() error {
	if p.Disabled == nil && p.Profile == nil && p.Password == nil && p.Comment == nil {
		return ErrNoChanges
	}
	return validation.ValidateStruct(&p,
		validation.Field(&p.Profile, validation.NilOrNotEmpty, validation.Length(1, 64)),
		validation.Field(&p.Password, validation.NilOrNotEmpty, validation.Length(4, 128)),
		validation.Field(&p.Comment, validation.Length(0, 255)),
	)
}

type Service struct {
	dialer routeros.Dialer
	log    zerolog.Logger
}

func NewService(d routeros.Dialer, log zerolog.Logger) *Service {
	return &Service{dialer: d, log: log.With().Str("component", "pppoe").Logger()}
}

// run dials, executes one sentence and closes the connection.
func (s *Service) run(ctx context.Context, sentence ...string) ([]map[string]string, error) {
	c, err := s.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()
	rows, err := c.Run(ctx, sentence...)
	if err != nil && strings.Contains(err.Error(), "no such item") {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return rows, err
}

func (s *Service) ListActive(ctx context.Context) ([]ActiveSession, error) {
	rows, err := s.run(ctx, "/ppp/active/print")
	if err != nil {
		return nil, err
	}
	out := make([]ActiveSession, 0, len(rows))
	for _, r := range rows {
		out = append(out, ActiveSession{
			ID:        r[".id"],
			Name:      r["name"],
			Service:   r["service"],
			CallerID:  r["caller-id"],
			Address:   r["address"],
			Uptime:    r["uptime"],
			Encoding:  r["encoding"],
			SessionID: r["session-id"],
		})
	}
	return out, nil
}

// Disconnect drops a live session; the subscriber may redial.
func (s *Service) Disconnect(ctx context.Context, id string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	if _, err := s.run(ctx, "/ppp/active/remove", "=.id="+id); err != nil {
		return err
	}
	s.log.Info().Str("id", id).Msg("pppoe session disconnected")
	return nil
}

func (s *Service) ListSecrets(ctx context.Context) ([]Secret, error) {
	rows, err := s.run(ctx, "/ppp/secret/print")
	if err != nil {
		return nil, err
	}
	out := make([]Secret, 0, len(rows))
	for _, r := range rows {
		out = append(out, secretFromRow(r))
	}
	return out, nil
}

func secretFromRow(r map[string]string) Secret {
	return Secret{
		ID:            r[".id"],
		Name:          r["name"],
		Service:       r["service"],
		Profile:       r["profile"],
		RemoteAddress: r["remote-address"],
		CallerID:      r["caller-id"],
		Comment:       r["comment"],
		Disabled:      r["disabled"] == "true" || r["disabled"] == "yes",
		LastLoggedOut: r["last-logged-out"],
	}
}

// AddSecret creates a pppoe secret and returns the new item id.
func (s *Service) AddSecret(ctx context.Context, in NewSecret) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	sentence := []string{"/ppp/secret/add", "=name=" + in.Name, "=password=" + in.Password, "=service=pppoe"}
	if in.Profile != "" {
		sentence = append(sentence, "=profile="+in.Profile)
	}
	if in.RemoteAddress != "" {
		sentence = append(sentence, "=remote-address="+in.RemoteAddress)
	}
	if in.CallerID != "" {
		sentence = append(sentence, "=caller-id="+in.CallerID)
	}
	if in.Comment != "" {
		sentence = append(sentence, "=comment="+in.Comment)
	}
	rows, err := s.run(ctx, sentence...)
	if err != nil {
		return "", err
	}
	s.log.Info().Str("name", in.Name).Msg("pppoe secret added")
	if n := len(rows); n > 0 {
		return rows[n-1]["ret"], nil
	}
	return "", nil
}

func (s *Service) SetSecret(ctx context.Context, id string, p SecretPatch) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	if err := p.Validate(); err != nil {
		return err
	}
	sentence := []string{"/ppp/secret/set", "=.id=" + id}
	if p.Disabled != nil {
		v := "no"
		if *p.Disabled {
			v = "yes"
		}
		sentence = append(sentence, "=disabled="+v)
	}
	if p.Profile != nil {
		sentence = append(sentence, "=profile="+*p.Profile)
	}
	if p.Password != nil {
		sentence = append(sentence, "=password="+*p.Password)
	}
	if p.Comment != nil {
		sentence = append(sentence, "=comment="+*p.Comment)
	}
	if _, err := s.run(ctx, sentence...); err != nil {
		return err
	}
	s.log.Info().Str("id", id).Msg("pppoe secret updated")
	return nil
}

func (s *Service) RemoveSecret(ctx context.Context, id string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	if _, err := s.run(ctx, "/ppp/secret/remove", "=.id="+id); err != nil {
		return err
	}
	s.log.Info().Str("id", id).Msg("pppoe secret removed")
	return nil
}

func (s *Service) ListProfiles(ctx context.Context) ([]Profile, error) {
	rows, err := s.run(ctx, "/ppp/profile/print")
	if err != nil {
		return nil, err
	}
	out := make([]Profile, 0, len(rows))
	for _, r := range rows {
		out = append(out, Profile{
			ID:            r[".id"],
			Name:          r["name"],
			LocalAddress:  r["local-address"],
			RemoteAddress: r["remote-address"],
			RateLimit:     r["rate-limit"],
			OnlyOne:       r["only-one"],
		})
	}
	return out, nil
}
