package auth

import (
	"net/http"
	"time"
)

const (
	SessionCookieName   = "auth_token"
	SessionCookieMaxAge = 7 * 24 * time.Hour
)

// SetSessionCookie stores tok in the HttpOnly session cookie. secure is set
// in production deployments served over TLS.
func SetSessionCookie(w http.ResponseWriter, tok Token, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    string(tok),
		Path:     "/",
		MaxAge:   int(SessionCookieMaxAge / time.Second),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
