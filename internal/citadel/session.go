package citadel

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/securecookie"

	v1 "github.com/jdholdren/hatumimi/api/citadel/v1"
	"github.com/jdholdren/hatumimi/internal/keiji"
)

const sessionCookieName = "citadel_session"

// Describes a user's sessionState that's persisted to their cookie.
type sessionState struct {
	UserID        string
	PortalSession string // The portal's own session cookie, replayed when scraping
}

func (s sessionState) user() keiji.User {
	return keiji.User{ID: s.UserID, PortalSession: s.PortalSession}
}

// Fetches the current session tied to the request.
func session(r *http.Request, secureCookie *securecookie.SecureCookie) sessionState {
	cookie, err := r.Cookie(sessionCookieName)
	if errors.Is(err, http.ErrNoCookie) {
		return sessionState{}
	}
	if err != nil {
		slog.Error("error fetching cookie", "err", err)
		return sessionState{}
	}

	value := sessionState{}
	if err := secureCookie.Decode(sessionCookieName, cookie.Value, &value); err != nil {
		slog.Error("error decoding cookie", "err", err)
		return sessionState{}
	}

	return value
}

// Sets the session on the response. An empty session expires the cookie.
func setSession(w http.ResponseWriter, secureCookie *securecookie.SecureCookie, https bool, sess sessionState) {
	encoded, err := secureCookie.Encode(sessionCookieName, sess)
	if err != nil {
		slog.Error("error encoding cookie", "err", err)
		return
	}

	cookie := &http.Cookie{
		Name:     sessionCookieName,
		Value:    encoded,
		Path:     "/",
		Secure:   https,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if sess == (sessionState{}) {
		cookie.Value = ""
		cookie.MaxAge = -1
	}
	http.SetCookie(w, cookie)
}

func requireSessionMiddleware(sc *securecookie.SecureCookie) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := session(r, sc)
			if state.UserID == "" {
				http.Error(w, "Unauthenticated", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Starts a session for a user who already logged in to the portal.
func (s *Server) postSession(w http.ResponseWriter, r *http.Request) error {
	req, err := decodeValid[v1.CreateSessionRequest](r.Body)
	if err != nil {
		return err
	}

	setSession(w, s.secureCookie, s.httpsCookies, sessionState{
		UserID:        req.UserID,
		PortalSession: req.PortalSession,
	})
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) error {
	setSession(w, s.secureCookie, s.httpsCookies, sessionState{})
	w.WriteHeader(http.StatusNoContent)
	return nil
}
