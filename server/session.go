package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"pdfxml/services"
)

const (
	accessCookie  = "sb-access-token"
	refreshCookie = "sb-refresh-token"

	defaultAccessTTL = time.Hour
	refreshTTL       = 30 * 24 * time.Hour
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

type userKey struct{}

// UserFromContext returns the user the session gate let through.
func UserFromContext(ctx context.Context) (*services.User, bool) {
	u, ok := ctx.Value(userKey{}).(*services.User)
	return u, ok && u != nil
}

func withUser(ctx context.Context, u *services.User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// requireSession lets authenticated requests through. Others get a JSON 401
// on the API and a redirect to the login page everywhere else.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := s.authenticate(w, r)
		if u == nil {
			if strings.HasPrefix(r.URL.Path, "/api/") {
				writeDetail(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), u)))
	})
}

// authenticate resolves the session cookies into a user. An expired access
// token is exchanged through the refresh cookie, and the new cookies are set
// on w.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) *services.User {
	ctx := r.Context()

	if c, err := r.Cookie(accessCookie); err == nil && c.Value != "" {
		if u := s.lookup(ctx, c.Value); u != nil {
			return u
		}
	}

	c, err := r.Cookie(refreshCookie)
	if err != nil || c.Value == "" {
		return nil
	}
	sess, err := s.auth.Refresh(ctx, c.Value)
	if err != nil {
		s.log.Debug().Err(err).Msg("Session refresh failed")
		clearSessionCookies(w, s.cfg.CookieSecure)
		return nil
	}
	s.startSession(ctx, w, sess)
	return &sess.User
}

func (s *Server) lookup(ctx context.Context, token string) *services.User {
	if s.sessions != nil {
		u, err := s.sessions.Get(ctx, token)
		if err == nil {
			return u
		}
		if !errors.Is(err, services.ErrSessionMiss) {
			s.log.Warn().Err(err).Msg("Session cache unavailable")
		}
	}

	u, err := s.auth.User(ctx, token)
	if err != nil {
		if !errors.Is(err, services.ErrUnauthenticated) {
			s.log.Warn().Err(err).Msg("Auth provider lookup failed")
		}
		return nil
	}
	s.cacheSession(ctx, token, u)
	return u
}

func (s *Server) cacheSession(ctx context.Context, token string, u *services.User) {
	if s.sessions == nil {
		return
	}
	if err := s.sessions.Put(ctx, token, u); err != nil {
		s.log.Warn().Err(err).Msg("Failed to cache session")
	}
}

func (s *Server) startSession(ctx context.Context, w http.ResponseWriter, sess *services.Session) {
	ttl := defaultAccessTTL
	if sess.ExpiresIn > 0 {
		ttl = time.Duration(sess.ExpiresIn) * time.Second
	}
	setCookie(w, accessCookie, sess.AccessToken, ttl, s.cfg.CookieSecure)
	if sess.RefreshToken != "" {
		setCookie(w, refreshCookie, sess.RefreshToken, refreshTTL, s.cfg.CookieSecure)
	}
	s.cacheSession(ctx, sess.AccessToken, &sess.User)
}

func setCookie(w http.ResponseWriter, name, value string, ttl time.Duration, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookies(w http.ResponseWriter, secure bool) {
	for _, name := range []string{accessCookie, refreshCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

func (s *Server) loginPage(w http.ResponseWriter, r *http.Request) {
	if u := s.authenticate(w, r); u != nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	s.render(w, "login.html", loginView{Error: r.URL.Query().Get("error")})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		loginFailed(w, r, "invalid form")
		return
	}

	email := strings.TrimSpace(r.PostFormValue("email"))
	password := r.PostFormValue("password")
	if email == "" || password == "" {
		loginFailed(w, r, "email and password are required")
		return
	}
	if !emailPattern.MatchString(email) {
		loginFailed(w, r, "invalid email address")
		return
	}

	sess, err := s.auth.SignIn(r.Context(), email, password)
	if err != nil {
		var authErr *services.AuthError
		msg := "sign in failed"
		if errors.As(err, &authErr) {
			msg = authErr.Message
		} else {
			s.log.Error().Err(err).Msg("Sign in request failed")
		}
		loginFailed(w, r, msg)
		return
	}

	s.startSession(r.Context(), w, sess)
	s.log.Info().Str("user_id", sess.User.ID).Msg("User signed in")
	http.Redirect(w, r, "/", http.StatusFound)
}

func loginFailed(w http.ResponseWriter, r *http.Request, msg string) {
	http.Redirect(w, r, "/login?error="+url.QueryEscape(msg), http.StatusFound)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(accessCookie); err == nil && c.Value != "" {
		if err := s.auth.SignOut(r.Context(), c.Value); err != nil {
			s.log.Warn().Err(err).Msg("Sign out request failed")
		}
		if s.sessions != nil {
			if err := s.sessions.Delete(r.Context(), c.Value); err != nil {
				s.log.Warn().Err(err).Msg("Failed to drop cached session")
			}
		}
	}
	clearSessionCookies(w, s.cfg.CookieSecure)
	http.Redirect(w, r, "/login", http.StatusFound)
}
