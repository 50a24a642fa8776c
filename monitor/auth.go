package monitor

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/asdine/storm/v3"
	"github.com/go-chi/render"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"
)

const DefaultTokenLifespan = time.Hour

var (
	ErrTokenEmpty   = errors.New("bearer token not provided")
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token has expired")
)

// User is an operator allowed to read the capture.
type User struct {
	ID       int    `storm:"increment"`
	Email    string `storm:"unique"`
	Password string
}

// SetPassword stores the bcrypt hash of pass.
func (u *User) SetPassword(pass []byte) error {
	hash, err := bcrypt.GenerateFromPassword(pass, bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.Password = string(hash)
	return nil
}

// VerifyPassword returns bcrypt's verdict unchanged.
func (u *User) VerifyPassword(pass []byte) error {
	return bcrypt.CompareHashAndPassword([]byte(u.Password), pass)
}

func (s *Store) SaveUser(u *User) error {
	return s.db.Save(u)
}

func (s *Store) UserByEmail(email string) (u User, err error) {
	err = s.db.One("Email", email, &u)
	return
}

type loginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (l *loginPayload) Bind(r *http.Request) error {
	if l.Email == "" {
		return errors.New("email is required")
	}
	return nil
}

type tokenResponse struct {
	Token string `json:"token"`
}

type tokenKey struct{}

// Auth issues and checks HS512 tokens for monitor operators.
type Auth struct {
	Secret   []byte
	Issuer   string
	Lifespan time.Duration

	store *Store
	now   func() time.Time
}

// EnableAuth requires a token on the API and websocket routes. Users are
// looked up in the monitor's store.
func (m *Monitor) EnableAuth(secret []byte, issuer string) *Auth {
	m.auth = &Auth{
		Secret:   secret,
		Issuer:   issuer,
		Lifespan: DefaultTokenLifespan,
		store:    m.store,
		now:      time.Now,
	}
	return m.auth
}

func (a *Auth) newToken(sub string) (string, error) {
	now := a.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    a.Issuer,
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.Lifespan)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(a.Secret)
}

// Login checks an operator's password and returns a token.
func (a *Auth) Login(w http.ResponseWriter, r *http.Request) {
	data := &loginPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, errInvalidRequest(err))
		return
	}

	user, err := a.store.UserByEmail(data.Email)
	if err != nil {
		if errors.Is(err, storm.ErrNotFound) {
			render.Render(w, r, errNotFound)
			return
		}
		render.Render(w, r, errInternal(err))
		return
	}

	if err := user.VerifyPassword([]byte(data.Password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			render.Render(w, r, errPermissionDenied(errors.New("invalid password")))
			return
		}
		render.Render(w, r, errInternal(err))
		return
	}

	token, err := a.newToken(user.Email)
	if err != nil {
		render.Render(w, r, errInternal(err))
		return
	}
	render.JSON(w, r, tokenResponse{token})
}

// Refresh hands a validated caller a fresh token.
func (a *Auth) Refresh(w http.ResponseWriter, r *http.Request) {
	claims, _ := r.Context().Value(tokenKey{}).(*jwt.RegisteredClaims)
	if claims == nil {
		render.Render(w, r, errUnauthorized(ErrTokenEmpty))
		return
	}
	token, err := a.newToken(claims.Subject)
	if err != nil {
		render.Render(w, r, errInternal(err))
		return
	}
	render.JSON(w, r, tokenResponse{token})
}

// tokenFrom looks in the query string, the Authorization header and the jwt
// cookie, in that order. Browsers cannot set headers on websocket upgrades.
func tokenFrom(r *http.Request) string {
	if tok := r.URL.Query().Get("jwt"); tok != "" {
		return tok
	}
	bearer := r.Header.Get("Authorization")
	if len(bearer) > 7 && strings.EqualFold(bearer[:7], "bearer ") {
		return bearer[7:]
	}
	if cookie, err := r.Cookie("jwt"); err == nil {
		return cookie.Value
	}
	return ""
}

// Validate is middleware rejecting requests without a valid token.
func (a *Auth) Validate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := tokenFrom(r)
		if raw == "" {
			render.Render(w, r, errUnauthorized(ErrTokenEmpty))
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if t.Method != jwt.SigningMethodHS512 {
				return nil, ErrTokenInvalid
			}
			return a.Secret, nil
		}, jwt.WithoutClaimsValidation())
		if err != nil || !token.Valid {
			render.Render(w, r, errUnauthorized(ErrTokenInvalid))
			return
		}
		if claims.ExpiresAt == nil || !a.now().Before(claims.ExpiresAt.Time) {
			render.Render(w, r, errUnauthorized(ErrTokenExpired))
			return
		}

		ctx := context.WithValue(r.Context(), tokenKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
