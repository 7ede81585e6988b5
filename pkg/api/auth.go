package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

// UserIDClaim is the token claim naming the user. The subject is used when
// it is absent.
const UserIDClaim = "user_id"

const tokenSkew = 30 * time.Second

var errNoUserClaim = errors.New("token names no user")

// tokenAuth verifies HS256 user tokens sent as a bearer Authorization
// header or a token query parameter. Browsers cannot set headers on a
// websocket handshake, hence the query form.
type tokenAuth struct {
	key []byte
}

func newTokenAuth(secret string) *tokenAuth {
	if secret == "" {
		return nil
	}
	return &tokenAuth{key: []byte(secret)}
}

// identify returns the user a request's token was issued to.
func (a *tokenAuth) identify(r *http.Request) (string, error) {
	// ParseRequest only parses forms of requests with a body.
	_ = r.ParseForm()

	tok, err := jwt.ParseRequest(r,
		jwt.WithHeaderKey("Authorization"),
		jwt.WithFormKey("token"),
		jwt.WithKey(jwa.HS256(), a.key),
		jwt.WithAcceptableSkew(tokenSkew),
	)
	if err != nil {
		return "", err
	}

	var id string
	if err := tok.Get(UserIDClaim, &id); err == nil && id != "" {
		return id, nil
	}
	if sub, ok := tok.Subject(); ok && sub != "" {
		return sub, nil
	}
	return "", errNoUserClaim
}

// requireUser rejects requests whose token does not name the user in the
// {id} path segment. A nil tokenAuth lets every request through.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	if s.auth == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.auth.identify(r)
		if err != nil {
			s.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("token rejected")
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		if id != r.PathValue("id") {
			writeError(w, http.StatusForbidden, "token belongs to another user")
			return
		}
		next(w, r)
	}
}
