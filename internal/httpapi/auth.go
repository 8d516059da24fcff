package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	OwnerID string
	Exp     int64
}

// requestToken reads the identity token from the Authorization header, or
// from the token query parameter for websocket clients that cannot set
// headers.
func requestToken(r *http.Request) (string, *authError) {
	if header := r.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
		}
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")), nil
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, nil
	}
	return "", &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
}

func authorizeRequest(r *http.Request, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	raw, authErr := requestToken(r)
	if authErr != nil {
		return tokenClaims{}, authErr
	}
	return parseToken(raw, jwtSecret, now)
}

func parseToken(raw, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	if raw == "" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	})
	if err != nil {
		var validation *jwt.ValidationError
		if errors.As(err, &validation) && validation.Errors&jwt.ValidationErrorSignatureInvalid != 0 {
			return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "jwt signature mismatch"}
		}
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt"}
	}

	var exp int64
	if _, ok := claims["exp"]; ok {
		if !claims.VerifyExpiresAt(now.Unix(), true) {
			return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "token expired"}
		}
		switch typed := claims["exp"].(type) {
		case float64:
			exp = int64(typed)
		case int64:
			exp = typed
		}
	}

	owner := ""
	for _, key := range []string{"userId", "sub"} {
		if value, ok := claims[key].(string); ok && strings.TrimSpace(value) != "" {
			owner = strings.TrimSpace(value)
			break
		}
	}
	if owner == "" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing userId claim"}
	}
	return tokenClaims{OwnerID: owner, Exp: exp}, nil
}
