package hostapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/fluxorio/datacore/pkg/core"
	"github.com/golang-jwt/jwt/v5"
)

// ClaimsKey is the Context key holding verified jwt.MapClaims
const ClaimsKey = "claims"

// JWTConfig configures bearer token verification
type JWTConfig struct {
	// Secret is the HS256 signing key
	Secret string

	// Issuer requires a matching iss claim when set
	Issuer string

	// Leeway allows small clock skew for exp/nbf/iat validation
	Leeway time.Duration

	// SkipPaths are served without a token (exact match)
	SkipPaths []string
}

func unauthorized(reason string, err error) error {
	return &core.Error{Code: codeUnauthorized, Message: "unauthorized: " + reason, Err: err}
}

// JWT requires an "Authorization: Bearer <token>" header signed with HS256
func JWT(cfg JWTConfig) Middleware {
	if cfg.Secret == "" {
		panic("JWT: Secret must be provided")
	}

	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	options := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Leeway > 0 {
		options = append(options, jwt.WithLeeway(cfg.Leeway))
	}
	if cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(cfg.Issuer))
	}
	parser := jwt.NewParser(options...)

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(cfg.Secret), nil
	}

	return func(next Handler) Handler {
		return func(c *Context) error {
			if skip[string(c.Path())] {
				return next(c)
			}

			header := string(c.RequestCtx.Request.Header.Peek("Authorization"))
			if header == "" {
				c.RequestCtx.Response.Header.Set("WWW-Authenticate", `Bearer realm="datacore"`)
				return unauthorized("missing token", nil)
			}
			scheme, tokenString, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
				return unauthorized("invalid authorization header", nil)
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, keyFunc)
			if err != nil || !token.Valid {
				c.RequestCtx.Response.Header.Set("WWW-Authenticate", `Bearer realm="datacore", error="invalid_token"`)
				return unauthorized("invalid token", err)
			}

			c.Set(ClaimsKey, claims)
			return next(c)
		}
	}
}

// SignToken issues an HS256 token with the given subject, valid for ttl
func SignToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
