package v1

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	apierrors "github.com/hrygo/companion/server/internal/errors"
	"github.com/hrygo/companion/server/internal/observability"
)

const (
	// Issuer is the issuer of API access tokens.
	Issuer = "companion"
	// AccessTokenAudienceName is the audience of API access tokens.
	AccessTokenAudienceName = "companion.api"

	authSubjectKey = "auth_subject"
)

// GenerateAccessToken signs an HS256 token whose subject is userID.
// A zero ttl produces a token without expiry, a negative one an expired token.
func GenerateAccessToken(secret, userID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:   Issuer,
		Subject:  userID,
		Audience: jwt.ClaimStrings{AccessTokenAudienceName},
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", errors.Wrap(err, "failed to sign access token")
	}
	return signed, nil
}

// parseAccessToken validates token and returns its subject.
func parseAccessToken(secret, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(AccessTokenAudienceName),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// authMiddleware requires a bearer token when a secret is configured. The
// token subject is the only user the request may act for.
func (s *APIV1Service) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.Secret == "" {
			return next(c)
		}
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return s.writeError(c, apierrors.Unauthorized("missing bearer token"))
		}
		subject, err := parseAccessToken(s.Secret, strings.TrimSpace(token))
		if err != nil {
			return s.writeError(c, apierrors.Wrap(err, apierrors.ErrCodeUnauthorized, "invalid access token"))
		}
		c.Set(authSubjectKey, subject)
		if reqCtx, ok := observability.FromContext(c.Request().Context()); ok {
			reqCtx.UserID = subject
		}
		return next(c)
	}
}

// authorizeUser checks that the authenticated subject may act for userID.
func (s *APIV1Service) authorizeUser(c echo.Context, userID string) error {
	if s.Secret == "" {
		return nil
	}
	subject, _ := c.Get(authSubjectKey).(string)
	if subject != userID {
		return apierrors.Forbidden("token subject does not match user_id")
	}
	return nil
}
