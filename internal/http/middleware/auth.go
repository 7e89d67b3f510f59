package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/yungbote/bisect-dispatcher/internal/http/response"
	"github.com/yungbote/bisect-dispatcher/internal/platform/logger"
)

/*
AuthMiddleware stands in for an external authorizer: identity/OAuth
onboarding lives outside this module, but every protected route still needs
*some* bearer-token check in front of it. Claims carry the caller's identity
(Subject) and the GitHub App installation they are scoped to
(InstallationRef); handlers read both off the gin context to populate
RequestedBy and to authorize access to a job's installation.
*/
type AuthMiddleware struct {
	log       *logger.Logger
	secretKey string
}

func NewAuthMiddleware(baseLog *logger.Logger, secretKey string) *AuthMiddleware {
	return &AuthMiddleware{log: baseLog.With("component", "AuthMiddleware"), secretKey: secretKey}
}

// Claims is the minimal token shape this stand-in authorizer expects.
// InstallationRef is a custom claim; everything else is a registered one.
type Claims struct {
	jwt.RegisteredClaims
	InstallationRef int64 `json:"installation_ref"`
}

func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			response.RespondError(c, http.StatusUnauthorized, "unauthenticated", fmt.Errorf("missing bearer token"))
			c.Abort()
			return
		}

		claims := &Claims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(a.secretKey), nil
		})
		if err != nil || !parsed.Valid {
			a.log.Warn("rejected bearer token", "error", err)
			response.RespondError(c, http.StatusUnauthorized, "unauthenticated", fmt.Errorf("invalid or expired token"))
			c.Abort()
			return
		}

		c.Set("actor", claims.Subject)
		c.Set("installation_ref", claims.InstallationRef)
		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return strings.TrimSpace(c.Query("token"))
}

// Actor returns the authenticated caller's subject, empty if unset.
func Actor(c *gin.Context) string {
	v, _ := c.Get("actor")
	s, _ := v.(string)
	return s
}

// InstallationRef returns the authenticated caller's installation scope.
func InstallationRef(c *gin.Context) int64 {
	v, _ := c.Get("installation_ref")
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
