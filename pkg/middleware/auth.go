package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// SubjectKey holds the authenticated operator in the gin context.
const SubjectKey = "auth_subject"

type JWTConfig struct {
	Secret string
	Issuer string
}

// JWTVerifier validates HS256 bearer tokens issued by the operator console.
type JWTVerifier struct {
	secret []byte
	issuer string
}

func NewJWTVerifier(cfg JWTConfig) *JWTVerifier {
	return &JWTVerifier{secret: []byte(cfg.Secret), issuer: cfg.Issuer}
}

func (v *JWTVerifier) Verify(tokenString string) (*jwt.RegisteredClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.New("token has expired")
		}
		return nil, errors.New("invalid token")
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// JWTAuth rejects requests without a valid bearer token and stores the token
// subject under SubjectKey. A nil verifier disables authentication.
func JWTAuth(verifier *JWTVerifier, logger interface {
	Warnw(msg string, keysAndValues ...interface{})
}) gin.HandlerFunc {
	return func(c *gin.Context) {
		if verifier == nil {
			c.Next()
			return
		}

		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || token == "" {
			logger.Warnw("Unauthorized access - missing token",
				"path", c.Request.URL.Path,
				"request_id", c.GetString(RequestIDKey),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":      "missing or invalid Authorization header",
				"error_code": "UNAUTHORIZED",
			})
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			logger.Warnw("Unauthorized access - invalid token",
				"error", err,
				"path", c.Request.URL.Path,
				"request_id", c.GetString(RequestIDKey),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":      err.Error(),
				"error_code": "UNAUTHORIZED",
			})
			return
		}

		c.Set(SubjectKey, claims.Subject)
		c.Next()
	}
}
