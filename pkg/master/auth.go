package master

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/dlrover/dlrover-master/pkg/types"
)

// WorkerClaims identifies the node presenting a bearer token on every RPC
// call. Unlike the teacher's user-facing Claims (role/permission based),
// the master only ever authenticates workers and PS nodes against the
// job they belong to.
type WorkerClaims struct {
	NodeType types.NodeType `json:"node_type"`
	NodeID   int64          `json:"node_id"`
	JobUUID  string         `json:"job_uuid"`
	jwt.RegisteredClaims
}

// AuthService issues and validates worker bearer tokens with a single
// shared HMAC secret, mirroring the teacher's JWTService surface but
// trimmed to what a worker needs to prove: which node it is.
type AuthService struct {
	secret     []byte
	issuer     string
	expiration time.Duration
}

// NewAuthService constructs an AuthService. An empty secret disables
// auth entirely: Middleware becomes a no-op, matching local/dev setups
// where the RPC surface isn't exposed outside the job's own network.
func NewAuthService(secret, issuer string, expiration time.Duration) *AuthService {
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &AuthService{secret: []byte(secret), issuer: issuer, expiration: expiration}
}

// Enabled reports whether a secret was configured.
func (a *AuthService) Enabled() bool { return len(a.secret) > 0 }

// IssueToken mints a bearer token for a node to use on subsequent RPCs.
func (a *AuthService) IssueToken(nodeType types.NodeType, nodeID int64, jobUUID string) (string, error) {
	now := time.Now()
	claims := &WorkerClaims{
		NodeType: nodeType,
		NodeID:   nodeID,
		JobUUID:  jobUUID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   fmt.Sprintf("%s-%d", nodeType, nodeID),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Validate parses and verifies a bearer token.
func (a *AuthService) Validate(tokenString string) (*WorkerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &WorkerClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse worker token: %w", err)
	}
	claims, ok := token.Claims.(*WorkerClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid worker token claims")
	}
	return claims, nil
}

// contextKey is an unexported type to keep gin.Context keys collision-free.
type contextKey string

const workerClaimsKey contextKey = "worker_claims"

// authMiddleware validates the bearer token on every protected route. A
// nil/disabled AuthService makes this a no-op, so a job running without
// TLS termination in front of it can still be reached trivially in
// single-tenant clusters.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.auth == nil || !s.auth.Enabled() {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == "" || tokenString == header {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			c.Abort()
			return
		}
		claims, err := s.auth.Validate(tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		c.Set(string(workerClaimsKey), claims)
		c.Next()
	}
}
