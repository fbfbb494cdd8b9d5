package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// Permissions carried in the token claims.
const (
	PermPlansRead      = "plans:read"
	PermPlansOverride  = "plans:override"
	PermRolloverRun    = "rollover:run"
	PermRunsRead       = "runs:read"
	PermEventsRead     = "events:read"
	PermBacklogRead    = "backlog:read"
	PermBacklogClear   = "backlog:clear"
	PermScoresWrite    = "scores:write"
	PermSitesReconcile = "sites:reconcile"
	PermAll            = "*"
)

// AllOrgs in the org claim grants access across organizations.
const AllOrgs = "*"

type AuthConfig struct {
	JWTSecret string
	// DevLogin exposes POST /auth/dev/login to mint tokens locally.
	DevLogin bool
	Logger   *logrus.Entry
}

type Principal struct {
	ActorID     string
	OrgID       string
	Permissions []string
}

// ForbiddenError reports a missing permission or an org outside the token scope.
type ForbiddenError struct {
	Permission string
	OrgID      string
}

func (e ForbiddenError) Error() string {
	if e.Permission == "" {
		return fmt.Sprintf("token is not scoped to org %s", e.OrgID)
	}
	return fmt.Sprintf("permission %s required", e.Permission)
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// requirePermission checks both the org scope and the permission claim.
func requirePermission(ctx context.Context, orgID, perm string) (Principal, error) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if p.OrgID != AllOrgs && p.OrgID != orgID {
		return p, ForbiddenError{OrgID: orgID}
	}
	for _, have := range p.Permissions {
		if have == perm || have == PermAll {
			return p, nil
		}
	}
	return p, ForbiddenError{Permission: perm}
}

type jwtClaims struct {
	jwt.RegisteredClaims
	OrgID       string   `json:"org_id"`
	Permissions []string `json:"permissions,omitempty"`
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" || claims.OrgID == "" {
		return Principal{}, errors.New("sub and org_id claims required")
	}
	return Principal{ActorID: claims.Subject, OrgID: claims.OrgID, Permissions: claims.Permissions}, nil
}

// SignToken mints an HS256 token for an actor. The CLI and tests use it too.
func SignToken(secret, actorID, orgID string, perms []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		OrgID:       orgID,
		Permissions: perms,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, log *logrus.Entry) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "openapi.json"):   true,
		path.Join(basePath, "auth/dev/login"): cfg.DevLogin,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			token, ok := bearerToken(strings.TrimSpace(req.Header.Get("Authorization")))
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			principal, err := authenticateJWT(token, cfg.JWTSecret)
			if err != nil {
				log.WithError(err).WithField("path", req.URL.Path).Debug("rejected bearer token")
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
