package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/models"
)

const actorKey contextKey = "actor"

// actorClaims are the fields the identity service puts in its tokens. We
// verify the signature and trust the identity; authorization relative to a
// ride happens in the coordinator.
type actorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.actorFromRequest(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": err.Error()})
			return
		}
		ctx := context.WithValue(r.Context(), actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) actorFromRequest(r *http.Request) (models.Actor, error) {
	// header identity for local runs without an identity service
	if len(s.jwtSecret) == 0 {
		id := r.Header.Get("X-Actor-ID")
		role := r.Header.Get("X-Actor-Role")
		if id == "" || role == "" {
			return models.Actor{}, fmt.Errorf("missing actor headers")
		}
		return actorOf(id, role)
	}

	auth := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		// allow token query param for websocket clients
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return models.Actor{}, fmt.Errorf("missing bearer token")
	}
	var claims actorClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !tok.Valid {
		return models.Actor{}, fmt.Errorf("invalid token")
	}
	return actorOf(claims.Subject, claims.Role)
}

func actorOf(id, role string) (models.Actor, error) {
	switch models.Role(role) {
	case models.RoleCustomer, models.RoleDriver, models.RoleAdmin:
		return models.Actor{ID: id, Role: models.Role(role)}, nil
	}
	return models.Actor{}, fmt.Errorf("unknown role %q", role)
}

func actorFromContext(ctx context.Context) models.Actor {
	if a, ok := ctx.Value(actorKey).(models.Actor); ok {
		return a
	}
	return models.Actor{}
}
