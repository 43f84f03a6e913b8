// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/leseb/brainingest/pkg/core/schema"
)

type ownerKey struct{}

var errUnauthorized = errors.New("missing or invalid credentials")

// authenticator resolves the owner of a request. With a secret it trusts
// only the "sub" claim of an HS256 bearer token.
type authenticator struct {
	secret []byte
}

func (a *authenticator) owner(r *http.Request) (string, error) {
	if len(a.secret) == 0 {
		if id := strings.TrimSpace(r.Header.Get("X-Owner-ID")); validOwnerID(id) {
			return id, nil
		}
		return "", errUnauthorized
	}

	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return "", errUnauthorized
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", errUnauthorized
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || !validOwnerID(sub) {
		return "", errUnauthorized
	}
	return sub, nil
}

// validOwnerID reports whether id can be used as a single blob key segment.
func validOwnerID(id string) bool {
	return id != "" && id != "." && !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

// authed rejects requests without an owner and stores the owner id in the
// request context.
func (h *Handler) authed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := h.auth.owner(r)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, schema.ErrorTypeUnauthorized, err.Error())
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}
