package httpx

import (
	"context"
	"net/http"
	"strings"
)

type identityContextKey string

type identityInfo struct {
	UserID string
}

const contextKeyIdentity identityContextKey = "botdock-identity"

type contextSetter interface {
	SetContext(context.Context)
}

// requireIdentity resolves the caller from the X-User-ID header, which the
// session layer in front of this service is trusted to populate. Requests
// without it are rejected.
func (r *Router) requireIdentity(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureIdentity(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

func (r *Router) ensureIdentity(w http.ResponseWriter, req *http.Request) (context.Context, identityInfo, bool) {
	userID := strings.TrimSpace(req.Header.Get("X-User-ID"))
	if userID == "" {
		r.logger.Warn("request without user identity", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return req.Context(), identityInfo{}, false
	}
	info := identityInfo{UserID: userID}
	ctx := context.WithValue(req.Context(), contextKeyIdentity, info)
	return ctx, info, true
}

// identityFromContext extracts caller metadata from context.
func identityFromContext(ctx context.Context) (identityInfo, bool) {
	value := ctx.Value(contextKeyIdentity)
	if value == nil {
		return identityInfo{}, false
	}
	info, ok := value.(identityInfo)
	return info, ok
}
