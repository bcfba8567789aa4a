package transport

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/complyflow/internal/observability"
	"github.com/pitabwire/complyflow/model"
)

// CapabilityResolver resolves the capabilities granted to a request context.
type CapabilityResolver interface {
	Resolve(rctx *model.RequestContext) (model.CapabilitySet, error)
}

// RequireCapability rejects requests whose caller lacks capability with a
// 403 FORBIDDEN. It must run after BuildRequestContext. A nil resolver
// disables the check.
func RequireCapability(resolver CapabilityResolver, capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if resolver == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rctx, ok := requestContext(w, r)
			if !ok {
				return
			}
			caps, err := resolver.Resolve(rctx)
			if err != nil {
				observability.LoggerFrom(r.Context(), zap.NewNop()).Error("capability resolution failed",
					zap.String("subject_id", rctx.SubjectID),
					zap.Error(err),
				)
				WriteError(w, model.NewInternalError())
				return
			}
			if !caps.Has(capability) {
				WriteError(w, model.NewForbiddenError("missing capability "+capability))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
