package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"

	"releaseflow/internal/domain"
	"releaseflow/internal/engine"
	"releaseflow/internal/engine/auth"
	"releaseflow/internal/events"
	rflog "releaseflow/internal/log"
)

// errorReporter turns internal failures into SystemError events.
type errorReporter struct {
	pub     engine.Publisher
	service string
	log     zerolog.Logger
}

type reporterKey struct{}

func (r *errorReporter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), reporterKey{}, r)))
	})
}

// report publishes detached from the request so a cancelled client does not drop the event.
func (r *errorReporter) report(ctx context.Context, service, message string) (events.Envelope, error) {
	if service == "" {
		service = r.service
	}
	return r.pub.Publish(context.WithoutCancel(ctx), events.SystemError{Service: service, Message: message})
}

func reportInternal(ctx context.Context, err error) {
	r, ok := ctx.Value(reporterKey{}).(*errorReporter)
	if !ok || r.pub == nil {
		return
	}
	if _, perr := r.report(ctx, "", err.Error()); perr != nil {
		r.log.Warn().Err(perr).Msg("report system error")
	}
}

func registerNotifications(api huma.API, r *errorReporter) {
	huma.Register(api, huma.Operation{
		OperationID:   "report-system-error",
		Method:        http.MethodPost,
		Path:          "/notifications/system-error",
		Summary:       "Report a system error to administrators",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body SystemErrorRequest `json:"body"`
	}) (*struct {
		Body SystemErrorResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermSystemReport); err != nil {
			return nil, handleError(ctx, err)
		}
		if input.Body.Message == "" {
			return nil, handleError(ctx, domain.Errorf(domain.KindInvalidInput, "message is required"))
		}
		if r.pub == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "event publishing is not configured", nil)
		}
		env, err := r.report(ctx, input.Body.Service, input.Body.Message)
		if err != nil {
			// The envelope is parked in the outbox; the relay delivers it later.
			r.log.Warn().Err(err).Str(rflog.FieldEventID, env.ID).Msg("system error queued for relay")
		}
		return &struct {
			Body SystemErrorResponse `json:"body"`
		}{Body: SystemErrorResponse{EventID: env.ID}}, nil
	})
}
