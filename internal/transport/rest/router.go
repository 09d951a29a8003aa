package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/liam-jons/buildappswith-reconciler/internal/domain"
	"github.com/liam-jons/buildappswith-reconciler/internal/security"
	"github.com/liam-jons/buildappswith-reconciler/internal/transport/rest/response"
)

type RouterDeps struct {
	Cache     domain.CacheRepository
	Handler   *Handler
	Verifier  security.AccessTokenVerifier
	JWTIssuer string

	RateLimitEnabled bool
	RateLimit        int
	RateLimitWindow  time.Duration
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Cache == nil {
		panic("rest.NewRouter: nil cache")
	}
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}
	if d.Verifier == nil {
		panic("rest.NewRouter: nil verifier")
	}
	if d.RateLimit <= 0 {
		d.RateLimit = 100
	}
	if d.RateLimitWindow <= 0 {
		d.RateLimitWindow = time.Minute
	}

	r := chi.NewRouter()

	// Request ID + structured access log
	r.Use(RequestID)
	r.Use(HTTPLogger)

	// Panic recovery
	r.Use(middleware.Recoverer)

	// Cross-cutting
	if d.RateLimitEnabled {
		r.Use(RateLimitMiddleware(d.Cache, d.RateLimit, d.RateLimitWindow))
	}
	r.Use(SecurityHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Provider webhooks authenticate with HMAC signatures, not bearer
	// tokens, so they stay outside the auth group.
	r.Post("/webhooks/{provider}", d.Handler.Webhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(d.Verifier, AuthOptions{ExpectedIssuer: d.JWTIssuer}))

		r.Post("/bookings", d.Handler.CreateBooking)
		r.Get("/bookings/{bookingID}", d.Handler.GetBooking)
		r.Post("/bookings/{bookingID}/payment-ref", d.Handler.AttachPaymentRef)

		r.Get("/review-flags", d.Handler.ListReviewFlags)
		r.Post("/review-flags/{flagID}/resolve", d.Handler.ResolveReviewFlag)
	})

	return r
}
