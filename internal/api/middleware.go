// middleware.go - Guards for the network debug binding
package api

import (
	"crypto/subtle"
	"math"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/ble-bridge/backend/internal/debugtools"
)

// BearerAuth rejects requests whose Authorization header does not carry
// token. An empty token leaves the binding open.
func BearerAuth(token string) echo.MiddlewareFunc {
	if token == "" {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	want := []byte(token)
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), want) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			return NewUnauthorizedError()
		},
	})
}

// RateLimit throttles debug requests per client. perSecond <= 0 disables
// the limiter.
func RateLimit(perSecond float64) echo.MiddlewareFunc {
	if perSecond <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	burst := int(math.Ceil(perSecond))
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(perSecond),
			Burst:     burst,
			ExpiresIn: 3 * time.Minute,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return debugtools.RequestClientID(c.Request()), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return NewBadRequestError("cannot identify client", err)
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return NewTooManyRequestsError()
		},
	})
}
