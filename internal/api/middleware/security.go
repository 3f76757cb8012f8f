package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Policy describes what the control API accepts from browsers and clients.
type Policy struct {
	// Origins allowed to call the API from a browser; empty allows any.
	Origins []string
	// BodyLimit caps request bodies, e.g. "1M". Empty disables the limit.
	BodyLimit string
}

// the API only serves JSON, nothing may be framed or loaded from it
const apiCSP = "default-src 'none'; frame-ancestors 'none'"

// Chain returns the CORS, body limit and response header middleware for p,
// in the order they should be installed.
func (p Policy) Chain() []echo.MiddlewareFunc {
	origins := p.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	chain := []echo.MiddlewareFunc{
		middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:  origins,
			AllowMethods:  []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodOptions},
			AllowHeaders:  []string{echo.HeaderContentType, echo.HeaderAccept, echo.HeaderXRequestID},
			ExposeHeaders: []string{echo.HeaderXRequestID},
		}),
	}
	if p.BodyLimit != "" {
		chain = append(chain, middleware.BodyLimit(p.BodyLimit))
	}
	return append(chain, middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		ContentSecurityPolicy: apiCSP,
	}))
}
