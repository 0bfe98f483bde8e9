package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders returns middleware that sets security-related HTTP headers
// on every response. These headers protect against common web attacks even
// if application-level vulnerabilities exist.
//
// Inkwell serves a JSON API behind a reverse proxy, so TLS is handled
// externally and the CSP can be strict: nothing should ever execute from
// an API response.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			// Content-Security-Policy: an API response should never load or
			// execute anything.
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

			// Strict-Transport-Security: enforce HTTPS for 1 year including
			// subdomains. The reverse proxy terminates TLS; this header tells
			// browsers to always use HTTPS for subsequent requests.
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

			// X-Content-Type-Options: prevent MIME type sniffing.
			h.Set("X-Content-Type-Options", "nosniff")

			// X-Frame-Options: prevent clickjacking (redundant with CSP
			// frame-ancestors but some older browsers only support this header).
			h.Set("X-Frame-Options", "DENY")

			// Referrer-Policy: limit referrer information leaked to external sites.
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")

			// Cache-Control: token and account responses must never be cached
			// by shared proxies.
			h.Set("Cache-Control", "no-store")

			return next(c)
		}
	}
}
