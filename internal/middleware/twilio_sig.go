package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/client"
)

// ParamsKey is the echo context key holding the validated webhook form values.
const ParamsKey = "twilioParams"

// PublicURL builds the absolute URL Twilio used to reach path.
// Priority: baseURL > X-Forwarded-* headers > request Host heuristic.
func PublicURL(r *http.Request, baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		proto := r.Header.Get("X-Forwarded-Proto")
		host := r.Header.Get("X-Forwarded-Host")
		if host != "" {
			if proto == "" {
				proto = "https"
			}
			base = fmt.Sprintf("%s://%s", proto, host)
		}
	}
	if base == "" {
		host := r.Host
		proto := "https"
		if strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1") {
			proto = "http"
		}
		base = fmt.Sprintf("%s://%s", proto, host)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// TwilioAuth validates Twilio webhook requests using the X-Twilio-Signature
// header and stores the form values under ParamsKey.
func TwilioAuth(authToken, baseURL string) echo.MiddlewareFunc {
	validator := client.NewRequestValidator(authToken)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if authToken == "" {
				return c.String(http.StatusInternalServerError, "TWILIO_AUTH_TOKEN not configured")
			}

			req := c.Request()
			bodyBytes, err := io.ReadAll(req.Body)
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to read request body")
			}
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			formData, err := url.ParseQuery(string(bodyBytes))
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to parse form data")
			}
			params := make(map[string]string, len(formData))
			for key, values := range formData {
				if len(values) > 0 {
					params[key] = values[0]
				}
			}

			path := req.URL.Path
			if req.URL.RawQuery != "" {
				path += "?" + req.URL.RawQuery
			}
			signature := req.Header.Get("X-Twilio-Signature")
			if signature == "" || !validator.Validate(PublicURL(req, baseURL, path), params, signature) {
				return c.String(http.StatusUnauthorized, "Invalid Twilio signature")
			}

			c.Set(ParamsKey, params)
			return next(c)
		}
	}
}

// Params returns the validated webhook form values.
func Params(c echo.Context) map[string]string {
	params, _ := c.Get(ParamsKey).(map[string]string)
	if params == nil {
		params = map[string]string{}
	}
	return params
}
