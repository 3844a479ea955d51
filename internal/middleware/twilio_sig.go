package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/client"
)

// TwilioParamsKey is the context key holding the verified form values.
const TwilioParamsKey = "twilioParams"

// TwilioAuth validates Twilio webhook requests using the X-Twilio-Signature
// header. publicBaseURL, when set, replaces scheme and host of the signed URL
// for deployments behind a proxy.
func TwilioAuth(getAuthToken func() string, publicBaseURL string) echo.MiddlewareFunc {
	base := strings.TrimRight(publicBaseURL, "/")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authToken := getAuthToken()
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

			validator := client.NewRequestValidator(authToken)
			signature := req.Header.Get("X-Twilio-Signature")
			if signature == "" || !validator.Validate(signedURL(req, base), params, signature) {
				return c.String(http.StatusUnauthorized, "Invalid Twilio signature")
			}

			c.Set(TwilioParamsKey, params)
			return next(c)
		}
	}
}

func signedURL(req *http.Request, base string) string {
	if base == "" {
		base = "https://" + req.Host
	}
	return base + req.URL.RequestURI()
}
