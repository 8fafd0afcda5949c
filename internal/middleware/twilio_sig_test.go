package middleware

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := fullURL
	for _, k := range keys {
		data += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func serve(t *testing.T, mw echo.MiddlewareFunc, form url.Values, signature string) (*httptest.ResponseRecorder, map[string]string) {
	t.Helper()
	e := echo.New()
	var got map[string]string
	e.POST("/twilio/voice", func(c echo.Context) error {
		got = Params(c)
		return c.String(http.StatusOK, "ok")
	}, mw)
	req := httptest.NewRequest(http.MethodPost, "/twilio/voice", strings.NewReader(form.Encode()))
	req.Host = "calls.example.com"
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	if signature != "" {
		req.Header.Set("X-Twilio-Signature", signature)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec, got
}

func TestTwilioAuth_ValidSignature(t *testing.T) {
	form := url.Values{"CallSid": {"CA1"}, "From": {"+15550001"}}
	sig := sign("secret", "https://calls.example.com/twilio/voice", form)
	rec, params := serve(t, TwilioAuth("secret", ""), form, sig)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if params["CallSid"] != "CA1" || params["From"] != "+15550001" {
		t.Fatalf("unexpected params %v", params)
	}
}

func TestTwilioAuth_BaseURLOverridesHost(t *testing.T) {
	form := url.Values{"CallSid": {"CA2"}}
	sig := sign("secret", "https://public.example.org/twilio/voice", form)
	rec, _ := serve(t, TwilioAuth("secret", "https://public.example.org/"), form, sig)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestTwilioAuth_Rejects(t *testing.T) {
	form := url.Values{"CallSid": {"CA1"}}
	if rec, _ := serve(t, TwilioAuth("secret", ""), form, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing signature: expected 401, got %d", rec.Code)
	}
	bad := sign("other", "https://calls.example.com/twilio/voice", form)
	if rec, _ := serve(t, TwilioAuth("secret", ""), form, bad); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: expected 401, got %d", rec.Code)
	}
	if rec, _ := serve(t, TwilioAuth("", ""), form, bad); rec.Code != http.StatusInternalServerError {
		t.Fatalf("unconfigured: expected 500, got %d", rec.Code)
	}
}

func TestPublicURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Host = "localhost:8080"
	if got := PublicURL(r, "", "twilio/speech"); got != "http://localhost:8080/twilio/speech" {
		t.Fatalf("localhost: %s", got)
	}
	r.Header.Set("X-Forwarded-Proto", "https")
	r.Header.Set("X-Forwarded-Host", "tunnel.example.net")
	if got := PublicURL(r, "", "/x"); got != "https://tunnel.example.net/x" {
		t.Fatalf("forwarded: %s", got)
	}
	if got := PublicURL(r, "https://base.example.com/", "/x"); got != "https://base.example.com/x" {
		t.Fatalf("base url: %s", got)
	}
}
