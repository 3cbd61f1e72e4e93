package hmacauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVerifier(now time.Time) *Verifier {
	return &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}
}

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"beneficiaries":["ab"]}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/wills", strings.NewReader(body))
	req.Header.Set(DefaultSignatureHeader, Sign("secret", ts, []byte(body)))
	req.Header.Set(DefaultTimestampHeader, ts)
	rec := httptest.NewRecorder()

	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		seen = string(raw)
		w.WriteHeader(http.StatusOK)
	})

	newVerifier(now).Middleware(handler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, seen, "body must be readable after verification")
}

func TestMiddleware_RejectsInvalidSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/wills", strings.NewReader(`{"foo":"bar"}`))
	req.Header.Set(DefaultSignatureHeader, "deadbeef")
	req.Header.Set(DefaultTimestampHeader, ts)
	rec := httptest.NewRecorder()

	newVerifier(now).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{}`)
	fresh := strconv.FormatInt(now.Unix(), 10)
	stale := strconv.FormatInt(now.Add(-2*time.Minute).Unix(), 10)

	cases := []struct {
		name    string
		sig     string
		ts      string
		wantErr error
	}{
		{"missing signature", "", fresh, ErrMissingSignature},
		{"missing timestamp", "ab", "", ErrMissingTimestamp},
		{"garbled timestamp", "ab", "yesterday", ErrMissingTimestamp},
		{"stale", Sign("secret", stale, body), stale, ErrStaleTimestamp},
		{"uppercase hex accepted", strings.ToUpper(Sign("secret", fresh, body)), fresh, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(body)))
			if tc.sig != "" {
				req.Header.Set(DefaultSignatureHeader, tc.sig)
			}
			if tc.ts != "" {
				req.Header.Set(DefaultTimestampHeader, tc.ts)
			}
			err := newVerifier(now).verify(req)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestVerify_CustomHeaders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	v := newVerifier(now)
	v.SignatureHeader = "X-Will-Signature"
	v.TimestampHeader = "X-Will-Timestamp"

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x"))
	req.Header.Set("X-Will-Signature", Sign("secret", ts, []byte("x")))
	req.Header.Set("X-Will-Timestamp", ts)
	assert.NoError(t, v.verify(req))
}

func TestVerify_DisabledWithoutSecret(t *testing.T) {
	v := &Verifier{}
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	assert.NoError(t, v.verify(req))
}
