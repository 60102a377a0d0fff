package audit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortontech/gorhc/internal/entropy"
	"github.com/shortontech/gorhc/internal/history"
	"github.com/shortontech/gorhc/internal/rhc"
)

var valid = []string{"X-Server-Certified", "X-Server-Sig", "X-Server-Flag"}

func TestFromValidationAccepted(t *testing.T) {
	v, err := rhc.NewValidator(rhc.LevelIntermediate, rhc.Rules{Valid: valid})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/productos", strings.NewReader(`{}`))
	req.Header.Set("X-Server-Sig", "abcd1234ef56")
	req.Header.Set("User-Agent", "probe/1.0")
	req.RemoteAddr = "10.0.0.7:5555"

	rec := FromValidation(req, v.Validate(req.Header), false)

	assert.Equal(t, TypeValidation, rec.Type)
	assert.Equal(t, OutcomeAccepted, rec.Outcome)
	assert.Equal(t, "intermediate", rec.Level)
	assert.Equal(t, http.StatusOK, rec.Status)
	assert.Equal(t, []string{"X-Server-Sig"}, rec.Valid)
	assert.Equal(t, []string{"User-Agent", "X-Server-Sig"}, rec.Headers)
	assert.Equal(t, "10.0.0.7", rec.Server.IP)
	assert.Equal(t, "/api/productos", rec.Server.Path)
	require.Len(t, rec.Scores, 1)
	assert.Equal(t, "X-Server-Sig", rec.Scores[0].Label)
	assert.Equal(t, entropy.Shannon("abcd1234ef56"), rec.Scores[0].Value)
	assert.NotEmpty(t, rec.EventID)
	assert.NotEmpty(t, rec.TS)
	assert.NotEmpty(t, rec.Fingerprint)

	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "abcd1234ef56")
}

func TestFromValidationRejected(t *testing.T) {
	v, err := rhc.NewValidator(rhc.LevelAdvanced, rhc.Rules{Valid: valid})
	require.NoError(t, err)

	h := http.Header{}
	h.Set("X-Server-Sig", "aa")
	h.Set("X-Evil", "1")
	req := httptest.NewRequest(http.MethodPost, "/api/productos", nil)
	req.Header = h

	rec := FromValidation(req, v.Validate(h), false)
	assert.Equal(t, OutcomeRejected, rec.Outcome)
	assert.Equal(t, "allow_list", rec.Reason)
	assert.Equal(t, []string{"X-Evil"}, rec.Unrecognized)
	assert.Equal(t, http.StatusBadRequest, rec.Status)
}

func TestFromCycle(t *testing.T) {
	ts := time.Date(2025, 11, 2, 10, 0, 0, 0, time.UTC)
	e := history.Entry{
		ID:     "abc",
		Time:   ts,
		Level:  rhc.LevelDynamicAdaptive,
		Status: 400,
		Sent:   rhc.PoolFrom(rhc.Entry{Header: "X-Server-Veil", Token: "01"}),
	}
	rec := FromCycle(e)
	assert.Equal(t, "abc", rec.EventID)
	assert.Equal(t, TypeCycle, rec.Type)
	assert.Equal(t, OutcomeRejected, rec.Outcome)
	assert.Equal(t, "dynamic", rec.Level)
	assert.Equal(t, ts.Format(time.RFC3339Nano), rec.TS)

	e.Status = 0
	assert.Equal(t, OutcomeError, FromCycle(e).Outcome)

	e.Status = 200
	e.Accepted = true
	assert.Equal(t, OutcomeAccepted, FromCycle(e).Outcome)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff, xrip  string
		remote     string
		trustProxy bool
		want       string
	}{
		{name: "remote addr", remote: "1.2.3.4:80", want: "1.2.3.4"},
		{name: "xff ignored without trust", xff: "9.9.9.9", remote: "1.2.3.4:80", want: "1.2.3.4"},
		{name: "xff first hop", xff: "9.9.9.9, 8.8.8.8", remote: "1.2.3.4:80", trustProxy: true, want: "9.9.9.9"},
		{name: "x-real-ip", xrip: "7.7.7.7", remote: "1.2.3.4:80", trustProxy: true, want: "7.7.7.7"},
		{name: "no port", remote: "unix", want: "unix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xrip != "" {
				r.Header.Set("X-Real-IP", tt.xrip)
			}
			assert.Equal(t, tt.want, ClientIP(r, tt.trustProxy))
		})
	}
}
