package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/jobcore/api/responses"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
)

func TestRequestIDKeepsSaneCallerIDs(t *testing.T) {
	cases := map[string]struct {
		inbound string
		keep    bool
	}{
		"absent":       {inbound: "", keep: false},
		"trace id":     {inbound: "trace-4bf92f3577b34da6", keep: true},
		"newline":      {inbound: "abc\nlevel=error", keep: false},
		"space inside": {inbound: "abc def", keep: false},
		"oversized":    {inbound: strings.Repeat("a", maxRequestIDLen+1), keep: false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			handler := RequestID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				responses.WriteError(r.Context(), nil, w, pkgerrors.New(pkgerrors.CodeNotFound, "missing"))
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.inbound != "" {
				req.Header.Set(requestIDHeader, tc.inbound)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			got := rec.Header().Get(requestIDHeader)
			require.NotEmpty(t, got)
			if tc.keep {
				assert.Equal(t, tc.inbound, got)
			} else {
				assert.NotEqual(t, tc.inbound, got)
			}

			var body responses.ErrorEnvelope
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, got, body.Error.RequestID)
		})
	}
}
