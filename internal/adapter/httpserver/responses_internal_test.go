package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

type respErr struct {
	Error struct {
		Code string `json:"code"`
	} `json:"error"`
}

func Test_writeError_Mapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid", domain.ErrInvalidArgument, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"unauth", domain.ErrUnauthenticated, http.StatusUnauthorized, "UNAUTHENTICATED"},
		{"forbidden", domain.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
		{"notfound", domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"conflict", domain.ErrConflict, http.StatusConflict, "CONFLICT"},
		{"rate", domain.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
		{"quota", domain.ErrQuotaExceeded, http.StatusPaymentRequired, "QUOTA_EXCEEDED"},
		{"model", domain.ErrModelNotAllowed, http.StatusForbidden, "MODEL_NOT_ALLOWED"},
		{"conns", domain.ErrTooManyConnections, http.StatusTooManyRequests, "TOO_MANY_CONNECTIONS"},
		{"upstream", domain.ErrUpstreamUnavailable, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{"internal", domain.ErrInternal, http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, httptest.NewRequest(http.MethodGet, "/x", nil), tc.err, nil)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			var body respErr
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error.Code != tc.wantCode {
				t.Fatalf("code = %s, want %s", body.Error.Code, tc.wantCode)
			}
		})
	}
}

func Test_writeJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]string{"ok": "yes"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct == "" {
		t.Fatalf("missing content-type")
	}
}
