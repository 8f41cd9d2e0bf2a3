package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestSanitizeBase(t *testing.T) {
	for in, want := range map[string]string{
		"":           "",
		"/":          "",
		"hooks":      "/hooks",
		"/deployr/":  "/deployr",
		" /ci/api ":  "/ci/api",
		"//double//": "/double",
	} {
		if got := sanitizeBase(in); got != want {
			t.Fatalf("sanitizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestQueryLimit(t *testing.T) {
	if n, err := queryLimit("", 50, 1000); err != nil || n != 50 {
		t.Fatalf("default: %d %v", n, err)
	}
	if n, err := queryLimit("7", 50, 1000); err != nil || n != 7 {
		t.Fatalf("explicit: %d %v", n, err)
	}
	for _, bad := range []string{"0", "-1", "1001", "ten"} {
		if _, err := queryLimit(bad, 50, 1000); err == nil {
			t.Fatalf("limit %q accepted", bad)
		}
	}
}

func TestWriteJSONError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/busy", func(c *gin.Context) {
		writeJSON(c, http.StatusConflict, errorResp{Error: ErrBusy.Error(), Event: "post-update"})
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/busy", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %s", ct)
	}
	if body := rec.Body.String(); body == "" || body[0] != '{' {
		t.Fatalf("body = %q", body)
	}
}
