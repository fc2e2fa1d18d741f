package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"ord_0123456789abcdef01234567", true},
		{"mock_0123456789abcdef01234567", true},
		{"evt_aaaaaaaaaaaaaaaaaaaaaaaa", true},

		// Invalid cases
		{"0123456789abcdef01234567", false},      // No prefix
		{"ord_0123456789abcdef0123456", false},   // Too short
		{"ord_0123456789abcdef012345678", false}, // Too long
		{"ord_0123456789ABCDEF01234567", false},  // Upper hex
		{"ord_0123456789ghijkl01234567", false},  // Invalid chars
		{"verylongprefix_0123456789abcdef01234567", false},
		{"", false},
		{"ord_", false},
	}

	for _, tc := range tests {
		if got := IsValidID(tc.id); got != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"  hello  ", 100, "hello"},
		{"hello\x00world", 100, "helloworld"},
		{"toolongstring", 5, "toolo"},
		{"", 100, ""},
	}

	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/orders/:id", IDParamMiddleware("id"), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/orders/ord_0123456789abcdef01234567", nil))
	if w.Code != http.StatusOK {
		t.Errorf("valid id: got status %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/orders/DROP-TABLE", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed id: got status %d, want 400", w.Code)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestSizeMiddleware(16))
	router.POST("/echo", func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too large")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/echo", strings.NewReader("small")))
	if w.Code != http.StatusOK {
		t.Errorf("small body: got status %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/echo", strings.NewReader(strings.Repeat("x", 64))))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body: got status %d, want 413", w.Code)
	}
}
