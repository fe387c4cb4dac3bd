package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taskpay/internal/apperr"
)

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "hel", SanitizeString("hello", 3))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("amount", ""),
		Required("currency", "USD"),
		MaxLength("note", strings.Repeat("x", 20), 10),
	)
	require.Len(t, errs, 2)
	assert.Equal(t, "amount", errs[0].Field)
	assert.Equal(t, "note", errs[1].Field)
	assert.Equal(t, "amount: is required", errs.Error())

	err := errs.Err()
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	assert.Nil(t, Validate(Required("amount", "1")).Err())
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value    string
		currency string
		ok       bool
	}{
		{"", "USD", true},
		{"10", "USD", true},
		{"10.50", "USD", true},
		{"10.505", "USD", false},
		{"0", "USD", false},
		{"-5", "USD", false},
		{"abc", "USD", false},
		{"1500", "JPY", true},
		{"1500.5", "JPY", false},
	}

	for _, tt := range tests {
		t.Run(tt.value+"_"+tt.currency, func(t *testing.T) {
			err := ValidAmount("amount", tt.value, tt.currency)()
			assert.Equal(t, tt.ok, err == nil)
		})
	}
}

func TestValidCurrency(t *testing.T) {
	assert.Nil(t, ValidCurrency("currency", "ngn")())
	assert.Nil(t, ValidCurrency("currency", "")())
	assert.NotNil(t, ValidCurrency("currency", "DOLLARS")())
	assert.NotNil(t, ValidCurrency("currency", "U1D")())
}

func TestOneOf(t *testing.T) {
	assert.Nil(t, OneOf("provider", "stripe", "stripe", "paypal")())
	err := OneOf("provider", "venmo", "stripe", "paypal")()
	require.NotNil(t, err)
	assert.Contains(t, err.Message, "stripe, paypal")
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader("0123")))
	assert.Equal(t, http.StatusOK, w.Code)
}
