package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"smallbiznis-referral/pkg/errutil"
)

func serve(t *testing.T, handler gin.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Error())
	r.GET("/", handler)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	return w
}

func TestErrorRendersBaseError(t *testing.T) {
	w := serve(t, func(c *gin.Context) {
		_ = c.Error(errutil.Conflict("milestone already claimed", errors.New("dup"),
			errutil.WithDetails(errutil.Detail{Field: "tier", Message: "130"})))
	})

	require.Equal(t, http.StatusConflict, w.Code)

	var body struct {
		Error struct {
			Code    string           `json:"code"`
			Message string           `json:"message"`
			Details []errutil.Detail `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "CONFLICT", body.Error.Code)
	require.Equal(t, "milestone already claimed", body.Error.Message)
	require.Len(t, body.Error.Details, 1)
}

func TestErrorHidesUnknownErrors(t *testing.T) {
	w := serve(t, func(c *gin.Context) {
		_ = c.Error(errors.New("connection reset by peer"))
	})

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotContains(t, w.Body.String(), "connection reset")
}

func TestErrorLeavesSuccessAlone(t *testing.T) {
	w := serve(t, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"ok":true}`, w.Body.String())
}
