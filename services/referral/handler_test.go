package referral

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"smallbiznis-referral/pkg/middleware"
)

func newRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Error())
	NewHandler(f.svc).Register(r)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, out any) int {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	if out != nil {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w.Code
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestHandlerMilestones(t *testing.T) {
	f := newFixture(t)
	f.member("root", "", "300")
	f.team("kid", "root", 2, "300")
	r := newRouter(f)

	var list struct {
		Milestones []Eligibility `json:"milestones"`
	}
	require.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/v1/accounts/root/milestones", &list))
	require.Len(t, list.Milestones, len(allTiers))
	require.Equal(t, Tier130, list.Milestones[0].Tier)
	require.True(t, list.Milestones[0].Eligible)

	var one Eligibility
	require.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/v1/accounts/root/milestones/130", &one))
	require.True(t, one.Eligible)
	requireDecimal(t, "90", one.Payout)
	require.Equal(t, 2, one.Counts[1])
}

func TestHandlerClaim(t *testing.T) {
	f := newFixture(t)
	f.member("root", "", "300")
	f.team("kid", "root", 2, "300")
	r := newRouter(f)

	var claimed claimResponse
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/v1/accounts/root/milestones/130/claim", &claimed))
	require.Equal(t, "root", claimed.AccountID)
	require.Equal(t, Tier130, claimed.Tier)
	requireDecimal(t, "90", claimed.Payout)

	var body errorBody
	require.Equal(t, http.StatusConflict, do(t, r, http.MethodPost, "/v1/accounts/root/milestones/130/claim", &body))
	require.Equal(t, "CONFLICT", body.Error.Code)

	var ledger struct {
		Entries  []LedgerEntry `json:"entries"`
		PageInfo struct {
			HasMore bool `json:"has_more"`
		} `json:"page_info"`
	}
	require.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/v1/accounts/root/ledger?limit=10", &ledger))
	require.Len(t, ledger.Entries, 1)
	require.Equal(t, MilestoneReward, ledger.Entries[0].Kind)
	require.False(t, ledger.PageInfo.HasMore)

	var claims struct {
		Claims []ClaimEvent `json:"claims"`
	}
	require.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/v1/accounts/root/claims", &claims))
	require.Len(t, claims.Claims, 1)
	require.Equal(t, ledger.Entries[0].ID, claims.Claims[0].LedgerEntryID)
}

func TestHandlerErrors(t *testing.T) {
	f := newFixture(t)
	f.member("root", "", "300")
	r := newRouter(f)

	cases := []struct {
		method string
		path   string
		status int
		code   string
	}{
		{http.MethodGet, "/v1/accounts/root/milestones/abc", http.StatusBadRequest, "BAD_REQUEST"},
		{http.MethodGet, "/v1/accounts/root/milestones/42", http.StatusBadRequest, "BAD_REQUEST"},
		{http.MethodGet, "/v1/accounts/ghost/milestones", http.StatusNotFound, "NOT_FOUND"},
		{http.MethodPost, "/v1/accounts/root/milestones/130/claim", http.StatusUnprocessableEntity, "UNPROCESSABLE_ENTITY"},
		{http.MethodPost, "/v1/accounts/root/milestones/999/claim", http.StatusBadRequest, "BAD_REQUEST"},
		{http.MethodGet, "/v1/accounts/root/ledger?limit=x", http.StatusBadRequest, "BAD_REQUEST"},
		{http.MethodGet, "/v1/accounts/root/ledger?cursor=%25", http.StatusBadRequest, "VALIDATION_FAILED"},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			var body errorBody
			require.Equal(t, tc.status, do(t, r, tc.method, tc.path, &body))
			require.Equal(t, tc.code, body.Error.Code)
		})
	}
}
