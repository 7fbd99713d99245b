package stagelinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActSendsDecisionAndKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transactions/t3/act", r.URL.Path)
		assert.Equal(t, "k1", r.Header.Get("X-Api-Key"))
		var in ActInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "Approve", in.Decision)
		require.NotNil(t, in.AssignedUserID)
		assert.Equal(t, "42", *in.AssignedUserID)
		_ = json.NewEncoder(w).Encode(ActResult{
			Transaction: Transaction{ID: "t3", StageNumber: 3, Status: "Approved"},
			Initiative:  Initiative{ID: "I1", CurrentStage: 4},
			Next:        []Transaction{{StageNumber: 4}, {StageNumber: 5}, {StageNumber: 6}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k1"
	lead := "42"
	res, err := c.Act(context.Background(), "t3", ActInput{Decision: "Approve", Comment: "go", AssignedUserID: &lead})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Initiative.CurrentStage)
	assert.Len(t, res.Next, 3)
}

func TestErrorEnvelopeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"not_pending","message":"transaction t2 is not pending"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Act(context.Background(), "t2", ActInput{Decision: "Approve", Comment: "again"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "not_pending", apiErr.Code)
}

func TestPendingQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/pending", r.URL.Path)
		assert.Equal(t, "NDS", r.URL.Query().Get("site"))
		assert.Equal(t, "SH", r.URL.Query().Get("role"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode([]Transaction{{ID: "t3", StageNumber: 3, RequiredRole: "SH"}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	rows, err := c.Pending(context.Background(), "NDS", "SH")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0].StageNumber)
}
