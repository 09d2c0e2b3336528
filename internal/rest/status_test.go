package rest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/0xRichardL/vibe-voter/internal/config"
	"github.com/0xRichardL/vibe-voter/internal/rules"
	"github.com/0xRichardL/vibe-voter/internal/services"
	"github.com/0xRichardL/vibe-voter/internal/state"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticStatus services.Status

func (s staticStatus) Status() services.Status { return services.Status(s) }

func newTestRouter(src StatusSource) http.Handler {
	r, _ := NewServer(config.Config{HTTPAddr: ":0"}, zerolog.Nop())
	NewStatusController(src).RegisterStatusRoutes(r.Group(""))
	return r
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(staticStatus{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	src := staticStatus{
		Mode:        rules.ModeExhaustive,
		Actors:      []string{"alice", "bob"},
		VotingPower: state.Summary{Average: 8500, Min: 8000, Max: 9000, Threshold: 1000, Polled: 2},
		Pending:     []string{"@carol/hello"},
	}
	rec := httptest.NewRecorder()
	newTestRouter(src).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Mode        string   `json:"mode"`
		Actors      []string `json:"actors"`
		Pending     []string `json:"pending"`
		VotingPower struct {
			Average   float64 `json:"average"`
			Threshold int     `json:"threshold"`
		} `json:"voting_power"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "exhaustive", body.Mode)
	assert.Equal(t, []string{"alice", "bob"}, body.Actors)
	assert.Equal(t, []string{"@carol/hello"}, body.Pending)
	assert.InDelta(t, 8500, body.VotingPower.Average, 0.001)
	assert.Equal(t, 1000, body.VotingPower.Threshold)
}

func TestPendingEmpty(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(staticStatus{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pending", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pending":[],"count":0}`, rec.Body.String())
}
