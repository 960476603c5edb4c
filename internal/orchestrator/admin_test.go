package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scenegrid/internal/blockstore"
	"github.com/banshee-data/scenegrid/internal/scene"
)

func TestStatusRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	sum, err := Run(context.Background(), Options{Config: f.config()})
	require.NoError(t, err)

	mux := http.NewServeMux()
	attachStatusRoutes(mux, openStore(t, f.out))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	get := func(path string, v any) int {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		if v != nil && resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
		}
		return resp.StatusCode
	}

	var jobs []scene.TrainingJob
	require.Equal(t, http.StatusOK, get("/api/jobs", &jobs))
	assert.Len(t, jobs, 16)

	var job scene.TrainingJob
	require.Equal(t, http.StatusOK, get("/api/jobs/3", &job))
	assert.Equal(t, scene.JobCompleted, job.State)
	assert.Equal(t, http.StatusNotFound, get("/api/jobs/99", nil))

	var run blockstore.Run
	require.Equal(t, http.StatusOK, get("/api/runs/"+sum.RunID, &run))
	assert.Equal(t, blockstore.RunSucceeded, run.Status)
	assert.Equal(t, http.StatusNotFound, get("/api/runs/nope", nil))

	var records []blockstore.MetricRecord
	require.Equal(t, http.StatusOK, get("/api/runs/"+sum.RunID+"/metrics", &records))
	assert.Len(t, records, 10)

	var model modelStatus
	require.Equal(t, http.StatusOK, get("/api/model", &model))
	assert.Equal(t, sum.ModelID, model.ID)
	assert.True(t, model.Complete)
	assert.Positive(t, model.Primitives)
}
