package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/usecase"
)

func TestQueryFlags_Build(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    entity.QueryDefinition
		wantErr string
	}{
		{
			name: "keywords and bounds",
			args: []string{"--keywords", " road bike ", "--min-price", "0", "--max-price", "20000"},
			want: entity.QueryDefinition{Keywords: "road bike", MinPrice: ptr(int64(0)), MaxPrice: ptr(int64(20000))},
		},
		{
			name: "extra params only",
			args: []string{"--param", "condition=used", "--param", "seller=private"},
			want: entity.QueryDefinition{Extra: map[string]string{"condition": "used", "seller": "private"}},
		},
		{
			name:    "no criteria",
			args:    []string{},
			wantErr: "no search criteria",
		},
		{
			name:    "bad param",
			args:    []string{"--param", "novalue"},
			wantErr: "want key=value",
		},
		{
			name:    "inverted range",
			args:    []string{"--keywords", "sofa", "--min-price", "500", "--max-price", "100"},
			wantErr: "price range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var q queryFlags
			cmd := &cobra.Command{Use: "test"}
			q.bind(cmd)
			require.NoError(t, cmd.ParseFlags(tt.args))

			got, err := q.build(cmd)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func ptr[T any](v T) *T { return &v }

// fakeService scripts advance replies per job.
type fakeService struct {
	mu       sync.Mutex
	replies  map[string][]usecase.AdvanceResult
	advanced []string
}

func (s *fakeService) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /import/{id}/advance", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		s.mu.Lock()
		s.advanced = append(s.advanced, id)
		queue := s.replies[id]
		if len(queue) == 0 {
			s.mu.Unlock()
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "import not found"})
			return
		}
		reply := queue[0]
		if len(queue) > 1 {
			s.replies[id] = queue[1:]
		}
		s.mu.Unlock()
		assert.NoError(t, json.NewEncoder(w).Encode(reply))
	})
	mux.HandleFunc("POST /import/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":    "job already terminal",
			"progress": entity.JobProgress{JobID: r.PathValue("id"), Status: entity.JobCompleted},
		})
	})
	mux.HandleFunc("GET /import", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(map[string]any{"jobs": []entity.JobProgress{
			{JobID: "job-a", Status: entity.JobRunning, Percent: 50, Processed: 1, Total: 2, TotalItems: 30},
		}})
	})
	return mux
}

func progress(id string, status entity.JobStatus) entity.JobProgress {
	return entity.JobProgress{JobID: id, Status: status}
}

func TestPollImport_FollowsScheduledSuccessor(t *testing.T) {
	svc := &fakeService{replies: map[string][]usecase.AdvanceResult{
		"job-1": {
			{Progress: progress("job-1", entity.JobRunning), ContinuePolling: true},
			{Progress: progress("job-1", entity.JobCompleted), ContinuePolling: true, NextJobID: "job-2"},
		},
		"job-2": {
			{Progress: progress("job-2", entity.JobPlanning), ContinuePolling: true},
			{Progress: progress("job-2", entity.JobCompleted), ContinuePolling: false},
		},
	}}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	c := &importClient{baseURL: srv.URL, http: srv.Client()}
	var out bytes.Buffer
	err := pollImport(context.Background(), &out, c, "job-1", time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, []string{"job-1", "job-1", "job-2", "job-2"}, svc.advanced)
	assert.Contains(t, out.String(), "Continuing with scheduled import job-2")
}

func TestPollImport_ReportsFailure(t *testing.T) {
	failed := progress("job-1", entity.JobFailed)
	failed.ErrorMessage = "source unavailable"
	svc := &fakeService{replies: map[string][]usecase.AdvanceResult{
		"job-1": {{Progress: failed}},
	}}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	c := &importClient{baseURL: srv.URL, http: srv.Client()}
	err := pollImport(context.Background(), &bytes.Buffer{}, c, "job-1", time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source unavailable")
}

func TestClient_DecodesErrorReplies(t *testing.T) {
	svc := &fakeService{replies: map[string][]usecase.AdvanceResult{}}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	c := &importClient{baseURL: srv.URL, http: srv.Client()}
	_, err := advance(context.Background(), c, "missing")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "import not found", apiErr.Message)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		outputFmt = "table"
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCommands_ListAndCancel(t *testing.T) {
	svc := &fakeService{replies: map[string][]usecase.AdvanceResult{}}
	srv := httptest.NewServer(svc.handler(t))
	defer srv.Close()

	out, err := runCLI(t, "--server", srv.URL, "list", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "job-a")
	assert.Contains(t, out, "50.0%")

	out, err = runCLI(t, "--server", srv.URL, "-o", "json", "list", "--limit", "5")
	require.NoError(t, err)
	var jobs []entity.JobProgress
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, entity.JobRunning, jobs[0].Status)

	_, err = runCLI(t, "--server", srv.URL, "cancel", "job-a")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "already finished"))
}
