package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tubegrab/tubegrab/internal/config"
	"github.com/tubegrab/tubegrab/internal/jobs"
	"github.com/tubegrab/tubegrab/internal/ytdlp"
)

type memStore struct {
	mu   sync.Mutex
	jobs map[string]*jobs.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*jobs.Job)}
}

func (s *memStore) CreateJob(_ context.Context, job *jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *memStore) UpdateJob(_ context.Context, jobID string, upd jobs.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return jobs.ErrNotFound
	}
	mergeUpdate(job, upd)
	return nil
}

func (s *memStore) TransitionJob(_ context.Context, jobID string, from jobs.Status, upd jobs.Update) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, jobs.ErrNotFound
	}
	if job.Status != from {
		return false, nil
	}
	mergeUpdate(job, upd)
	return true, nil
}

func mergeUpdate(job *jobs.Job, upd jobs.Update) {
	if upd.Status != nil {
		job.Status = *upd.Status
	}
	if upd.Progress != nil {
		job.Progress = *upd.Progress
	}
	if upd.Speed != nil {
		job.Speed = *upd.Speed
	}
	if upd.ETA != nil {
		job.ETA = *upd.ETA
	}
	if upd.FileSize != nil {
		job.FileSize = *upd.FileSize
	}
	if upd.FilePath != nil {
		job.FilePath = *upd.FilePath
	}
	if upd.Error != nil {
		job.Error = *upd.Error
	}
	if upd.CompletedAt != nil {
		job.CompletedAt = *upd.CompletedAt
	}
}

func (s *memStore) GetJob(_ context.Context, jobID string) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *memStore) ListJobs(_ context.Context, status jobs.Status) ([]*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*jobs.Job
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		copied := *job
		list = append(list, &copied)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list, nil
}

func (s *memStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

// blockingProc streams no output and holds the worker until finish is called.
type blockingProc struct {
	exit    chan int
	once    sync.Once
	signals []string
	mu      sync.Mutex
}

func newBlockingProc() *blockingProc {
	return &blockingProc{exit: make(chan int, 1)}
}

func (p *blockingProc) finish(code int) {
	p.once.Do(func() { p.exit <- code })
}

func (p *blockingProc) record(sig string) {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
}

func (p *blockingProc) ReadLine() (string, error) {
	code, ok := <-p.exit
	if ok {
		p.exit <- code
	}
	return "", io.EOF
}

func (p *blockingProc) Pause() error     { p.record("pause"); return nil }
func (p *blockingProc) Resume() error    { p.record("resume"); return nil }
func (p *blockingProc) Terminate() error { p.record("terminate"); p.finish(-1); return nil }

func (p *blockingProc) Wait() int {
	code := <-p.exit
	p.exit <- code
	return code
}

type stubRunner struct {
	mu    sync.Mutex
	procs []*blockingProc
}

func (r *stubRunner) Start(_ context.Context, _ jobs.StartSpec) (jobs.Proc, error) {
	proc := newBlockingProc()
	r.mu.Lock()
	r.procs = append(r.procs, proc)
	r.mu.Unlock()
	return proc, nil
}

func (r *stubRunner) lastProc(t *testing.T) *blockingProc {
	t.Helper()
	var proc *blockingProc
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		if len(r.procs) == 0 {
			return false
		}
		proc = r.procs[len(r.procs)-1]
		return true
	}, time.Second, 5*time.Millisecond)
	return proc
}

type stubMeta struct {
	metadata *ytdlp.Metadata
	formats  []ytdlp.Format
	err      error
}

func (m *stubMeta) Extract(context.Context, string) (*ytdlp.Metadata, error) {
	return m.metadata, m.err
}

func (m *stubMeta) ListFormats(context.Context, string) ([]ytdlp.Format, error) {
	return m.formats, m.err
}

type stubSettings struct {
	mu      sync.Mutex
	current config.RuntimeSettings
}

func (s *stubSettings) GetRuntimeSettings() (config.RuntimeSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

func (s *stubSettings) UpdateRuntimeSettings(_ context.Context, next config.RuntimeSettings) (config.RuntimeSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = next
	return next, nil
}

type fixture struct {
	server   *httptest.Server
	orch     *jobs.Orchestrator
	runner   *stubRunner
	settings *stubSettings
	meta     *stubMeta
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	runner := &stubRunner{}
	orch := jobs.NewOrchestrator(newMemStore(), runner, 2)
	settings := &stubSettings{current: config.RuntimeSettings{
		DownloadPath:  t.TempDir(),
		MaxConcurrent: 2,
	}}
	meta := &stubMeta{metadata: &ytdlp.Metadata{
		Title:    "Talk",
		Platform: "Youtube",
		Duration: "10:00",
	}}

	srv := NewServer(orch, WithMetadataExtractor(meta), WithSettingsStore(settings))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{server: ts, orch: orch, runner: runner, settings: settings, meta: meta}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, raw
}

func (f *fixture) submit(t *testing.T, body map[string]any) submitResponse {
	t.Helper()
	resp, raw := f.do(t, http.MethodPost, "/api/downloads", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var parsed submitResponse
	require.NoError(t, json.Unmarshal(raw, &parsed))
	return parsed
}

func TestSubmitStartsDownload(t *testing.T) {
	f := newFixture(t)

	parsed := f.submit(t, map[string]any{
		"url":       "https://example.com/watch?v=1",
		"format_id": "22",
		"title":     "Already titled",
	})
	assert.True(t, parsed.Admitted)
	require.NotNil(t, parsed.Job)
	assert.Equal(t, jobs.StatusDownloading, parsed.Job.Status)
	assert.Equal(t, "Already titled", parsed.Job.Title)
	assert.Contains(t, parsed.Job.FilePath, "Already titled.%(ext)s")

	f.runner.lastProc(t).finish(0)
}

func TestSubmitFillsMetadata(t *testing.T) {
	f := newFixture(t)

	parsed := f.submit(t, map[string]any{
		"url":       "https://example.com/watch?v=2",
		"format_id": "22",
		"start":     false,
	})
	assert.False(t, parsed.Admitted)
	assert.Equal(t, jobs.StatusPending, parsed.Job.Status)
	assert.Equal(t, "Talk", parsed.Job.Title)
	assert.Equal(t, "Youtube", parsed.Job.Platform)
}

func TestSubmitMetadataFailureCreatesNoJob(t *testing.T) {
	f := newFixture(t)
	f.meta.err = errors.New("video unavailable")

	resp, _ := f.do(t, http.MethodPost, "/api/downloads", map[string]any{
		"url":       "https://example.com/watch?v=3",
		"format_id": "22",
	})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	list, err := f.orch.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/downloads", map[string]any{"format_id": "22"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/downloads", map[string]any{"url": "https://example.com"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPauseResumeCancelFlow(t *testing.T) {
	f := newFixture(t)

	parsed := f.submit(t, map[string]any{
		"url":       "https://example.com/watch?v=4",
		"format_id": "22",
		"title":     "Flow",
	})
	jobID := parsed.Job.ID
	proc := f.runner.lastProc(t)

	resp, raw := f.do(t, http.MethodPost, "/api/downloads/"+jobID+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var action actionResponse
	require.NoError(t, json.Unmarshal(raw, &action))
	assert.Equal(t, jobs.StatusPaused, action.Job.Status)

	resp, raw = f.do(t, http.MethodPost, "/api/downloads/"+jobID+"/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	require.NoError(t, json.Unmarshal(raw, &action))
	assert.Equal(t, jobs.StatusDownloading, action.Job.Status)

	resp, raw = f.do(t, http.MethodPost, "/api/downloads/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	require.NoError(t, json.Unmarshal(raw, &action))
	assert.Equal(t, jobs.StatusCancelled, action.Job.Status)

	proc.mu.Lock()
	signals := append([]string(nil), proc.signals...)
	proc.mu.Unlock()
	assert.Equal(t, []string{"pause", "resume", "terminate"}, signals)
}

func TestActionConflicts(t *testing.T) {
	f := newFixture(t)

	parsed := f.submit(t, map[string]any{
		"url":       "https://example.com/watch?v=5",
		"format_id": "22",
		"title":     "Pending",
		"start":     false,
	})

	// A pending job has nothing to pause.
	resp, _ := f.do(t, http.MethodPost, "/api/downloads/"+parsed.Job.ID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/downloads/unknown/start", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/downloads/"+parsed.Job.ID+"/reverse", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetListAndDelete(t *testing.T) {
	f := newFixture(t)

	first := f.submit(t, map[string]any{
		"url": "https://example.com/a", "format_id": "22", "title": "A", "start": false,
	})
	second := f.submit(t, map[string]any{
		"url": "https://example.com/b", "format_id": "22", "title": "B", "start": false,
	})

	resp, raw := f.do(t, http.MethodGet, "/api/downloads/"+first.Job.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job jobs.Job
	require.NoError(t, json.Unmarshal(raw, &job))
	assert.Equal(t, "A", job.Title)

	resp, raw = f.do(t, http.MethodGet, "/api/downloads?status=pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []*jobs.Job
	require.NoError(t, json.Unmarshal(raw, &list))
	assert.Len(t, list, 2)

	resp, _ = f.do(t, http.MethodDelete, "/api/downloads/"+second.Job.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/downloads/"+second.Job.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteActiveDownloadRefused(t *testing.T) {
	f := newFixture(t)

	parsed := f.submit(t, map[string]any{
		"url": "https://example.com/live", "format_id": "22", "title": "Live",
	})
	proc := f.runner.lastProc(t)

	resp, _ := f.do(t, http.MethodDelete, "/api/downloads/"+parsed.Job.ID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	proc.finish(0)
}

func TestSubmitBeyondCapStaysPending(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 2; i++ {
		f.submit(t, map[string]any{
			"url":       fmt.Sprintf("https://example.com/watch?v=%d", i),
			"format_id": "22",
			"title":     fmt.Sprintf("Busy %d", i),
		})
	}

	third := f.submit(t, map[string]any{
		"url": "https://example.com/overflow", "format_id": "22", "title": "Overflow",
	})
	assert.False(t, third.Admitted)
	assert.Equal(t, jobs.StatusPending, third.Job.Status)

	f.runner.mu.Lock()
	procs := append([]*blockingProc(nil), f.runner.procs...)
	f.runner.mu.Unlock()
	for _, proc := range procs {
		proc.finish(0)
	}
}

func TestMetadataAndFormatsEndpoints(t *testing.T) {
	f := newFixture(t)
	f.meta.formats = []ytdlp.Format{{ID: "22", HasVideo: true, HasAudio: true, Ext: "mp4", Label: "720p MP4"}}

	resp, raw := f.do(t, http.MethodGet, "/api/metadata?url=https://example.com/watch", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var meta ytdlp.Metadata
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, "Talk", meta.Title)

	resp, raw = f.do(t, http.MethodGet, "/api/formats?url=https://example.com/watch", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var formats []ytdlp.Format
	require.NoError(t, json.Unmarshal(raw, &formats))
	require.Len(t, formats, 1)
	assert.Equal(t, "22", formats[0].ID)

	resp, _ = f.do(t, http.MethodGet, "/api/metadata", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newFixture(t)

	resp, raw := f.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var current config.RuntimeSettings
	require.NoError(t, json.Unmarshal(raw, &current))
	assert.Equal(t, 2, current.MaxConcurrent)

	current.MaxConcurrent = 4
	current.PreferredFormat = "mkv"
	resp, raw = f.do(t, http.MethodPut, "/api/settings", current)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var saved config.RuntimeSettings
	require.NoError(t, json.Unmarshal(raw, &saved))
	assert.Equal(t, 4, saved.MaxConcurrent)
	assert.Equal(t, "mkv", saved.PreferredFormat)

	invalid := saved
	invalid.MaxConcurrent = 0
	resp, _ = f.do(t, http.MethodPut, "/api/settings", invalid)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
