package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/autowriter/internal/api"
	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/coordinator"
	"github.com/Iron-Ham/autowriter/internal/errors"
	"github.com/Iron-Ham/autowriter/internal/machine"
	"github.com/Iron-Ham/autowriter/internal/retry"
	"github.com/Iron-Ham/autowriter/internal/store"
	"github.com/Iron-Ham/autowriter/internal/testutil"
	"github.com/Iron-Ham/autowriter/internal/transport"
)

func newTestAPI(t *testing.T, gen *testutil.ScriptedGenerator) *httptest.Server {
	t.Helper()
	st, err := store.New(afero.NewMemMapFs(), "/data", nil)
	require.NoError(t, err)
	coord, err := coordinator.New(coordinator.Config{
		Policy:       machine.DefaultPolicy(),
		StageTimeout: 2 * time.Second,
		RetryBackoff: retry.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
		ReplayWindow: 256,
	}, coordinator.Deps{Generator: gen, Store: st})
	require.NoError(t, err)
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(coord.Stop)

	stream := transport.NewServer(coord, transport.ServerConfig{})
	hs := httptest.NewServer(api.NewHandler(coord, stream, nil))
	t.Cleanup(hs.Close)
	return hs
}

func do(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	if resp.ContentLength != 0 {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func createSession(t *testing.T, hs *httptest.Server) string {
	t.Helper()
	resp, body := do(t, http.MethodPost, hs.URL+"/api/sessions", map[string]string{
		"objective":          "Assess electric delivery vans",
		"reference_material": "fleet telemetry",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["session_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func waitPhase(t *testing.T, hs *httptest.Server, id, phase string) {
	t.Helper()
	testutil.Eventually(t, 5*time.Second, func() bool {
		_, body := do(t, http.MethodGet, hs.URL+"/api/sessions/"+id, nil)
		return body["phase"] == phase
	}, "session reaches "+phase)
}

func TestHealth(t *testing.T) {
	hs := newTestAPI(t, testutil.NewScriptedGenerator())

	resp, body := do(t, http.MethodGet, hs.URL+"/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestSessionLifecycle(t *testing.T) {
	hs := newTestAPI(t, testutil.NewScriptedGenerator())
	id := createSession(t, hs)
	waitPhase(t, hs, id, "completed")

	resp, body := do(t, http.MethodGet, hs.URL+"/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Assess electric delivery vans", body["objective"])
	assert.Equal(t, float64(100), body["progress"])
	assert.Greater(t, body["head_offset"], float64(0))

	resp, body = do(t, http.MethodGet, hs.URL+"/api/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["sessions"], 1)

	resp, body = do(t, http.MethodGet, hs.URL+"/api/sessions/"+id+"/document", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["version"])
	assert.Len(t, body["sections"], 3)

	resp, body = do(t, http.MethodGet, hs.URL+"/api/sessions/"+id+"/document?version=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["sections"], 1)

	resp, _ = do(t, http.MethodGet, hs.URL+"/api/sessions/"+id+"/document?version=9", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, http.MethodPost, hs.URL+"/api/sessions/"+id+"/pause", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_transition", body["code"])

	resp, _ = do(t, http.MethodPost, hs.URL+"/api/sessions/"+id+"/restart", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPauseResumeAndIntervene(t *testing.T) {
	release := make(chan struct{})
	gen := testutil.NewScriptedGenerator().On(contract.StageResearch,
		testutil.Gate(release, testutil.ReplyJSON(testutil.Brief())))
	hs := newTestAPI(t, gen)
	id := createSession(t, hs)
	testutil.Eventually(t, 5*time.Second, func() bool { return len(gen.Calls(contract.StageResearch)) == 1 }, "research started")

	resp, _ := do(t, http.MethodPost, hs.URL+"/api/sessions/"+id+"/interventions", map[string]string{"content": "cite fleet data"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := do(t, http.MethodPost, hs.URL+"/api/sessions/"+id+"/interventions", map[string]string{"content": " "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", body["code"])

	resp, body = do(t, http.MethodPost, hs.URL+"/api/sessions/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paused", body["phase"])
	assert.Equal(t, "researching", body["paused_from"])
	close(release)

	resp, _ = do(t, http.MethodPost, hs.URL+"/api/sessions/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	waitPhase(t, hs, id, "completed")

	resp, _ = do(t, http.MethodPost, hs.URL+"/api/sessions/"+id+"/resume", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRejectsBadRequests(t *testing.T) {
	hs := newTestAPI(t, testutil.NewScriptedGenerator())

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"malformed body", http.MethodPost, "/api/sessions", "{not json", http.StatusBadRequest},
		{"empty objective", http.MethodPost, "/api/sessions", map[string]string{"objective": "  "}, http.StatusBadRequest},
		{"unknown session", http.MethodGet, "/api/sessions/nope", nil, http.StatusNotFound},
		{"pause unknown session", http.MethodPost, "/api/sessions/nope/pause", nil, http.StatusNotFound},
		{"bad version", http.MethodGet, "/api/sessions/nope/document?version=abc", nil, http.StatusBadRequest},
		{"wrong method", http.MethodDelete, "/api/sessions", nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := do(t, tt.method, hs.URL+tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestStreamMountedThroughMiddleware(t *testing.T) {
	hs := newTestAPI(t, testutil.NewScriptedGenerator())
	id := createSession(t, hs)
	waitPhase(t, hs, id, "completed")

	sub := transport.NewSubscriber(transport.SubscriberConfig{BaseURL: hs.URL, SessionID: id})
	var kinds []contract.Kind
	done := errors.New("done")
	err := sub.Run(context.Background(), func(env contract.Envelope) error {
		if env.Type == contract.WireConnectionEstablished {
			return nil
		}
		kinds = append(kinds, env.Kind)
		if env.Kind == contract.KindWorkflowStatus && len(kinds) > 1 && sub.LastSeen() > 0 {
			var st contract.WorkflowStatus
			if msg, ok := env.Message(); ok && msg.Decode(&st) == nil && st.Phase == "completed" {
				return done
			}
		}
		return nil
	})
	assert.ErrorIs(t, err, done)
	assert.Equal(t, contract.KindWorkflowStatus, kinds[0])
}

// failingService fails every status lookup with err.
type failingService struct {
	api.Service
	err error
}

func (f failingService) Status(string) (machine.Snapshot, error) {
	return machine.Snapshot{}, f.err
}

func TestInternalErrorsAreMasked(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
	}{
		{
			name:    "plain error is hidden",
			err:     errors.New("open /data/sessions/x/checkpoint.json: input/output error"),
			message: "internal server error",
		},
		{
			name:    "user-facing error is shown",
			err:     errors.NewSessionError("session data corrupted", errors.ErrSessionCorrupted).WithSessionID("x"),
			message: errors.NewSessionError("session data corrupted", errors.ErrSessionCorrupted).WithSessionID("x").Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := httptest.NewServer(api.NewHandler(failingService{err: tt.err}, http.NotFoundHandler(), nil))
			defer hs.Close()

			resp, body := do(t, http.MethodGet, hs.URL+"/api/sessions/x", nil)
			assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
			assert.Equal(t, "internal", body["code"])
			assert.Equal(t, tt.message, body["error"])
		})
	}
}
