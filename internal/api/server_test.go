package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawbrick/internal/agents"
	"clawbrick/internal/provisioner"
	"clawbrick/internal/secret"
	"clawbrick/internal/store"
)

type stubExecutor struct {
	fail bool
}

func (e stubExecutor) Provision(context.Context, provisioner.Vars) provisioner.Result {
	if e.fail {
		err := &provisioner.ExecError{Phase: provisioner.PhaseApply, Err: errors.New("exit status 1")}
		return provisioner.Result{Logs: []string{"Error: quota"}, Err: err}
	}
	return provisioner.Result{
		Success: true,
		Outputs: &provisioner.Outputs{InstanceID: "abc", MainIP: "1.2.3.4", Status: "active"},
	}
}

func (e stubExecutor) DestroyAgent(context.Context, string) (string, error) {
	if e.fail {
		return "", &provisioner.ExecError{Phase: provisioner.PhaseDestroy, Err: errors.New("exit status 1")}
	}
	return "Destroy complete!", nil
}

func (stubExecutor) CleanupWorkspace(string) {}

type testServer struct {
	*httptest.Server
	svc *agents.Service
}

func newTestServer(t *testing.T, exec stubExecutor, mode agents.DestroyMode, rate float64) *testServer {
	t.Helper()
	codec, err := secret.NewCodec(bytes.Repeat([]byte{0x22}, secret.KeySize))
	require.NoError(t, err)
	svc, err := agents.NewService(agents.Options{
		Store:    store.NewMemory(),
		Executor: exec,
		Codec:    codec,
		Settings: agents.Settings{Domain: "clawbrick.com", ControlServer: "10.0.0.1", DestroyMode: mode},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(NewServer(ctx, ServerOptions{Agents: svc, DeployRate: rate, DeployBurst: 2}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		svc.Wait()
	})
	return &testServer{Server: srv, svc: svc}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if s, ok := body.(string); ok {
		rd = bytes.NewReader([]byte(s))
	} else if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	out := map[string]any{}
	if res.ContentLength != 0 && strings.HasPrefix(res.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	}
	return res.StatusCode, out
}

func deployBody() map[string]any {
	return map[string]any{
		"userId":           "0xwallet",
		"name":             "helper",
		"llmProvider":      "anthropic",
		"llmModel":         "claude-3-5-sonnet-20241022",
		"telegramBotToken": "123456:ABC",
		"deployRegion":     "sgp",
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, stubExecutor{}, agents.DestroyAsync, 0)
	code, _ := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestDeployAndRead(t *testing.T) {
	ts := newTestServer(t, stubExecutor{}, agents.DestroyAsync, 0)

	code, body := ts.do(t, http.MethodPost, "/api/agents", deployBody())
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	token, _ := body["gatewayToken"].(string)
	assert.Regexp(t, `^[0-9a-f]{64}$`, token)
	agent := body["agent"].(map[string]any)
	assert.Equal(t, "provisioning", agent["status"])
	assert.Equal(t, "sgp", agent["deployRegion"])
	id := agent["id"].(string)
	sub := agent["subdomain"].(string)
	ts.svc.Wait()

	code, body = ts.do(t, http.MethodGet, "/api/agents/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, "https://"+sub+".clawbrick.com", body["gatewayUrl"])
	assert.Equal(t, "abc", body["instanceId"])
	assert.NotContains(t, body, "gatewayTokenHash")

	code, body = ts.do(t, http.MethodGet, "/api/agents/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 100, body["progress"])
	assert.Nil(t, body["estimatedTimeRemaining"])
	assert.NotEmpty(t, body["logs"])

	code, body = ts.do(t, http.MethodGet, "/api/agents?userId=0xwallet", nil)
	require.Equal(t, http.StatusOK, code)
	list := body["agents"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].(map[string]any)["id"])

	code, body = ts.do(t, http.MethodGet, "/api/agents?ownerId=0xwallet", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["agents"], 1)
}

func TestDeployErrors(t *testing.T) {
	ts := newTestServer(t, stubExecutor{}, agents.DestroyAsync, 0)

	b := deployBody()
	delete(b, "telegramBotToken")
	code, body := ts.do(t, http.MethodPost, "/api/agents", b)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Telegram bot token is required", body["error"])

	code, body = ts.do(t, http.MethodPost, "/api/agents", "{not json")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid JSON", body["error"])

	code, body = ts.do(t, http.MethodGet, "/api/agents", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "userId is required", body["error"])
}

func TestDeployRateLimited(t *testing.T) {
	ts := newTestServer(t, stubExecutor{}, agents.DestroyAsync, 0.001)

	for range 2 {
		code, _ := ts.do(t, http.MethodPost, "/api/agents", deployBody())
		require.Equal(t, http.StatusOK, code)
	}
	code, body := ts.do(t, http.MethodPost, "/api/agents", deployBody())
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate limit exceeded", body["error"])

	// Reads are not limited.
	code, _ = ts.do(t, http.MethodGet, "/api/agents?userId=0xwallet", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestNotFound(t *testing.T) {
	ts := newTestServer(t, stubExecutor{}, agents.DestroyAsync, 0)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/agents/missing"},
		{http.MethodGet, "/api/agents/missing/status"},
		{http.MethodDelete, "/api/agents/missing"},
	} {
		code, body := ts.do(t, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, code, tc.path)
		assert.Equal(t, "Agent not found", body["error"])
	}
	code, body := ts.do(t, http.MethodPatch, "/api/agents/missing", map[string]string{"action": "stop"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Agent not found", body["error"])
}

func TestVerifyGatewayToken(t *testing.T) {
	ts := newTestServer(t, stubExecutor{}, agents.DestroyAsync, 0)
	code, body := ts.do(t, http.MethodPost, "/api/agents", deployBody())
	require.Equal(t, http.StatusOK, code)
	id := body["agent"].(map[string]any)["id"].(string)
	token := body["gatewayToken"].(string)

	code, body = ts.do(t, http.MethodPost, "/api/agents/"+id+"/verify", map[string]string{"token": token})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["valid"])

	code, body = ts.do(t, http.MethodPost, "/api/agents/"+id+"/verify", map[string]string{"token": "guess"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["valid"])

	code, body = ts.do(t, http.MethodPost, "/api/agents/"+id+"/verify", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "token is required", body["error"])

	code, body = ts.do(t, http.MethodPost, "/api/agents/missing/verify", map[string]string{"token": token})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Agent not found", body["error"])
}

func TestLifecycleAndDestroy(t *testing.T) {
	ts := newTestServer(t, stubExecutor{}, agents.DestroyAsync, 0)
	_, body := ts.do(t, http.MethodPost, "/api/agents", deployBody())
	id := body["agent"].(map[string]any)["id"].(string)
	ts.svc.Wait()

	code, body := ts.do(t, http.MethodPatch, "/api/agents/"+id, map[string]string{"action": "stop"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "stopped", body["status"])
	assert.Equal(t, "Agent stopped", body["message"])

	code, body = ts.do(t, http.MethodPatch, "/api/agents/"+id, map[string]string{"action": "stop"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "stopped", body["status"])
	assert.Equal(t, "", body["message"])

	code, body = ts.do(t, http.MethodPatch, "/api/agents/"+id, map[string]string{"action": "pause"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "invalid action")

	code, body = ts.do(t, http.MethodDelete, "/api/agents/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Agent destruction initiated", body["message"])

	code, body = ts.do(t, http.MethodDelete, "/api/agents/"+id, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Agent already destroyed", body["error"])

	ts.svc.Wait()
	_, body = ts.do(t, http.MethodGet, "/api/agents?userId=0xwallet", nil)
	assert.Empty(t, body["agents"])
}

func TestSyncDestroyFailureIsBadGateway(t *testing.T) {
	ts := newTestServer(t, stubExecutor{fail: true}, agents.DestroySync, 0)
	_, body := ts.do(t, http.MethodPost, "/api/agents", deployBody())
	id := body["agent"].(map[string]any)["id"].(string)
	ts.svc.Wait()

	code, body := ts.do(t, http.MethodGet, "/api/agents/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "error", body["status"])
	assert.EqualValues(t, -1, body["progress"])
	assert.Equal(t, "terraform apply: exit status 1", body["lastError"])

	code, body = ts.do(t, http.MethodDelete, "/api/agents/"+id, nil)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "Infrastructure operation failed", body["error"])
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, stubExecutor{}, agents.DestroyAsync, 0)
	code, _ := ts.do(t, http.MethodPut, "/api/agents/x", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}
