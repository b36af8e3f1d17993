package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/osvaldoandrade/batchsup/internal/supervisor"
	"github.com/osvaldoandrade/batchsup/pkg/auth"
	"github.com/osvaldoandrade/batchsup/pkg/auth/hs256"
	"github.com/osvaldoandrade/batchsup/pkg/config"
	"github.com/osvaldoandrade/batchsup/pkg/domain"
	"github.com/osvaldoandrade/batchsup/pkg/student"

	"github.com/gin-gonic/gin"
)

const (
	testSecret  = "integration-secret"
	kindBlocked = "app-test-blocked"
)

// blocked waits on every file until the worker is cancelled.
type blocked struct{}

func (blocked) Begin(context.Context, *student.Env) error { return nil }

func (blocked) Process(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blocked) End(context.Context) (*domain.ResultRecord, error) { return nil, nil }

func init() {
	student.Register(kindBlocked, func() student.Student { return blocked{} })
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	queue := true
	return &config.Config{
		Student:            kindBlocked,
		OutputName:         "out",
		Files:              []string{"a", "b", "c", "d"},
		Workers:            2,
		QueueMode:          &queue,
		Runtime:            config.RuntimeInProc,
		Broker:             config.BrokerMemory,
		PollIntervalMillis: 20,
		LogDir:             dir,
		LogLevel:           "info",
		LogFormat:          "json",
		ReportStore:        config.StoreFile,
		ReportPath:         filepath.Join(dir, "cutflow.json"),
		ReportFormat:       "json",
		ArtifactExt:        ".json",
		OutputDir:          dir,
		ControlAddr:        "127.0.0.1:0",
		ControlSecret:      testSecret,
	}
}

func token(t *testing.T, scopes ...string) string {
	t.Helper()
	tok, err := hs256.Issue(testSecret, "operator", scopes, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func request(h http.Handler, method, path, tok string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func waitForPhase(t *testing.T, sup *supervisor.Supervisor, phase supervisor.Phase) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sup.Status().Phase == phase {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("phase = %s, want %s", sup.Status().Phase, phase)
}

func TestControlAPIAbortsRunningBatch(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	a, err := NewApplication(ctx, testConfig(t))
	if err != nil {
		t.Fatalf("NewApplication: %v", err)
	}
	defer a.Shutdown(ctx)

	done := make(chan error, 1)
	go func() {
		_, err := a.Supervisor.Run(ctx)
		done <- err
	}()
	waitForPhase(t, a.Supervisor, supervisor.PhaseSupervising)

	if w := request(a.Engine, http.MethodGet, "/v1/batch/status", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", w.Code)
	}
	if w := request(a.Engine, http.MethodPost, "/v1/batch/abort", token(t, auth.ScopeStatus)); w.Code != http.StatusForbidden {
		t.Fatalf("abort with status scope = %d, want 403", w.Code)
	}

	w := request(a.Engine, http.MethodGet, "/v1/batch/status?workers=true", token(t, auth.ScopeStatus))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var st supervisor.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.RunID != a.Supervisor.RunID() || st.Spawned != 2 || len(st.States) != 2 {
		t.Fatalf("unexpected status %+v", st)
	}

	w = request(a.Engine, http.MethodPost, "/v1/batch/abort", token(t, auth.ScopeAbort))
	if w.Code != http.StatusAccepted {
		t.Fatalf("abort = %d: %s", w.Code, w.Body.String())
	}

	select {
	case err := <-done:
		if !errors.Is(err, supervisor.ErrAborted) {
			t.Fatalf("Run err = %v, want ErrAborted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after abort")
	}

	w = request(a.Engine, http.MethodPost, "/v1/batch/abort", token(t, "batchsup:*"))
	if w.Code != http.StatusConflict {
		t.Fatalf("second abort = %d, want 409", w.Code)
	}
}

func TestControlServerServesMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.ControlSecret = ""
	cfg.ControlToken = "local-token"

	a, err := NewApplication(ctx, cfg)
	if err != nil {
		t.Fatalf("NewApplication: %v", err)
	}
	if err := a.StartControl(); err != nil {
		t.Fatalf("StartControl: %v", err)
	}
	defer a.Shutdown(ctx)

	base := fmt.Sprintf("http://%s", a.ControlAddr().String())
	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("metrics body missing runtime collectors")
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/v1/batch/status", nil)
	req.Header.Set("Authorization", "Bearer local-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestNewApplicationRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Student = ""
	if _, err := NewApplication(context.Background(), cfg); err == nil {
		t.Fatal("expected config error")
	}
}
