package e2e

import (
	"bufio"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/openscans/internal/model"
)

func TestStatusBeforeStart(t *testing.T) {
	dp := startDaemon(t)

	resp, raw := dp.do(t, http.MethodGet, "/v1/server/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	st := decode[model.ServerStatus](t, raw)
	if st.Running || st.State != model.StateStopped || st.Version != model.DefaultWorkerVersion {
		t.Errorf("status = %+v, want stopped default", st)
	}
	if st.Port != uint16(dp.workerPort) {
		t.Errorf("port = %d, want %d", st.Port, dp.workerPort)
	}
}

func TestDetectBeforeStartIsRejected(t *testing.T) {
	dp := startDaemon(t)

	resp, _ := dp.do(t, http.MethodPost, "/v1/detect", model.DetectionRequest{FilePath: "/tmp/scan.nii.gz"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

// A full session: start waits out the worker's model load, detection is
// relayed verbatim, stop kills the worker and status reflects it.
func TestFullLifecycle(t *testing.T) {
	dp := startDaemon(t)

	begin := time.Now()
	resp, raw := dp.do(t, http.MethodPost, "/v1/server/start", nil)
	elapsed := time.Since(begin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d, want 200\nbody: %s\nstdout:\n%s", resp.StatusCode, raw, dp.stdout.String())
	}
	st := decode[model.ServerStatus](t, raw)
	if !st.Running || st.State != model.StateRunning {
		t.Fatalf("start returned %+v, want running", st)
	}
	if st.Version != "1.0.0-fake" {
		t.Errorf("version = %q, want the worker's own version", st.Version)
	}
	if elapsed < time.Second || elapsed > 8*time.Second {
		t.Errorf("start took %v, want roughly the worker's 1s load time", elapsed)
	}

	// Idempotent: no second worker.
	resp, raw = dp.do(t, http.MethodPost, "/v1/server/start", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second start status = %d", resp.StatusCode)
	}
	if again := decode[model.ServerStatus](t, raw); again.PID != st.PID || again.RunID != st.RunID {
		t.Errorf("second start = %+v, want same pid %d", again, st.PID)
	}

	scan := filepath.Join(t.TempDir(), "scan.nii.gz")
	if err := os.WriteFile(scan, []byte("not really a scan"), 0o644); err != nil {
		t.Fatalf("write scan: %v", err)
	}
	resp, raw = dp.do(t, http.MethodPost, "/v1/detect", model.DetectionRequest{FilePath: scan, FastMode: true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("detect status = %d\nbody: %s", resp.StatusCode, raw)
	}
	res := decode[model.DetectionResult](t, raw)
	if !res.Success || len(res.Vertebrae) != 5 || res.Vertebrae[0].Label != "L1" {
		t.Errorf("detect result = %+v", res)
	}

	// Worker-side failures are relayed with the worker's status code.
	resp, raw = dp.do(t, http.MethodPost, "/v1/detect", model.DetectionRequest{FilePath: scan + ".missing"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing file status = %d, want 404\nbody: %s", resp.StatusCode, raw)
	}

	resp, _ = dp.do(t, http.MethodPost, "/v1/server/stop", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stop status = %d, want 204", resp.StatusCode)
	}
	if dp.workerAnswers() {
		t.Error("worker port still accepts connections after stop")
	}

	_, raw = dp.do(t, http.MethodGet, "/v1/server/status", nil)
	if after := decode[model.ServerStatus](t, raw); after.Running || after.State != model.StateStopped {
		t.Errorf("status after stop = %+v", after)
	}

	// Stopping again is a no-op.
	if resp, _ := dp.do(t, http.MethodPost, "/v1/server/stop", nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("second stop status = %d, want 204", resp.StatusCode)
	}

	_, raw = dp.do(t, http.MethodGet, "/v1/runs/"+st.RunID, nil)
	if run := decode[model.WorkerRun](t, raw); run.State != model.RunStopped || run.ReadyAt == nil {
		t.Errorf("run = %+v, want stopped after being ready", run)
	}

	var history struct {
		Lines []struct {
			Line string `json:"line"`
		} `json:"lines"`
	}
	_, raw = dp.do(t, http.MethodGet, "/v1/runs/"+st.RunID+"/logs/history", nil)
	if err := json.Unmarshal(raw, &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	found := false
	for _, l := range history.Lines {
		if strings.Contains(l.Line, "fakeworker: listening") {
			found = true
		}
	}
	if !found {
		t.Errorf("worker output not captured: %+v", history.Lines)
	}

	_, raw = dp.do(t, http.MethodGet, "/v1/detections", nil)
	var detections struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(raw, &detections); err != nil {
		t.Fatalf("decode detections: %v", err)
	}
	if detections.Total != 2 {
		t.Errorf("audited detections = %d, want 2", detections.Total)
	}
}

func TestAutostart(t *testing.T) {
	dp := startDaemon(t, "OPENSCANS_AUTOSTART=true")

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		_, raw := dp.do(t, http.MethodGet, "/v1/server/status", nil)
		if decode[model.ServerStatus](t, raw).Running {
			return
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("worker not running after autostart\nstdout:\n%s", dp.stdout.String())
}

func TestStartWithMissingWorker(t *testing.T) {
	dp := startDaemon(t, "OPENSCANS_WORKER_BIN="+filepath.Join(t.TempDir(), "nope"))

	resp, raw := dp.do(t, http.MethodPost, "/v1/server/start", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502\nbody: %s", resp.StatusCode, raw)
	}

	// The supervisor stays usable.
	_, raw = dp.do(t, http.MethodGet, "/v1/server/status", nil)
	if st := decode[model.ServerStatus](t, raw); st.State != model.StateStopped {
		t.Errorf("status = %+v, want stopped", st)
	}
}

func TestStartTimesOutOnSlowWorker(t *testing.T) {
	dp := startDaemon(t,
		"FAKEWORKER_STARTUP_DELAY=30s",
		"OPENSCANS_STARTUP_TIMEOUT=1s",
	)

	resp, raw := dp.do(t, http.MethodPost, "/v1/server/start", nil)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504\nbody: %s", resp.StatusCode, raw)
	}

	// The slow worker is kept; it can be stopped explicitly.
	_, raw = dp.do(t, http.MethodGet, "/v1/server/status", nil)
	if st := decode[model.ServerStatus](t, raw); st.State != model.StateUnhealthy || st.PID == 0 {
		t.Errorf("status = %+v, want unhealthy with a pid", st)
	}
	if resp, _ := dp.do(t, http.MethodPost, "/v1/server/stop", nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("stop status = %d, want 204", resp.StatusCode)
	}
}

func TestShutdownStopsWorker(t *testing.T) {
	dp := startDaemon(t)

	if resp, raw := dp.do(t, http.MethodPost, "/v1/server/start", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d\nbody: %s", resp.StatusCode, raw)
	}
	if !dp.workerAnswers() {
		t.Fatal("worker not listening after start")
	}

	dp.terminate(t)

	deadline := time.Now().Add(5 * time.Second)
	for dp.workerAnswers() {
		if time.Now().After(deadline) {
			t.Fatal("worker still listening after daemon shutdown")
		}
		time.Sleep(pollInterval)
	}
}

func TestStructuredJSONLogs(t *testing.T) {
	dp := startDaemon(t)

	dp.do(t, http.MethodGet, "/v1/runs", nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(dp.stdout.String(), `"msg":"request"`) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	scanner := bufio.NewScanner(strings.NewReader(dp.stdout.String()))
	foundRequestLog := false
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry["msg"] == "request" {
			foundRequestLog = true
			for _, key := range []string{"method", "path", "status", "duration_ms", "request_id"} {
				if _, ok := entry[key]; !ok {
					t.Errorf("request log missing field %q", key)
				}
			}
		}
	}
	if !foundRequestLog {
		t.Errorf("no structured request log found in stdout\noutput:\n%s", dp.stdout.String())
	}
}
