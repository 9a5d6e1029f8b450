package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seantiz/openscans/internal/model"
)

func run(t *testing.T, handler http.HandlerFunc, args ...string) (string, error) {
	t.Helper()
	ts := httptest.NewServer(handler)
	defer ts.Close()

	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(append([]string{"--addr", ts.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestStatusCommand(t *testing.T) {
	out, err := run(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/server/status" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"running":true,"port":8000,"version":"1.0.0","state":"running"}`))
	}, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, `"running": true`) {
		t.Errorf("output = %q, want indented status", out)
	}
}

func TestStartCommandSurfacesDaemonError(t *testing.T) {
	_, err := run(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
		w.Write([]byte(`{"error":"worker did not become healthy before the startup deadline"}`))
	}, "start")

	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *apiError", err)
	}
	if apiErr.StatusCode != http.StatusGatewayTimeout || !strings.Contains(apiErr.Message, "startup deadline") {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestStopCommand(t *testing.T) {
	out, err := run(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/server/stop" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}, "stop")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if strings.TrimSpace(out) != "stopped" {
		t.Errorf("output = %q", out)
	}
}

func TestDetectCommandSendsAbsolutePath(t *testing.T) {
	var got model.DetectionRequest
	_, err := run(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte(`{"success":true,"vertebrae":[],"processing_time_ms":1}`))
	}, "detect", "scan.nii.gz", "--fast=false", "--device", "cpu")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}

	if !strings.HasPrefix(got.FilePath, "/") || !strings.HasSuffix(got.FilePath, "scan.nii.gz") {
		t.Errorf("FilePath = %q, want absolute path", got.FilePath)
	}
	if got.FastMode {
		t.Error("FastMode = true, want false")
	}
	if got.Device != "cpu" {
		t.Errorf("Device = %q, want cpu", got.Device)
	}
}

func TestDetectCommandRequiresFile(t *testing.T) {
	if _, err := run(t, func(http.ResponseWriter, *http.Request) {}, "detect"); err == nil {
		t.Fatal("expected error without a file argument")
	}
}

func TestLogsCommandFollowsStream(t *testing.T) {
	out, err := run(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/runs/run-1/logs" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for i, line := range []string{"loading model", "ready"} {
			b, _ := json.Marshal(model.LogLine{RunID: "run-1", Seq: i, Stream: model.StreamStdout, Line: line})
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
		fmt.Fprint(w, "event: done\ndata: stream complete\n\n")
	}, "logs", "run-1")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}

	want := "[stdout] loading model\n[stdout] ready\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestLogsCommandLongLine(t *testing.T) {
	// A full-length output line made of characters JSON must escape.
	long := strings.Repeat("<", 64<<10)
	out, err := run(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		b, _ := json.Marshal(model.LogLine{RunID: "run-1", Stream: model.StreamStderr, Line: long})
		fmt.Fprintf(w, "data: %s\n\n", b)
		fmt.Fprint(w, "event: done\ndata: stream complete\n\n")
	}, "logs", "run-1")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if want := "[stderr] " + long + "\n"; out != want {
		t.Errorf("output length = %d, want %d", len(out), len(want))
	}
}

func TestLogsCommandHistory(t *testing.T) {
	out, err := run(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/runs/run-1/logs/history" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"run_id":"run-1","lines":[{"seq":0,"stream":"stderr","line":"boom"}]}`))
	}, "logs", "run-1", "--history")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if out != "[stderr] boom\n" {
		t.Errorf("output = %q", out)
	}
}

func TestNewClientAddsScheme(t *testing.T) {
	for addr, want := range map[string]string{
		"127.0.0.1:8765":         "http://127.0.0.1:8765",
		"http://localhost:8765/": "http://localhost:8765",
	} {
		if got := newClient(addr).base; got != want {
			t.Errorf("newClient(%q).base = %q, want %q", addr, got, want)
		}
	}
}
