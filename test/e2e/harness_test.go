package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"
)

const (
	daemonStartupTimeout = 10 * time.Second
	pollInterval         = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// daemonProc holds the running openscansd subprocess and its output.
type daemonProc struct {
	cmd        *exec.Cmd
	stdout     *lockedBuffer
	url        string
	workerPort int
	exited     chan struct{}
}

type binaries struct {
	daemon string
	worker string
}

var (
	built     binaries
	buildOnce sync.Once
	buildErr  error
)

func getBinaries(t *testing.T) binaries {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "openscans-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		root := findRepoRoot(t)
		for _, b := range []struct {
			out *string
			pkg string
		}{
			{&built.daemon, "./cmd/openscansd"},
			{&built.worker, "./cmd/fakeworker"},
		} {
			binary := filepath.Join(dir, filepath.Base(b.pkg))
			cmd := exec.Command("go", "build", "-o", binary, b.pkg)
			cmd.Dir = root
			out, err := cmd.CombinedOutput()
			if err != nil {
				buildErr = fmt.Errorf("go build %s failed: %w\n%s", b.pkg, err, out)
				return
			}
			*b.out = binary
		}
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return built
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// startDaemon runs openscansd with the fake worker as its inference server.
// extraEnv overrides the defaults.
func startDaemon(t *testing.T, extraEnv ...string) *daemonProc {
	t.Helper()
	bins := getBinaries(t)

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))
	workerPort := freePort(t)

	stdout := &lockedBuffer{}
	cmd := exec.Command(bins.daemon)
	cmd.Env = append(os.Environ(),
		"OPENSCANS_LISTEN_ADDR="+addr,
		"OPENSCANS_DB_PATH="+filepath.Join(t.TempDir(), "openscans.db"),
		"OPENSCANS_LOG_LEVEL=debug",
		"OPENSCANS_WORKER_PORT="+strconv.Itoa(workerPort),
		"OPENSCANS_WORKER_BIN="+bins.worker,
		"OPENSCANS_AUTOSTART=false",
		"FAKEWORKER_STARTUP_DELAY=1s",
	)
	cmd.Env = append(cmd.Env, extraEnv...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}

	dp := &daemonProc{
		cmd:        cmd,
		stdout:     stdout,
		url:        "http://" + addr,
		workerPort: workerPort,
		exited:     make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		close(dp.exited)
	}()

	t.Cleanup(func() {
		dp.terminate(t)
	})

	deadline := time.Now().Add(daemonStartupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(dp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return dp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("daemon did not become ready within %v\nstdout:\n%s", daemonStartupTimeout, stdout.String())
	return nil
}

// terminate asks the daemon to shut down gracefully and kills it if it does
// not exit in time.
func (dp *daemonProc) terminate(t *testing.T) {
	t.Helper()
	select {
	case <-dp.exited:
		return
	default:
	}
	dp.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-dp.exited:
	case <-time.After(15 * time.Second):
		dp.cmd.Process.Kill()
		<-dp.exited
		t.Errorf("daemon did not exit after SIGTERM\nstdout:\n%s", dp.stdout.String())
	}
}

func (dp *daemonProc) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, dp.url+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

// workerAnswers reports whether anything accepts connections on the worker port.
func (dp *daemonProc) workerAnswers() bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(dp.workerPort)), 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
