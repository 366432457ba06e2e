package api

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"github.com/gantryio/gantry/internal/app"
	"github.com/gantryio/gantry/internal/logbook"
)

var errFetch = errors.New("remote unreachable")

type fakeWorkingCopy struct {
	root    string
	pullErr error
}

func (wc *fakeWorkingCopy) Pull(remoteName string) error { return wc.pullErr }
func (wc *fakeWorkingCopy) Root() string                 { return wc.root }

type fakePorts struct {
	next int
}

func (p *fakePorts) Allocate() (int, error) {
	p.next++
	return 40000 + p.next, nil
}
func (p *fakePorts) Release(port int) {}

type fakeWaiter struct{}

func (w *fakeWaiter) Wait() error  { return nil }
func (w *fakeWaiter) Close() error { return nil }

type fakeProber struct{}

func (p *fakeProber) AcquireWaiter(appName string, port int) app.Waiter { return &fakeWaiter{} }

type fakeRunner struct {
	port int
}

func (r *fakeRunner) Port() int       { return r.port }
func (r *fakeRunner) Shutdown() error { return nil }
func (r *fakeRunner) Stats() (app.RunnerStats, error) {
	return app.RunnerStats{PID: 1234}, nil
}

type fakeProvider struct {
	pumpedLines int
}

func (p *fakeProvider) Start(appName string, instanceDir string, buildLog logbook.LineConsumer, consoleLog logbook.LineConsumer, envVars []string, waiter app.Waiter) (app.Runner, error) {
	if p.pumpedLines > 0 {
		// stdout and stderr of a real process are pumped by separate goroutines
		var pumps sync.WaitGroup
		for _, stream := range []string{"stdout", "stderr"} {
			pumps.Add(1)
			go func(stream string) {
				defer pumps.Done()
				for i := 0; i < p.pumpedLines; i++ {
					consoleLog(stream + " says hello\n")
				}
			}(stream)
		}
		pumps.Wait()
	}
	if err := waiter.Wait(); err != nil {
		return nil, err
	}
	port := 0
	for _, kv := range envVars {
		if strings.HasPrefix(kv, "APP_PORT=") {
			port, _ = strconv.Atoi(strings.TrimPrefix(kv, "APP_PORT="))
		}
	}
	return &fakeRunner{port: port}, nil
}

// testHandler builds the API handler around a manager whose collaborators
// are all faked out
func testHandler(t *testing.T, wc *fakeWorkingCopy) http.Handler {
	return testHandlerWith(t, wc, &fakeProvider{})
}

func testHandlerWith(t *testing.T, wc *fakeWorkingCopy, provider app.RunnerProvider) http.Handler {
	t.Helper()
	if wc.root == "" {
		wc.root = t.TempDir()
		if err := os.WriteFile(filepath.Join(wc.root, "gantry.json"), []byte(`{"cmd": "./run"}`), 0644); err != nil {
			t.Fatal(err)
		}
	}
	openRepo := func(gitURL string, dir string) (app.WorkingCopy, error) { return wc, nil }
	am := app.CreateManager(t.TempDir(), "localhost", 3, &fakePorts{}, &fakeProber{}, openRepo)
	return Handler(am, provider)
}

func request(t *testing.T, handler http.Handler, method string, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestCreateApp(t *testing.T) {

	t.Run("CreatesWithDerivedName", func(t *testing.T) {
		handler := testHandler(t, &fakeWorkingCopy{})

		w := request(t, handler, "POST", "/api/v1/apps", `{"giturl": "https://example.org/demo.git"}`)
		if w.Code != http.StatusCreated {
			t.Fatalf("Wrong status code: %d, body: %s", w.Code, w.Body.String())
		}
		if !strings.Contains(w.Body.String(), `"name": "demo"`) {
			t.Errorf("The response should carry the derived app name, got %s", w.Body.String())
		}
	})

	t.Run("RejectsDuplicate", func(t *testing.T) {
		handler := testHandler(t, &fakeWorkingCopy{})

		request(t, handler, "POST", "/api/v1/apps", `{"name": "demo", "giturl": "https://example.org/demo.git"}`)
		w := request(t, handler, "POST", "/api/v1/apps", `{"name": "demo", "giturl": "https://example.org/demo.git"}`)
		if w.Code != http.StatusConflict {
			t.Errorf("Wrong status code: %d", w.Code)
		}
	})

	t.Run("RejectsMissingGitURL", func(t *testing.T) {
		handler := testHandler(t, &fakeWorkingCopy{})

		w := request(t, handler, "POST", "/api/v1/apps", `{"name": "demo"}`)
		if w.Code != http.StatusExpectationFailed {
			t.Errorf("Wrong status code: %d", w.Code)
		}
	})

	t.Run("RejectsBadJSON", func(t *testing.T) {
		handler := testHandler(t, &fakeWorkingCopy{})

		w := request(t, handler, "POST", "/api/v1/apps", `{"name": `)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Wrong status code: %d", w.Code)
		}
	})
}

func TestGetApps(t *testing.T) {
	handler := testHandler(t, &fakeWorkingCopy{})

	w := request(t, handler, "GET", "/api/v1/apps", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Wrong status code: %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("An empty registry should list no apps, got %s", w.Body.String())
	}

	request(t, handler, "POST", "/api/v1/apps", `{"name": "app1", "giturl": "https://example.org/app1.git"}`)
	request(t, handler, "POST", "/api/v1/apps", `{"name": "app2", "giturl": "https://example.org/app2.git"}`)

	w = request(t, handler, "GET", "/api/v1/apps", "")
	body := w.Body.String()
	if !strings.Contains(body, "app1") || !strings.Contains(body, "app2") {
		t.Errorf("Both apps should be listed, got %s", body)
	}
	if strings.Index(body, "app1") > strings.Index(body, "app2") {
		t.Error("Apps should be listed in registration order")
	}
}

func TestGetApp(t *testing.T) {
	handler := testHandler(t, &fakeWorkingCopy{})

	if w := request(t, handler, "GET", "/api/v1/apps/ghost", ""); w.Code != http.StatusNotFound {
		t.Errorf("Wrong status code for an unknown app: %d", w.Code)
	}

	request(t, handler, "POST", "/api/v1/apps", `{"name": "demo", "giturl": "https://example.org/demo.git"}`)
	w := request(t, handler, "GET", "/api/v1/apps/demo", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Wrong status code: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"running": false`) {
		t.Errorf("A freshly registered app should not be running, got %s", w.Body.String())
	}
}

func TestDeployApp(t *testing.T) {

	t.Run("StreamsProgress", func(t *testing.T) {
		handler := testHandler(t, &fakeWorkingCopy{})
		request(t, handler, "POST", "/api/v1/apps", `{"name": "demo", "giturl": "https://example.org/demo.git"}`)

		w := request(t, handler, "POST", "/api/v1/apps/demo/deploy", "")
		if w.Code != http.StatusOK {
			t.Fatalf("Wrong status code: %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), "Deployment complete.") {
			t.Errorf("The stream should end with the completion line, got %s", w.Body.String())
		}

		status := request(t, handler, "GET", "/api/v1/apps/demo", "")
		if !strings.Contains(status.Body.String(), `"running": true`) {
			t.Errorf("The app should be running after a deploy, got %s", status.Body.String())
		}
	})

	t.Run("StreamSurvivesConcurrentConsoleOutput", func(t *testing.T) {
		handler := testHandlerWith(t, &fakeWorkingCopy{}, &fakeProvider{pumpedLines: 200})
		request(t, handler, "POST", "/api/v1/apps", `{"name": "demo", "giturl": "https://example.org/demo.git"}`)

		w := request(t, handler, "POST", "/api/v1/apps/demo/deploy", "")
		if w.Code != http.StatusOK {
			t.Fatalf("Wrong status code: %d", w.Code)
		}
		body := w.Body.String()
		if !strings.Contains(body, "stdout says hello") || !strings.Contains(body, "stderr says hello") {
			t.Error("Startup output from both streams should reach the progress stream")
		}
		if !strings.Contains(body, "Deployment complete.") {
			t.Errorf("The stream should still end with the completion line, got %s", body)
		}
	})

	t.Run("ReportsFailureInStream", func(t *testing.T) {
		handler := testHandler(t, &fakeWorkingCopy{pullErr: errFetch})
		request(t, handler, "POST", "/api/v1/apps", `{"name": "demo", "giturl": "https://example.org/demo.git"}`)

		w := request(t, handler, "POST", "/api/v1/apps/demo/deploy", "")
		if !strings.Contains(w.Body.String(), "Deployment failed") {
			t.Errorf("The stream should report the failure, got %s", w.Body.String())
		}
	})

	t.Run("UnknownApp", func(t *testing.T) {
		handler := testHandler(t, &fakeWorkingCopy{})
		if w := request(t, handler, "POST", "/api/v1/apps/ghost/deploy", ""); w.Code != http.StatusNotFound {
			t.Errorf("Wrong status code: %d", w.Code)
		}
	})
}

func TestStopApp(t *testing.T) {
	handler := testHandler(t, &fakeWorkingCopy{})
	request(t, handler, "POST", "/api/v1/apps", `{"name": "demo", "giturl": "https://example.org/demo.git"}`)
	request(t, handler, "POST", "/api/v1/apps/demo/deploy", "")

	w := request(t, handler, "POST", "/api/v1/apps/demo/stop", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Wrong status code: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"running": false`) {
		t.Errorf("The app should be stopped, got %s", w.Body.String())
	}
}

func TestLogs(t *testing.T) {
	handler := testHandler(t, &fakeWorkingCopy{})
	request(t, handler, "POST", "/api/v1/apps", `{"name": "demo", "giturl": "https://example.org/demo.git"}`)
	request(t, handler, "POST", "/api/v1/apps/demo/deploy", "")

	w := request(t, handler, "GET", "/api/v1/apps/demo/buildlog", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Wrong status code: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Deployment complete.") {
		t.Errorf("The build log should hold the deployment transcript, got %s", w.Body.String())
	}

	if w := request(t, handler, "DELETE", "/api/v1/apps/demo/logs", ""); w.Code != http.StatusOK {
		t.Fatalf("Wrong status code: %d", w.Code)
	}
	w = request(t, handler, "GET", "/api/v1/apps/demo/buildlog", "")
	if w.Body.String() != "" {
		t.Errorf("The build log should be empty after a clear, got %s", w.Body.String())
	}

	if w := request(t, handler, "GET", "/api/v1/apps/demo/consolelog", ""); w.Code != http.StatusOK {
		t.Errorf("Wrong status code: %d", w.Code)
	}
}

func TestRemoveApp(t *testing.T) {
	handler := testHandler(t, &fakeWorkingCopy{})
	request(t, handler, "POST", "/api/v1/apps", `{"name": "demo", "giturl": "https://example.org/demo.git"}`)
	request(t, handler, "POST", "/api/v1/apps/demo/deploy", "")

	if w := request(t, handler, "DELETE", "/api/v1/apps/demo", ""); w.Code != http.StatusOK {
		t.Fatalf("Wrong status code: %d", w.Code)
	}
	if w := request(t, handler, "GET", "/api/v1/apps/demo", ""); w.Code != http.StatusNotFound {
		t.Errorf("The app should be gone after removal, status: %d", w.Code)
	}
	if w := request(t, handler, "DELETE", "/api/v1/apps/demo", ""); w.Code != http.StatusNotFound {
		t.Errorf("Removing an unknown app should 404, status: %d", w.Code)
	}
}
