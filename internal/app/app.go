package app

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/xid"

	"github.com/gantryio/gantry/internal/logbook"
	"github.com/gantryio/gantry/internal/util"
)

var log = util.GetLogger("app")

const (
	consoleLogCapacity = 5000
	gitRemoteName      = "origin"
)

// WorkingCopy is the git working copy of an application
type WorkingCopy interface {
	Pull(remoteName string) error
	Root() string
}

// Provisioner materializes immutable instance directories from a working tree
type Provisioner interface {
	NewInstance(workTree string) (dir string, copied int64, err error)
	Sweep(keep int, inUse string) (freed int64, err error)
}

// PortAllocator hands out free network ports for new instances
type PortAllocator interface {
	Allocate() (int, error)
	Release(port int)
}

// Waiter is a scoped readiness probe bound to one (app, port) pair. Close
// releases the polling resources and must be called on every exit path.
type Waiter interface {
	Wait() error
	Close() error
}

// ReadyProber acquires readiness waiters
type ReadyProber interface {
	AcquireWaiter(appName string, port int) Waiter
}

// RunnerStats holds resource usage of a running instance process
type RunnerStats struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu-percent"`
	MemoryRSS  uint64  `json:"memory-rss"`
}

// Runner is a handle to one running instance of an application
type Runner interface {
	Port() int
	Shutdown() error
	Stats() (RunnerStats, error)
}

// RunnerProvider starts a new runner in an instance directory. Start blocks
// until the readiness waiter is satisfied or the start attempt fails.
type RunnerProvider interface {
	Start(appName string, instanceDir string, buildLog logbook.LineConsumer, consoleLog logbook.LineConsumer, envVars []string, waiter Waiter) (Runner, error)
}

// ChangeListener is notified with the app name and its reachable URL once
// per successful deployment, after the new instance is confirmed ready and
// before the previous one is retired
type ChangeListener func(name string, url string)

// App orchestrates the deployment lifecycle of one application. Update and
// StopApp are serialized against each other; the log readers are guarded
// independently so status polling stays responsive during a deployment.
type App struct {
	access *sync.Mutex
	state  *sync.Mutex

	name   string
	gitURL string
	host   string
	keep   int

	wc    WorkingCopy
	prov  Provisioner
	ports PortAllocator
	ready ReadyProber

	listeners  []ChangeListener
	buildLog   *logbook.Transcript
	consoleLog *logbook.Ring
	current    Runner
}

// Status is a point-in-time public view of an application
type Status struct {
	Name    string       `json:"name"`
	GitURL  string       `json:"giturl"`
	Running bool         `json:"running"`
	Port    int          `json:"port,omitempty"`
	URL     string       `json:"url,omitempty"`
	Stats   *RunnerStats `json:"stats,omitempty"`
}

// New creates an app orchestrator. The Manager guarantees at most one
// instance exists per application name.
func New(name string, gitURL string, host string, keep int, wc WorkingCopy, prov Provisioner, ports PortAllocator, ready ReadyProber) *App {
	return &App{
		access:     &sync.Mutex{},
		state:      &sync.Mutex{},
		name:       name,
		gitURL:     gitURL,
		host:       host,
		keep:       keep,
		wc:         wc,
		prov:       prov,
		ports:      ports,
		ready:      ready,
		buildLog:   &logbook.Transcript{},
		consoleLog: logbook.NewRing(consoleLogCapacity),
	}
}

// Name returns the application name
func (app *App) Name() string {
	return app.name
}

// GitURL returns the application repository URL
func (app *App) GitURL() string {
	return app.gitURL
}

// Current returns the currently active runner, or nil if the app is stopped
func (app *App) Current() Runner {
	app.state.Lock()
	defer app.state.Unlock()
	return app.current
}

func (app *App) setCurrent(r Runner) {
	app.state.Lock()
	app.current = r
	app.state.Unlock()
}

// AddListener registers a callback fired once per successful deployment
func (app *App) AddListener(listener ChangeListener) {
	app.state.Lock()
	app.listeners = append(app.listeners, listener)
	app.state.Unlock()
}

// LatestBuildLog returns the transcript of the most recent deployment attempt
func (app *App) LatestBuildLog() string {
	return app.buildLog.String()
}

// LatestConsoleLog returns a snapshot of the rolling console log
func (app *App) LatestConsoleLog() string {
	return app.consoleLog.Snapshot()
}

// ClearLogs resets the build log and empties the console log
func (app *App) ClearLogs() {
	app.buildLog.Reset()
	app.consoleLog.Clear()
}

// Status reports the current public state of the application
func (app *App) Status() Status {
	s := Status{Name: app.name, GitURL: app.gitURL}
	current := app.Current()
	if current == nil {
		return s
	}
	s.Running = true
	s.Port = current.Port()
	s.URL = app.reachableURL(current.Port())
	if stats, err := current.Stats(); err == nil {
		s.Stats = &stats
	}
	return s
}

// Update deploys the latest version of the application: fetch, provision a
// fresh instance, start it on a free port, wait for readiness, swap the
// current runner, notify listeners and retire the previous instance. Any
// failure before the swap leaves the previous runner serving. Only one
// Update or StopApp runs at a time per application.
func (app *App) Update(provider RunnerProvider, progress logbook.LineConsumer) error {
	app.access.Lock()
	defer app.access.Unlock()

	app.ClearLogs()

	// The stdout and stderr pumps of the new process feed this sink from
	// separate goroutines while the start attempt is in flight, and the
	// progress consumer is not required to be safe for concurrent use.
	var progressAccess sync.Mutex
	buildLog := func(line string) {
		progressAccess.Lock()
		defer progressAccess.Unlock()
		if progress != nil {
			progress(line)
		}
		app.buildLog.Append(line)
	}

	// The build log should contain a bit of the startup output and then
	// detach itself. Console lines are mirrored through this slot until the
	// new instance is confirmed ready.
	forwarder := &logbook.Slot{}
	forwarder.Set(buildLog)
	consoleLog := func(line string) {
		forwarder.Forward(strings.TrimRight(line, "\r\n"))
		app.consoleLog.Append(line)
	}

	deployID := xid.New().String()
	log.Infof("Deployment %s: updating app '%s'", deployID, app.name)
	buildLog(fmt.Sprintf("Starting deployment %s of app '%s'", deployID, app.name))

	buildLog("Fetching latest changes from git...")
	if err := app.wc.Pull(gitRemoteName); err != nil {
		return errors.Wrapf(err, "Fetch failed for app '%s'", app.name)
	}

	instanceDir, copied, err := app.prov.NewInstance(app.wc.Root())
	if err != nil {
		return errors.Wrapf(err, "Provisioning failed for app '%s'", app.name)
	}
	buildLog(fmt.Sprintf("Created new instance in %s (%s)", instanceDir, humanize.Bytes(uint64(copied))))

	port, err := app.ports.Allocate()
	if err != nil {
		return errors.Wrapf(err, "Port allocation failed for app '%s'", app.name)
	}

	envVars := CreateAppEnv(port, app.name)
	oldRunner := app.Current()

	newRunner, err := app.startRunner(provider, instanceDir, port, buildLog, consoleLog, envVars)
	if err != nil {
		app.ports.Release(port)
		return errors.Wrapf(err, "Failed to start new instance of app '%s'", app.name)
	}

	app.setCurrent(newRunner)
	forwarder.Clear()

	app.notifyListeners(app.reachableURL(port))

	if oldRunner != nil {
		buildLog("Shutting down previous version")
		log.Infof("Shutting down previous version of '%s'", app.name)
		if err := oldRunner.Shutdown(); err != nil {
			// best effort, the new instance is already serving
			log.Errorf("Failed to shut down previous version of '%s': %s", app.name, err.Error())
		} else {
			app.ports.Release(oldRunner.Port())
		}
	}
	buildLog("Deployment complete.")

	if freed, err := app.prov.Sweep(app.keep, instanceDir); err != nil {
		log.Errorf("Failed to sweep old instances of '%s': %s", app.name, err.Error())
	} else if freed > 0 {
		log.Infof("Deleted old instances of '%s', freed %s", app.name, humanize.Bytes(uint64(freed)))
	}

	return nil
}

// StopApp shuts down the current runner, if any. No-op when already stopped.
func (app *App) StopApp() error {
	app.access.Lock()
	defer app.access.Unlock()

	current := app.Current()
	if current == nil {
		return nil
	}
	log.Infof("Stopping app '%s'", app.name)
	if err := current.Shutdown(); err != nil {
		return errors.Wrapf(err, "Failed to stop app '%s'", app.name)
	}
	app.ports.Release(current.Port())
	app.setCurrent(nil)
	return nil
}

// startRunner runs one start attempt with a scoped readiness waiter. The
// waiter is released on every exit path.
func (app *App) startRunner(provider RunnerProvider, instanceDir string, port int, buildLog logbook.LineConsumer, consoleLog logbook.LineConsumer, envVars []string) (Runner, error) {
	waiter := app.ready.AcquireWaiter(app.name, port)
	defer waiter.Close()
	return provider.Start(app.name, instanceDir, buildLog, consoleLog, envVars, waiter)
}

// notifyListeners invokes every registered listener in registration order.
// Listener panics are isolated so later listeners are still notified.
func (app *App) notifyListeners(url string) {
	app.state.Lock()
	listeners := make([]ChangeListener, len(app.listeners))
	copy(listeners, app.listeners)
	app.state.Unlock()

	for _, listener := range listeners {
		notify(listener, app.name, url)
	}
}

func notify(listener ChangeListener, name string, url string) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Listener for app '%s' panicked: %v", name, r)
		}
	}()
	listener(name, url)
}

func (app *App) reachableURL(port int) string {
	return fmt.Sprintf("http://%s:%d/%s", app.host, port, app.name)
}

// CreateAppEnv returns the full inherited process environment with the app
// specific variables overridden
func CreateAppEnv(port int, name string) []string {
	envVars := []string{}
	for _, kv := range os.Environ() {
		key := strings.SplitN(kv, "=", 2)[0]
		if key == "APP_PORT" || key == "APP_NAME" || key == "APP_ENV" {
			continue
		}
		envVars = append(envVars, kv)
	}
	return append(envVars,
		fmt.Sprintf("APP_PORT=%d", port),
		"APP_NAME="+name,
		"APP_ENV=prod")
}
