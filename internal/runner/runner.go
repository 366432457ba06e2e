// Package runner launches application instances as OS subprocesses and
// manages their shutdown. The command to run comes from the launch manifest
// at the root of the instance directory; stdout and stderr are multiplexed
// line by line into the deployment's log consumers.
package runner

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/process"

	"github.com/gantryio/gantry/internal/app"
	"github.com/gantryio/gantry/internal/logbook"
	"github.com/gantryio/gantry/internal/util"
)

var log = util.GetLogger("runner")

// Provider starts application instances as subprocesses
type Provider struct {
	host          string
	grace         time.Duration
	healthTimeout time.Duration
	interval      time.Duration
}

// NewProvider returns a subprocess runner provider. grace bounds the wait
// for a graceful shutdown before the process is killed; healthTimeout bounds
// the optional health endpoint probe after the port answers.
func NewProvider(host string, grace time.Duration, healthTimeout time.Duration, interval time.Duration) *Provider {
	return &Provider{host: host, grace: grace, healthTimeout: healthTimeout, interval: interval}
}

// Start launches a new instance in instanceDir and blocks until the
// readiness waiter is satisfied or the attempt fails. The returned runner is
// ready to serve. The caller owns the waiter and releases it.
func (p *Provider) Start(appName string, instanceDir string, buildLog logbook.LineConsumer, consoleLog logbook.LineConsumer, envVars []string, waiter app.Waiter) (app.Runner, error) {
	manifest, err := LoadManifest(instanceDir)
	if err != nil {
		return nil, err
	}

	port, err := portFromEnv(envVars)
	if err != nil {
		return nil, errors.Wrapf(err, "Could not determine the port for app '%s'", appName)
	}

	buildLog(fmt.Sprintf("Launching '%s' in %s", strings.Join(append([]string{manifest.Cmd}, manifest.Args...), " "), instanceDir))

	cmd := exec.Command(manifest.Cmd, manifest.Args...)
	cmd.Dir = instanceDir
	cmd.Env = envVars

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "Could not capture stdout of app '%s'", appName)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "Could not capture stderr of app '%s'", appName)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "Could not start app '%s'", appName)
	}
	log.Infof("Started app '%s' in '%s' with pid %d", appName, instanceDir, cmd.Process.Pid)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go pumpLines(stdout, consoleLog, &pumps)
	go pumpLines(stderr, consoleLog, &pumps)

	// cmd.Wait must only run once both pipes are drained
	done := make(chan error, 1)
	go func() {
		pumps.Wait()
		done <- cmd.Wait()
	}()

	proc := &Process{appName: appName, port: port, cmd: cmd, grace: p.grace, done: done}

	ready := make(chan error, 1)
	go func() { ready <- waiter.Wait() }()

	select {
	case err := <-ready:
		if err != nil {
			proc.kill()
			return nil, err
		}
	case err := <-done:
		return nil, errors.Errorf("App '%s' exited during startup: %v", appName, err)
	}

	if manifest.HealthPath != "" {
		url := fmt.Sprintf("http://%s:%d%s", p.host, port, manifest.HealthPath)
		if err := p.probeHealth(url); err != nil {
			proc.kill()
			return nil, errors.Wrapf(err, "App '%s' is not healthy", appName)
		}
	}

	return proc, nil
}

// probeHealth polls the health endpoint until it answers or the bound expires
func (p *Provider) probeHealth(url string) error {
	deadline := time.Now().Add(p.healthTimeout)
	for {
		if util.ProbeHTTP(url, probeTimeout) {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("No successful answer from '%s' within %s", url, p.healthTimeout)
		}
		time.Sleep(p.interval)
	}
}

// Process is a handle to one running instance subprocess
type Process struct {
	appName string
	port    int
	cmd     *exec.Cmd
	grace   time.Duration
	done    chan error
}

// Port returns the port the instance is bound to
func (proc *Process) Port() int {
	return proc.port
}

// Shutdown terminates the instance: SIGTERM first, SIGKILL once the grace
// period expires
func (proc *Process) Shutdown() error {
	if proc.cmd.Process == nil {
		return nil
	}
	log.Infof("Shutting down app '%s' (pid %d)", proc.appName, proc.cmd.Process.Pid)

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Warnf("Failed to signal app '%s': %s", proc.appName, err.Error())
	}

	select {
	case <-proc.done:
		return nil
	case <-time.After(proc.grace):
	}

	log.Warnf("App '%s' did not exit within %s, killing it", proc.appName, proc.grace)
	if err := proc.cmd.Process.Kill(); err != nil {
		return errors.Wrapf(err, "Failed to kill app '%s'", proc.appName)
	}
	<-proc.done
	return nil
}

// Stats returns resource usage of the instance process
func (proc *Process) Stats() (app.RunnerStats, error) {
	stats := app.RunnerStats{}
	if proc.cmd.Process == nil {
		return stats, errors.Errorf("App '%s' has no process", proc.appName)
	}

	pid := proc.cmd.Process.Pid
	ps, err := process.NewProcess(int32(pid))
	if err != nil {
		return stats, errors.Wrapf(err, "Could not inspect process %d of app '%s'", pid, proc.appName)
	}

	stats.PID = pid
	if cpu, err := ps.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := ps.MemoryInfo(); err == nil {
		stats.MemoryRSS = mem.RSS
	}
	return stats, nil
}

// kill reaps a half-started process on a failed start attempt
func (proc *Process) kill() {
	if proc.cmd.Process != nil {
		proc.cmd.Process.Kill()
	}
	<-proc.done
}

// pumpLines feeds process output line by line, terminators included, into a
// log consumer
func pumpLines(r io.Reader, consume logbook.LineConsumer, pumps *sync.WaitGroup) {
	defer pumps.Done()
	buf := bufio.NewReader(r)
	for {
		line, err := buf.ReadString('\n')
		if len(line) != 0 {
			consume(line)
		}
		if err != nil {
			return
		}
	}
}

func portFromEnv(envVars []string) (int, error) {
	for _, kv := range envVars {
		if strings.HasPrefix(kv, "APP_PORT=") {
			return strconv.Atoi(strings.TrimPrefix(kv, "APP_PORT="))
		}
	}
	return 0, errors.New("APP_PORT is not set")
}
