package daemon

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Masterminds/semver"

	"github.com/gantryio/gantry/internal/api"
	"github.com/gantryio/gantry/internal/app"
	"github.com/gantryio/gantry/internal/config"
	"github.com/gantryio/gantry/internal/repo"
	"github.com/gantryio/gantry/internal/runner"
	"github.com/gantryio/gantry/internal/util"
)

var log = util.GetLogger("daemon")

const readinessPollInterval = 500 * time.Millisecond

func catchSignals(sigs chan os.Signal, quit chan bool) {
	sig := <-sigs
	log.Infof("Received OS signal %s. Terminating", sig.String())
	quit <- true
}

// openWorkingCopy adapts the git layer to the opener the app manager expects
func openWorkingCopy(gitURL string, dir string) (app.WorkingCopy, error) {
	return repo.OpenOrClone(gitURL, dir)
}

// StartUp triggers a sequence of steps required to start the daemon
func StartUp(configFile string, version *semver.Version) {
	// Handle OS signals
	sigs := make(chan os.Signal, 1)
	quit := make(chan bool, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go catchSignals(sigs, quit)

	cfg, err := config.Load(configFile, version)
	if err != nil {
		log.Fatal(err)
	}
	log.Info("Starting up...")

	setupWorkDir(cfg.WorkDir)

	ports, err := runner.NewPortAllocator(cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		log.Fatal(err)
	}
	readinessTimeout := time.Duration(cfg.ReadinessTimeoutSecs) * time.Second
	grace := time.Duration(cfg.ShutdownGraceSecs) * time.Second
	prober := runner.NewWaiterSource(cfg.Host, readinessTimeout, readinessPollInterval)
	provider := runner.NewProvider(cfg.Host, grace, readinessTimeout, readinessPollInterval)

	am := app.CreateManager(cfg.WorkDir, cfg.Host, cfg.InstanceKeepCount, ports, prober, openWorkingCopy)

	// Declared apps are registered at startup but not deployed. A registration
	// failure should not take the whole daemon down.
	for _, decl := range cfg.Apps {
		if _, err := am.Register(decl.Name, decl.GitURL); err != nil {
			log.Errorf("Could not register declared app '%s': %s", decl.Name, err.Error())
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		api.Websrv(quit, am, provider)
		wg.Done()
	}()

	wg.Wait()

	log.Info("Stopping all running apps")
	for _, a := range am.GetAll() {
		if err := a.StopApp(); err != nil {
			log.Errorf("Could not stop app '%s': %s", a.Name(), err.Error())
		}
	}
	log.Info("Terminating...")
}

// setupWorkDir creates the work directory if it does not exist
func setupWorkDir(workDir string) {
	if _, err := os.Stat(workDir); err != nil {
		if os.IsNotExist(err) {
			log.Info("Creating working directory [", workDir, "]")
			if err := os.MkdirAll(workDir, 0755); err != nil {
				log.Fatal(err)
			}
		} else {
			log.Fatal(err)
		}
	}
}
