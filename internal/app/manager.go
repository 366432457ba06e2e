package app

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/pkg/errors"

	"github.com/gantryio/gantry/internal/instance"
)

// WorkingCopyOpener opens or clones the git working copy for an application
type WorkingCopyOpener func(gitURL string, dir string) (WorkingCopy, error)

// Manager owns the orchestrator instances, at most one per application name,
// in registration order
type Manager struct {
	access  *sync.Mutex
	apps    *linkedhashmap.Map
	pending map[string]bool

	workDir  string
	host     string
	keep     int
	ports    PortAllocator
	ready    ReadyProber
	openRepo WorkingCopyOpener
}

// CreateManager returns an app Manager rooted at workDir
func CreateManager(workDir string, host string, keep int, ports PortAllocator, ready ReadyProber, openRepo WorkingCopyOpener) *Manager {
	if workDir == "" || host == "" || ports == nil || ready == nil || openRepo == nil {
		log.Panic("Failed to create app manager: none of the inputs can be nil")
	}
	return &Manager{
		access:   &sync.Mutex{},
		apps:     linkedhashmap.New(),
		pending:  map[string]bool{},
		workDir:  workDir,
		host:     host,
		keep:     keep,
		ports:    ports,
		ready:    ready,
		openRepo: openRepo,
	}
}

// Register creates the orchestrator for an application. If name is empty it
// is derived from the git URL. The working copy is opened or cloned and its
// origin remote re-pointed at gitURL.
func (m *Manager) Register(name string, gitURL string) (*App, error) {
	if gitURL == "" {
		return nil, errors.New("Application git URL cannot be empty")
	}
	if name == "" {
		name = NameFromURL(gitURL)
	}
	if name == "" {
		return nil, errors.Errorf("Could not derive an application name from '%s'", gitURL)
	}

	if err := m.reserve(name); err != nil {
		return nil, err
	}

	// The initial clone can take a long time, so it runs outside the
	// registry lock. The name reservation keeps duplicates out meanwhile.
	root := filepath.Join(m.workDir, "apps", name)
	repoDir := filepath.Join(root, "repo")
	instancesDir := filepath.Join(root, "instances")
	for _, dir := range []string{repoDir, instancesDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			m.unreserve(name)
			return nil, errors.Wrapf(err, "Could not create directories for app '%s'", name)
		}
	}

	wc, err := m.openRepo(gitURL, repoDir)
	if err != nil {
		m.unreserve(name)
		return nil, errors.Wrapf(err, "Could not register app '%s'", name)
	}

	newApp := New(name, gitURL, m.host, m.keep, wc, instance.NewProvisioner(instancesDir), m.ports, m.ready)
	m.access.Lock()
	delete(m.pending, name)
	m.apps.Put(name, newApp)
	m.access.Unlock()
	log.Infof("Created app manager for '%s' in dir %s", name, root)
	return newApp, nil
}

// reserve claims an application name ahead of the clone
func (m *Manager) reserve(name string) error {
	m.access.Lock()
	defer m.access.Unlock()
	if _, found := m.apps.Get(name); found {
		return errors.Errorf("Application '%s' is already registered", name)
	}
	if m.pending[name] {
		return errors.Errorf("Application '%s' is already being registered", name)
	}
	m.pending[name] = true
	return nil
}

func (m *Manager) unreserve(name string) {
	m.access.Lock()
	delete(m.pending, name)
	m.access.Unlock()
}

// Get returns the orchestrator for an application name
func (m *Manager) Get(name string) (*App, error) {
	m.access.Lock()
	defer m.access.Unlock()
	a, found := m.apps.Get(name)
	if !found {
		return nil, errors.Errorf("Could not find application '%s'", name)
	}
	return a.(*App), nil
}

// GetAll returns all registered applications in registration order
func (m *Manager) GetAll() []*App {
	m.access.Lock()
	defer m.access.Unlock()
	all := []*App{}
	it := m.apps.Iterator()
	for it.Next() {
		all = append(all, it.Value().(*App))
	}
	return all
}

// Remove stops an application and deletes it from the registry
func (m *Manager) Remove(name string) error {
	a, err := m.Get(name)
	if err != nil {
		return err
	}
	if err := a.StopApp(); err != nil {
		return errors.Wrapf(err, "Can't remove application '%s'", name)
	}

	m.access.Lock()
	m.apps.Remove(name)
	m.access.Unlock()
	log.Infof("Removed application '%s'", name)
	return nil
}
