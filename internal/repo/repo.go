// Package repo wraps the git working copy of an application. The working
// copy lives next to the app's instance directories and is re-pointed at the
// configured remote every time it is opened, so a moved repository URL takes
// effect without manual intervention.
package repo

import (
	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/pkg/errors"

	"github.com/gantryio/gantry/internal/util"
)

var log = util.GetLogger("repo")

// WorkingCopy is a checked-out git repository that can fetch and merge the
// latest changes from its remote on demand
type WorkingCopy struct {
	repo *gogit.Repository
	root string
}

// OpenOrClone opens the working copy at dir, cloning it from gitURL if it
// does not exist yet. The origin remote is always re-pointed at gitURL.
func OpenOrClone(gitURL string, dir string) (*WorkingCopy, error) {
	r, err := gogit.PlainOpen(dir)
	if err == gogit.ErrRepositoryNotExists {
		log.Infof("Cloning '%s' into '%s'", gitURL, dir)
		r, err = gogit.PlainClone(dir, false, &gogit.CloneOptions{URL: gitURL})
	}
	if err != nil {
		return nil, errors.Wrapf(err, "Could not open or clone git repo at '%s'", dir)
	}

	wc := &WorkingCopy{repo: r, root: dir}
	if err := wc.setRemote(gogit.DefaultRemoteName, gitURL); err != nil {
		return nil, err
	}
	return wc, nil
}

// Root returns the root directory of the working tree
func (wc *WorkingCopy) Root() string {
	return wc.root
}

// Pull fetches and merges the latest changes from the named remote. An
// already up-to-date working copy is not an error.
func (wc *WorkingCopy) Pull(remoteName string) error {
	wt, err := wc.repo.Worktree()
	if err != nil {
		return errors.Wrapf(err, "Could not access working tree at '%s'", wc.root)
	}

	err = wt.Pull(&gogit.PullOptions{RemoteName: remoteName})
	if err == gogit.NoErrAlreadyUpToDate {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "Failed to pull latest changes from remote '%s'", remoteName)
	}
	return nil
}

// setRemote persists the remote URL in the repository config
func (wc *WorkingCopy) setRemote(name string, url string) error {
	cfg, err := wc.repo.Config()
	if err != nil {
		return errors.Wrapf(err, "Could not read config of git repo at '%s'", wc.root)
	}

	cfg.Remotes[name] = &gitconfig.RemoteConfig{
		Name:  name,
		URLs:  []string{url},
		Fetch: []gitconfig.RefSpec{gitconfig.RefSpec("+refs/heads/*:refs/remotes/" + name + "/*")},
	}

	if err := wc.repo.SetConfig(cfg); err != nil {
		return errors.Wrapf(err, "Error while setting remote on git repo at '%s'", wc.root)
	}
	return nil
}
