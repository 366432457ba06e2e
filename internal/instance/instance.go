// Package instance materializes immutable, timestamped snapshots of an
// application's working tree. Each deployment runs from its own snapshot so
// a running instance is never mutated by a later fetch.
package instance

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/gantryio/gantry/internal/util"
)

var log = util.GetLogger("instance")

const gitMetadataDir = ".git"

// Provisioner creates and retires instance directories under a per-app root
type Provisioner struct {
	root string
}

// NewProvisioner returns a provisioner rooted at the given instances directory
func NewProvisioner(root string) *Provisioner {
	return &Provisioner{root: root}
}

// Root returns the instances root directory
func (p *Provisioner) Root() string {
	return p.root
}

// NewInstance copies the contents of workTree into a fresh directory named by
// a nanosecond creation timestamp, excluding version-control metadata. It
// returns the new directory and the number of bytes copied.
func (p *Provisioner) NewInstance(workTree string) (string, int64, error) {
	if err := os.MkdirAll(p.root, 0755); err != nil {
		return "", 0, errors.Wrapf(err, "Failed to create instances root '%s'", p.root)
	}

	dest, err := p.createTimestampedDir()
	if err != nil {
		return "", 0, err
	}

	copied, err := copyTree(workTree, dest)
	if err != nil {
		return "", 0, errors.Wrapf(err, "Failed to snapshot working tree '%s' into '%s'", workTree, dest)
	}
	return dest, copied, nil
}

// Sweep deletes the oldest instance directories, keeping the newest keep
// directories. The directory named by inUse is never deleted. Returns the
// number of bytes freed.
func (p *Provisioner) Sweep(keep int, inUse string) (int64, error) {
	if keep < 1 {
		return 0, nil
	}

	entries, err := os.ReadDir(p.root)
	if err != nil {
		return 0, errors.Wrapf(err, "Failed to list instances root '%s'", p.root)
	}

	stamps := []int64{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ts, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil {
			continue
		}
		stamps = append(stamps, ts)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })

	if len(stamps) <= keep {
		return 0, nil
	}

	var freed int64
	for _, ts := range stamps[:len(stamps)-keep] {
		dir := filepath.Join(p.root, strconv.FormatInt(ts, 10))
		if dir == inUse {
			continue
		}
		size := treeSize(dir)
		if err := os.RemoveAll(dir); err != nil {
			log.Errorf("Failed to delete old instance '%s': %s", dir, err.Error())
			continue
		}
		freed += size
	}
	return freed, nil
}

// createTimestampedDir creates a new directory named by the current
// nanosecond timestamp, bumping the stamp on collision so names stay
// monotonically increasing.
func (p *Provisioner) createTimestampedDir() (string, error) {
	ts := time.Now().UnixNano()
	for {
		dest := filepath.Join(p.root, strconv.FormatInt(ts, 10))
		err := os.Mkdir(dest, 0755)
		if err == nil {
			return dest, nil
		}
		if !os.IsExist(err) {
			return "", errors.Wrapf(err, "Failed to create instance directory '%s'", dest)
		}
		ts++
	}
}

// copyTree recursively copies src into dst, skipping version-control
// metadata directories. File contents are preserved byte-for-byte.
func copyTree(src string, dst string) (int64, error) {
	var copied int64
	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && info.Name() == gitMetadataDir {
			return filepath.SkipDir
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		n, err := copyFile(path, target, info.Mode().Perm())
		copied += n
		return err
	})
	return copied, err
}

func copyFile(src string, dst string, perm os.FileMode) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, err
	}
	return n, out.Close()
}

func treeSize(dir string) int64 {
	var size int64
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			size += info.Size()
		}
		return nil
	})
	return size
}
