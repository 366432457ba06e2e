package runner

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// ManifestFile is the launch manifest every application repository carries
// at its root
const ManifestFile = "gantry.json"

// Manifest describes how to launch one instance of an application
type Manifest struct {
	Cmd        string
	Args       []string
	HealthPath string
}

// LoadManifest reads and parses the launch manifest of an instance directory
func LoadManifest(instanceDir string) (*Manifest, error) {
	path := filepath.Join(instanceDir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Could not read launch manifest '%s'", path)
	}
	if !gjson.ValidBytes(data) {
		return nil, errors.Errorf("Launch manifest '%s' is not valid JSON", path)
	}

	cmd := gjson.GetBytes(data, "cmd").String()
	if cmd == "" {
		return nil, errors.Errorf("Launch manifest '%s' does not name a cmd", path)
	}

	manifest := &Manifest{Cmd: cmd, HealthPath: gjson.GetBytes(data, "healthPath").String()}
	for _, arg := range gjson.GetBytes(data, "args").Array() {
		manifest.Args = append(manifest.Args, arg.String())
	}
	return manifest, nil
}
