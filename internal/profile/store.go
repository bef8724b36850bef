// Package profile stores named tunnel requests in profiles.yaml so a
// tunnel can be reopened with `bgtunnel open --profile NAME`.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/treykane/bgtunnel/internal/appconfig"
	"github.com/treykane/bgtunnel/internal/model"
)

// Profile is a named request.
type Profile struct {
	Name    string        `yaml:"name" json:"name"`
	Request model.Request `yaml:"request" json:"request"`
}

type fileModel struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// LoadAll returns all profiles sorted by name.
func LoadAll() ([]Profile, error) {
	fm, err := loadFile()
	if err != nil {
		return nil, err
	}
	out := make([]Profile, 0, len(fm.Profiles))
	for _, p := range fm.Profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get fetches one profile by name.
func Get(name string) (Profile, error) {
	fm, err := loadFile()
	if err != nil {
		return Profile{}, err
	}
	p, ok := fm.Profiles[strings.TrimSpace(name)]
	if !ok {
		return Profile{}, fmt.Errorf("profile not found: %s", name)
	}
	return p, nil
}

// Save adds or replaces a profile. The bind port is stored as given, so a
// profile saved with an automatic port gets a fresh one on every open.
func Save(name string, req model.Request) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("profile name cannot be empty")
	}
	if strings.ContainsAny(name, " \t/") {
		return fmt.Errorf("invalid profile name %q", name)
	}
	if strings.TrimSpace(req.SSHAddress) == "" {
		return fmt.Errorf("profile %s: ssh address is required", name)
	}
	if req.HostPort == 0 {
		return fmt.Errorf("profile %s: host port is required", name)
	}

	fm, err := loadFile()
	if err != nil {
		return err
	}
	fm.Profiles[name] = Profile{Name: name, Request: req}
	return saveFile(fm)
}

// Delete removes a profile by name.
func Delete(name string) error {
	fm, err := loadFile()
	if err != nil {
		return err
	}
	if _, ok := fm.Profiles[name]; !ok {
		return fmt.Errorf("profile not found: %s", name)
	}
	delete(fm.Profiles, name)
	return saveFile(fm)
}

// IdentityFiles returns the distinct identity files referenced by saved
// profiles.
func IdentityFiles() ([]string, error) {
	all, err := LoadAll()
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var out []string
	for _, p := range all {
		id := strings.TrimSpace(p.Request.IdentityFile)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func loadFile() (fileModel, error) {
	path, err := appconfig.ProfilesFilePath()
	if err != nil {
		return fileModel{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileModel{Profiles: map[string]Profile{}}, nil
		}
		return fileModel{}, err
	}
	var fm fileModel
	if err := yaml.Unmarshal(b, &fm); err != nil {
		return fileModel{}, fmt.Errorf("parse profiles: %w", err)
	}
	if fm.Profiles == nil {
		fm.Profiles = map[string]Profile{}
	}
	return fm, nil
}

func saveFile(fm fileModel) error {
	path, err := appconfig.ProfilesFilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(fm)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
