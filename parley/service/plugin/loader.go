package plugin

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	goplugin "plugin"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

const goPluginSymbol = "Plugin"

// manifest is the YAML descriptor for a plugin built from a registered factory.
type manifest struct {
	Description string    `yaml:"description"`
	Kind        string    `yaml:"kind"`
	Role        string    `yaml:"role"`
	Params      yaml.Node `yaml:"params"`
}

// candidate is a discovered file that still has to pass the capability check.
type candidate struct {
	name string
	path string
	ext  string
}

// discover lists plugin candidates in dir ordered by name.
// A missing directory yields no candidates.
func discover(dir string) ([]candidate, []error, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	} else if err != nil {
		return nil, nil, fmt.Errorf("read plugin dir %s: %w", dir, err)
	}

	var found []candidate
	var skipped []error
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		switch ext {
		case ".yaml", ".yml", ".so":
		default:
			continue
		}

		path := filepath.Join(dir, entry.Name())
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if prior, ok := seen[name]; ok {
			skipped = append(skipped, &LoadError{Path: path, Err: fmt.Errorf("duplicate plugin name %q (already loaded from %s)", name, prior)})
			continue
		}
		seen[name] = path
		found = append(found, candidate{name: name, path: path, ext: ext})
	}

	slices.SortStableFunc(found, func(a, b candidate) int {
		return strings.Compare(a.name, b.name)
	})
	return found, skipped, nil
}

// openCandidate runs the capability check for c and returns the plugin with its role and description.
func openCandidate(c candidate, factories map[string]Factory) (Plugin, Role, string, error) {
	if c.ext == ".so" {
		p, err := openGoPlugin(c.path)
		if err != nil {
			return nil, RoleObserver, "", err
		}
		role := inferRole(c.name)
		if rd, ok := p.(RoleDeclarer); ok {
			role = rd.Role()
		}
		return p, role, p.Description(), nil
	}
	return openManifest(c.path, factories)
}

func openManifest(path string, factories map[string]Factory) (Plugin, Role, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, RoleObserver, "", err
	}

	var m manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); errors.Is(err, io.EOF) {
		return nil, RoleObserver, "", errors.New("empty manifest")
	} else if err != nil {
		return nil, RoleObserver, "", fmt.Errorf("parse manifest: %w", err)
	}

	if m.Kind == "" {
		return nil, RoleObserver, "", errors.New("manifest has no kind")
	}
	factory, ok := factories[m.Kind]
	if !ok {
		return nil, RoleObserver, "", fmt.Errorf("unknown kind %q", m.Kind)
	}
	if m.Role != "" {
		role, err := ParseRole(m.Role)
		if err != nil {
			return nil, RoleObserver, "", err
		} else if role != factory.Role {
			return nil, RoleObserver, "", fmt.Errorf("role %s conflicts with kind %s (%s)", role, m.Kind, factory.Role)
		}
	}

	p, err := factory.New(&m.Params)
	if err != nil {
		return nil, RoleObserver, "", fmt.Errorf("kind %s: %w", m.Kind, err)
	}

	description := m.Description
	if description == "" {
		description = p.Description()
	}
	return p, factory.Role, description, nil
}

// openGoPlugin loads a shared object built with -buildmode=plugin.
// The object must export a Plugin symbol implementing Plugin, either as a
// value (var Plugin myPlugin) or as an interface variable (var Plugin plugin.Plugin).
func openGoPlugin(path string) (Plugin, error) {
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shared object: %w", err)
	}
	sym, err := so.Lookup(goPluginSymbol)
	if err != nil {
		return nil, fmt.Errorf("missing %s symbol: %w", goPluginSymbol, err)
	}

	switch p := sym.(type) {
	case Plugin:
		return p, nil
	case *Plugin:
		if p != nil && *p != nil {
			return *p, nil
		}
	}
	return nil, fmt.Errorf("symbol %s (%T) does not implement Apply and Description", goPluginSymbol, sym)
}
