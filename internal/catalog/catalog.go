// Package catalog reads the YAML list of served models and opens their
// backends into a registry.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"github.com/Brownie44l1/cnn-lens/internal/model"
	"github.com/Brownie44l1/cnn-lens/internal/nn"
	"github.com/Brownie44l1/cnn-lens/internal/registry"
)

type Backend string

const (
	BackendONNX   Backend = "onnx"
	BackendNative Backend = "native"
)

type Catalog struct {
	Models []Model `json:"models"`
}

type Model struct {
	ID      string  `json:"id"`
	Backend Backend `json:"backend,omitempty"`
	// Path is the .onnx graph or, for the native backend, the network spec.
	Path       string              `json:"path"`
	Metadata   string              `json:"metadata,omitempty"`
	Preprocess string              `json:"preprocess,omitempty"`
	Layers     []registry.LayerRef `json:"layers,omitempty"`
}

// Load parses a catalog file. Relative paths inside it are resolved against
// the catalog's directory.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	var c Catalog
	if err := yaml.UnmarshalStrict(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	if len(c.Models) == 0 {
		return nil, fmt.Errorf("catalog %s lists no models", path)
	}
	base := filepath.Dir(path)
	for i := range c.Models {
		m := &c.Models[i]
		if m.Backend == "" {
			m.Backend = BackendONNX
		}
		m.Path = resolve(base, m.Path)
		m.Metadata = resolve(base, m.Metadata)
	}
	return &c, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Open loads every model and builds the registry. The returned close
// function releases backend resources and must be called after the last
// request.
func Open(c *Catalog, onnxRuntimeLib string, log *zap.SugaredLogger) (*registry.Registry, func(), error) {
	var (
		closers     []func()
		runtimeInit bool
		backend     backends.Backend
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		if runtimeInit {
			if err := model.DestroyRuntime(); err != nil {
				log.Warnw("Failed to destroy ONNX environment", "error", err)
			}
		}
	}

	entries := make([]registry.Entry, 0, len(c.Models))
	for _, m := range c.Models {
		pre, err := registry.ParsePreprocess(m.Preprocess)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("model %q: %w", m.ID, err)
		}
		entry := registry.Entry{ID: m.ID, Preprocess: pre, Layers: m.Layers}

		switch m.Backend {
		case BackendNative:
			spec, err := nn.LoadFile(m.Path)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("model %q: %w", m.ID, err)
			}
			if backend == nil {
				if backend, err = nn.NewBackend(); err != nil {
					closeAll()
					return nil, nil, err
				}
			}
			net, err := spec.Build(backend)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("model %q: %w", m.ID, err)
			}
			shape := net.InputShape()
			entry.Network, entry.InputHeight, entry.InputWidth, entry.Classes = net, shape[0], shape[1], spec.Classes

		case BackendONNX:
			if m.Metadata == "" {
				closeAll()
				return nil, nil, fmt.Errorf("model %q: onnx backend needs metadata", m.ID)
			}
			meta, err := model.LoadMetadata(m.Metadata)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("model %q: %w", m.ID, err)
			}
			if !runtimeInit {
				if err := model.InitRuntime(onnxRuntimeLib); err != nil {
					closeAll()
					return nil, nil, err
				}
				runtimeInit = true
			}
			net, err := model.NewONNXNetwork(m.Path, meta)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("model %q: %w", m.ID, err)
			}
			closers = append(closers, net.Close)
			entry.Network, entry.Classes = net, meta.Classes
			entry.InputHeight, entry.InputWidth = meta.InputSize()

		default:
			closeAll()
			return nil, nil, fmt.Errorf("model %q: %w %q", m.ID, errUnknownBackend, m.Backend)
		}

		log.Infow("Loaded model", "model", m.ID, "backend", m.Backend, "path", m.Path,
			"input", fmt.Sprintf("%dx%d", entry.InputHeight, entry.InputWidth))
		entries = append(entries, entry)
	}

	reg, err := registry.New(entries...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return reg, closeAll, nil
}

var errUnknownBackend = errors.New("unknown backend")
