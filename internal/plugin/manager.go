package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lumerelay/internal/rpc"
)

// DefaultExecutionTimeout is the default timeout for a script call
const DefaultExecutionTimeout = 30 * time.Second

var errShutdown = errors.New("relay shutting down")

// Options configures a Manager
type Options struct {
	Identity string
	Timeout  time.Duration
	Config   map[string]map[string]any // plugin name -> section
}

// Manager loads plugins and owns their script runtimes
type Manager struct {
	registry Registrar
	local    LocalDispatcher
	signals  *Signals
	opts     Options
	loaded   []string
	runtimes []*Runtime
	logger   zerolog.Logger
	mu       sync.Mutex
}

// NewManager creates a new Manager
func NewManager(registry Registrar, local LocalDispatcher, signals *Signals, opts Options, logger zerolog.Logger) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultExecutionTimeout
	}
	return &Manager{
		registry: registry,
		local:    local,
		signals:  signals,
		opts:     opts,
		logger:   logger.With().Str("component", "plugin-manager").Logger(),
	}
}

// Signals returns the lifecycle signals handed to plugins
func (m *Manager) Signals() *Signals {
	return m.signals
}

func (m *Manager) pluginLogger(name string) zerolog.Logger {
	return m.logger.With().Str("plugin", name).Logger()
}

// Load registers one plugin's methods
func (m *Manager) Load(p Plugin) error {
	name := Slugify(p.Name)
	if name == "" {
		return fmt.Errorf("invalid plugin name %q", p.Name)
	}

	api := &API{
		name:     name,
		registry: m.registry,
		local:    m.local,
		config:   m.opts.Config[name],
		Logger:   m.pluginLogger(name),
		Identity: m.opts.Identity,
		Signals:  m.signals,
	}
	if err := p.Load(api); err != nil {
		return fmt.Errorf("failed to load plugin %s: %w", name, err)
	}

	m.mu.Lock()
	m.loaded = append(m.loaded, name)
	m.mu.Unlock()

	m.logger.Info().Str("name", name).Msg("plugin loaded")
	return nil
}

// LoadScript loads a JavaScript plugin file
func (m *Manager) LoadScript(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read plugin file: %w", err)
	}

	name := Slugify(strings.TrimSuffix(filepath.Base(path), ".js"))
	rt := NewRuntime(m.opts.Timeout, m.pluginLogger(name))

	m.mu.Lock()
	m.runtimes = append(m.runtimes, rt)
	m.mu.Unlock()

	return m.Load(ScriptPlugin(name, string(content), rt))
}

// LoadFromDirectory loads all .js plugins from a directory. A broken script
// is skipped; a method registered twice aborts loading.
func (m *Manager) LoadFromDirectory(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		m.logger.Warn().Str("directory", dir).Msg("plugins directory does not exist")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat plugins directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("plugins path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read plugins directory: %w", err)
	}

	loadedCount := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".js") {
			continue
		}

		if err := m.LoadScript(filepath.Join(dir, entry.Name())); err != nil {
			var dup *rpc.DuplicateMethodError
			if errors.As(err, &dup) {
				return err
			}
			m.logger.Error().
				Err(err).
				Str("file", entry.Name()).
				Msg("failed to load plugin")
			continue
		}
		loadedCount++
	}

	m.logger.Info().
		Int("loaded", loadedCount).
		Str("directory", dir).
		Msg("plugins loaded")

	return nil
}

// LoadAll loads the builtin plugins and then any scripts in dir, and fires
// PluginsLoaded once everything registered.
func (m *Manager) LoadAll(builtins []Plugin, dir string) error {
	for _, p := range builtins {
		if err := m.Load(p); err != nil {
			return err
		}
	}

	if dir != "" {
		if err := m.LoadFromDirectory(dir); err != nil {
			return err
		}
	}

	m.signals.PluginsLoaded.Fire()
	m.logger.Info().Int("methods", len(m.registry.ListMethods())).Msg("all plugins loaded")
	return nil
}

// Loaded returns the names of the loaded plugins
func (m *Manager) Loaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.loaded)
}

// Close aborts running script calls
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rt := range m.runtimes {
		rt.Interrupt(errShutdown)
	}
	m.logger.Info().Msg("plugin manager closed")
}
