package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/stanza-tools/stanza/pkg/engine"
)

// CandidateFiles are the project file names looked up in the project root, in order.
var CandidateFiles = []string{"stanza.yaml", "stanza.yml", "stanza.toml", "stanza.cue"}

const (
	// EnvHost overrides ProjectConfig.Host.
	EnvHost = "SERVER_HOST"

	// EnvClientDevServerPort overrides ProjectConfig.ClientDevServerPort.
	EnvClientDevServerPort = "CLIENT_DEVSERVER_PORT"

	// DotEnvFile is the optional environment file in the project root.
	DotEnvFile = ".env"
)

// Loader reads project configuration files.
type Loader struct {
	mu       sync.Mutex
	cache    map[string]cachedFile
	validate *validator.Validate
	logger   zerolog.Logger
}

type cachedFile struct {
	modTime time.Time
	data    []byte
}

// NewLoader creates a new configuration loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		cache:    make(map[string]cachedFile),
		validate: validator.New(),
		logger:   logger.With().Str("component", "config-loader").Logger(),
	}
}

// Discover returns the project file in root, or an empty string if none exists.
func Discover(root string) string {
	for _, name := range CandidateFiles {
		p := filepath.Join(root, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// Load reads, resolves and validates the project configuration. An empty
// path discovers the project file in root; when none exists the defaults
// are used.
func (l *Loader) Load(ctx context.Context, root, path string) (*ProjectConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, engine.NewConfigurationError("invalid project root", err)
	}

	if path == "" {
		path = Discover(absRoot)
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(absRoot, path)
	}

	cfg := Default()
	cfg.Root = absRoot

	if path != "" {
		if err := l.decodeFile(path, cfg); err != nil {
			return nil, err
		}
		cfg.Source = path
	}

	env, err := readDotEnv(absRoot)
	if err != nil {
		return nil, err
	}

	if err := applyEnv(cfg, env); err != nil {
		return nil, err
	}

	resolve(cfg)

	if err := l.Validate(cfg); err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("source", cfg.Source).
		Strs("bundles", cfg.BundleNames()).
		Msg("Configuration loaded")

	return cfg, nil
}

// Invalidate drops cached file contents so the next Load reads from disk.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]cachedFile)
}

// Validate checks structural constraints of a resolved configuration.
func (l *Loader) Validate(cfg *ProjectConfig) error {
	if err := l.validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return describeValidation(cfg, verrs[0])
		}
		return engine.NewConfigurationError("invalid configuration", err)
	}
	return nil
}

// ValidateDescriptor checks structural constraints of a single descriptor.
func (l *Loader) ValidateDescriptor(d engine.BundleDescriptor) error {
	return ValidateDescriptor(l.validate, d)
}

// ValidateDescriptor checks a descriptor with the given validator.
func ValidateDescriptor(v *validator.Validate, d engine.BundleDescriptor) error {
	if err := v.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return engine.NewConfigurationError(
				fmt.Sprintf("field %s failed %q validation", fieldPath(fe), fe.Tag()), nil).
				WithBundle(d.Name)
		}
		return engine.NewConfigurationError("invalid bundle descriptor", err).WithBundle(d.Name)
	}
	return nil
}

func (l *Loader) decodeFile(path string, cfg *ProjectConfig) error {
	data, err := l.readFile(path)
	if err != nil {
		return engine.NewConfigurationError("failed to read configuration", err).WithOperation("load")
	}

	// Declared bundles replace the defaults wholesale.
	cfg.Bundles = nil

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		_, err = toml.Decode(string(data), cfg)
	case ".cue":
		err = decodeCUE(path, data, cfg)
	default:
		err = fmt.Errorf("unsupported configuration format %q", filepath.Ext(path))
	}
	if err != nil {
		return engine.NewConfigurationError(fmt.Sprintf("failed to parse %s", filepath.Base(path)), err).
			WithOperation("load")
	}

	if cfg.Bundles == nil {
		cfg.Bundles = DefaultBundles()
	}
	return nil
}

func (l *Loader) readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if cached, ok := l.cache[path]; ok && cached.modTime.Equal(info.ModTime()) {
		return cached.data, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	l.cache[path] = cachedFile{modTime: info.ModTime(), data: data}
	return data, nil
}

// readDotEnv reads the project .env file. Variables already set in the
// process environment take precedence.
func readDotEnv(root string) (map[string]string, error) {
	values, err := godotenv.Read(filepath.Join(root, DotEnvFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			values = map[string]string{}
		} else {
			return nil, engine.NewConfigurationError("failed to read .env", err)
		}
	}

	for _, key := range []string{EnvHost, EnvClientDevServerPort} {
		if v, ok := os.LookupEnv(key); ok {
			values[key] = v
		}
	}
	return values, nil
}

func applyEnv(cfg *ProjectConfig, env map[string]string) error {
	if host := strings.TrimSpace(env[EnvHost]); host != "" {
		cfg.Host = host
	}
	if raw := strings.TrimSpace(env[EnvClientDevServerPort]); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return engine.NewConfigurationError(
				fmt.Sprintf("%s must be a port number", EnvClientDevServerPort), err)
		}
		cfg.ClientDevServerPort = port
	}
	return nil
}

// resolve fills bundle names, makes paths absolute and assigns peers.
func resolve(cfg *ProjectConfig) {
	cfg.PublicAssetsPath = absPath(cfg.Root, cfg.PublicAssetsPath)
	cfg.BuildOutputPath = absPath(cfg.Root, cfg.BuildOutputPath)
	if cfg.Plugins.EnvConfig != "" {
		cfg.Plugins.EnvConfig = absPath(cfg.Root, cfg.Plugins.EnvConfig)
	}

	var browsers []string
	for name, d := range cfg.Bundles {
		if d.Target.IsBrowser() {
			browsers = append(browsers, name)
		}
	}

	for name, d := range cfg.Bundles {
		d.Name = name
		d.EntryPath = absPath(cfg.Root, d.EntryPath)
		d.OutputPath = absPath(cfg.Root, d.OutputPath)
		if d.Target == engine.TargetRuntime && d.Peer == "" && len(browsers) == 1 {
			d.Peer = browsers[0]
		}
		cfg.Bundles[name] = d
	}
}

func absPath(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

func describeValidation(cfg *ProjectConfig, fe validator.FieldError) error {
	err := engine.NewConfigurationError(
		fmt.Sprintf("field %s failed %q validation", fieldPath(fe), fe.Tag()), nil)

	// Namespace looks like ProjectConfig.Bundles[client].EntryPath.
	ns := fe.Namespace()
	if start := strings.Index(ns, "Bundles["); start >= 0 {
		rest := ns[start+len("Bundles["):]
		if end := strings.Index(rest, "]"); end >= 0 {
			if _, ok := cfg.Bundles[rest[:end]]; ok {
				err = err.WithBundle(rest[:end])
			}
		}
	}
	return err
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
