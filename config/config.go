// Package config handles stackjit.toml configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "stackjit.toml"

// Config represents a stackjit.toml file.
type Config struct {
	JIT         JIT         `toml:"jit"`
	Log         Log         `toml:"log"`
	Interpreter Interpreter `toml:"interpreter"`

	// Dir is the directory containing the stackjit.toml file (set at load
	// time). Empty for Default.
	Dir string `toml:"-"`
}

// JIT configures the compiler runtime.
type JIT struct {
	Enabled      bool   `toml:"enabled"`
	Template     string `toml:"template"`
	SaveTemplate string `toml:"save-template"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Interpreter configures the host interpreter.
type Interpreter struct {
	InlineCalls bool `toml:"inline-calls"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		JIT: JIT{
			Enabled:  true,
			Template: "module_template.sjt",
		},
		Log: Log{Verbosity: 1},
	}
}

// Load parses a stackjit.toml file from the given directory. Keys missing
// from the file keep their default values.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a stackjit.toml file, then
// loads it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Resolve returns path relative to the configuration's directory. Absolute
// paths and configurations without a directory leave path unchanged.
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.Dir == "" {
		return path
	}
	return filepath.Join(c.Dir, path)
}

// TemplatePath returns the template image path.
func (c *Config) TemplatePath() string { return c.Resolve(c.JIT.Template) }

// SaveTemplatePath returns the path the module is saved to at shutdown, or
// "" when saving is disabled.
func (c *Config) SaveTemplatePath() string { return c.Resolve(c.JIT.SaveTemplate) }

// LogFile returns the log file path, or nil to log to stderr.
func (c *Config) LogFile() *string {
	if c.Log.File == "" {
		return nil
	}
	path := c.Resolve(c.Log.File)
	return &path
}
