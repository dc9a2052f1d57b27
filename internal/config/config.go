// Package config loads the server's YAML configuration file into the
// port -> ServerConfig map that the reactor, router, and CGI subsystem read
// from for the lifetime of the process. The file is immutable once loaded;
// every consumer holds a read-only reference.
package config

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultClientMaxBodySize is used for any server block that does not set
// one explicitly.
const DefaultClientMaxBodySize = 1 << 20 // 1 MiB

// CGIRule maps a script extension to the interpreter used to run it.
type CGIRule struct {
	Extension   string `yaml:"extension"`
	Interpreter string `yaml:"interpreter"`
}

// ServerConfig is everything the router (E) and request handler (F) need for
// one listening port. Their matching and serving logic is out of scope here;
// this type only carries the data they consume.
type ServerConfig struct {
	Port              int               `yaml:"port"`
	Root              string            `yaml:"root"`
	ErrorPages        map[int]string    `yaml:"error_pages"`
	ClientMaxBodySize int64             `yaml:"client_max_body_size"`
	CGIRules          []CGIRule         `yaml:"cgi"`
	CGITimeout        int               `yaml:"cgi_timeout_seconds"`
	Index             string            `yaml:"index"`
	Headers           map[string]string `yaml:"headers"`
}

// file is the on-disk document shape: a flat list of server blocks, one per
// listening port.
type file struct {
	Servers []ServerConfig `yaml:"servers"`
}

// Config is the immutable, process-lifetime port -> ServerConfig map.
type Config struct {
	byPort map[int]*ServerConfig
}

// Lookup returns the ServerConfig registered for a port, or nil if the port
// was never configured (a defensive situation the orchestrator treats as a
// 500 — it should not happen after startup since the listener set is
// itself built from this map).
func (c *Config) Lookup(port int) *ServerConfig {
	return c.byPort[port]
}

// Ports returns every configured port, in no particular order.
func (c *Config) Ports() []int {
	ports := make([]int, 0, len(c.byPort))
	for p := range c.byPort {
		ports = append(ports, p)
	}
	return ports
}

// Load reads and parses the YAML config at path. A missing path is not an
// error only when path is empty, in which case a single-port default
// (port 8080, cwd as root, no CGI) is returned so the server remains
// runnable without a config file; an explicitly named but unreadable path is
// always an error, matching the process's fatal-startup exit code.
func Load(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "config file %s does not exist", path)
		}
		return nil, errors.Wrap(err, "unable to read config file")
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "unable to parse config file "+path)
	}
	return fromFile(f)
}

func fromFile(f file) (*Config, error) {
	byPort := make(map[int]*ServerConfig, len(f.Servers))
	for i := range f.Servers {
		sc := f.Servers[i]
		if sc.Port == 0 {
			return nil, errors.New("server block missing port")
		}
		if sc.ClientMaxBodySize == 0 {
			sc.ClientMaxBodySize = DefaultClientMaxBodySize
		}
		if sc.Root == "" {
			sc.Root = "."
		}
		if sc.CGITimeout == 0 {
			sc.CGITimeout = 30
		}
		abs, err := filepath.Abs(sc.Root)
		if err == nil {
			sc.Root = abs
		}
		byPort[sc.Port] = &sc
	}
	if len(byPort) == 0 {
		return nil, errors.New("config has no server blocks")
	}
	return &Config{byPort: byPort}, nil
}

func defaultConfig() *Config {
	root, _ := os.Getwd()
	sc := &ServerConfig{
		Port:              8080,
		Root:              root,
		ErrorPages:        map[int]string{},
		ClientMaxBodySize: DefaultClientMaxBodySize,
		CGITimeout:        30,
	}
	return &Config{byPort: map[int]*ServerConfig{sc.Port: sc}}
}
