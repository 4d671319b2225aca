package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

var ErrBadConfig = errors.New("bad configuration")

type WebConfig struct {
	ServerURL     string `yaml:"serverURL"`
	BindAddress   string `yaml:"bindAddress"`
	ServerPort    int    `yaml:"serverPort"`
	User          string `yaml:"user"`
	AdminPasswd   string `yaml:"adminpasswd"`
	SqlTimeout    int    `yaml:"sqlTimeout"`
	MaxUploadSize int64  `yaml:"maxUploadSize"`
	JwtSecret     string `yaml:"jwtSecret"`

	CorsOrigins   []string `yaml:"corsOrigins"`
	PageCache     string   `yaml:"pageCache"`
	RedisAddr     string   `yaml:"redisAddr"`
	MemcachedAddr string   `yaml:"memcachedAddr"`
	TraceFile     string   `yaml:"traceFile"`
	// Async job creations per minute and client address.
	JobCreationRate int `yaml:"jobCreationRate"`
}

type AsyncConfig struct {
	MaxTAPRunning   int `yaml:"maxTAPRunning"`
	DefaultExecTime int `yaml:"defaultExecTime"`
	DefaultLifetime int `yaml:"defaultLifetime"`
	DefaultMAXREC   int `yaml:"defaultMAXREC"`
	HardMAXREC      int `yaml:"hardMAXREC"`
	// Seconds the quote assumes per queued job.
	EstTimePerJob int    `yaml:"estTimePerJob"`
	WorkerPath    string `yaml:"workerPath"`
}

type IvoaConfig struct {
	Authority          string `yaml:"authority"`
	DalDefaultLimit    int    `yaml:"dalDefaultLimit"`
	DalHardLimit       int    `yaml:"dalHardLimit"`
	OaipmhPageSize     int    `yaml:"oaipmhPageSize"`
	VotDefaultEncoding string `yaml:"votDefaultEncoding"`
	RegistryName       string `yaml:"registryName"`
	AdminEmail         string `yaml:"adminEmail"`
}

type DbConfig struct {
	Interface     string   `yaml:"interface"`
	ProfilePath   string   `yaml:"profilePath"`
	Maintainers   string   `yaml:"maintainers"`
	QueryProfiles string   `yaml:"queryProfiles"`
	AdqlProfiles  string   `yaml:"adqlProfiles"`
	DefaultLimit  int      `yaml:"defaultLimit"`
	ExtraSchemas  []string `yaml:"extraSchemas"`
}

// Config is built once at startup and never modified afterwards.
type Config struct {
	RootDir   string `yaml:"rootDir"`
	InputsDir string `yaml:"inputsDir"`
	CacheDir  string `yaml:"cacheDir"`
	LogDir    string `yaml:"logDir"`
	TempDir   string `yaml:"tempDir"`
	WebDir    string `yaml:"webDir"`
	StateDir  string `yaml:"stateDir"`
	UwsWD     string `yaml:"uwsWD"`

	Web   WebConfig   `yaml:"web"`
	Async AsyncConfig `yaml:"async"`
	Ivoa  IvoaConfig  `yaml:"ivoa"`
	Db    DbConfig    `yaml:"db"`
}

// Environment overrides for the configuration file locations.
type Environment struct {
	Settings  string `env:"GAVOSETTINGS" envDefault:"/etc/gavo.yaml"`
	Custom    string `env:"GAVOCUSTOM"`
	InputsDir string `env:"GAVO_INPUTSDIR"`
}

func LoadEnvironment() (Environment, error) {
	var e Environment
	if err := env.Parse(&e); err != nil {
		return e, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	return e, nil
}

func Default() Config {
	return Config{
		RootDir: "/var/gavo",
		Web: WebConfig{
			ServerURL:       "http://localhost:8080",
			BindAddress:     "127.0.0.1",
			ServerPort:      8080,
			User:            "gavo",
			SqlTimeout:      15,
			MaxUploadSize:   20_000_000,
			PageCache:       "memory",
			JobCreationRate: 60,
		},
		Async: AsyncConfig{
			MaxTAPRunning:   2,
			DefaultExecTime: 3600,
			DefaultLifetime: 7 * 24 * 3600,
			DefaultMAXREC:   20000,
			HardMAXREC:      20_000_000,
			EstTimePerJob:   600,
			WorkerPath:      "uws_worker",
		},
		Ivoa: IvoaConfig{
			Authority:          "x-unregistred",
			DalDefaultLimit:    10000,
			DalHardLimit:       1_000_000,
			OaipmhPageSize:     500,
			VotDefaultEncoding: "binary",
			RegistryName:       "Unnamed data center",
		},
		Db: DbConfig{
			Interface:     "postgres",
			Maintainers:   "admin",
			QueryProfiles: "trustedquery",
			AdqlProfiles:  "untrustedquery",
			DefaultLimit:  100,
		},
	}
}

func (c *Config) fillPaths() {
	def := func(p *string, sub string) {
		if *p == "" {
			*p = filepath.Join(c.RootDir, sub)
		}
	}
	def(&c.InputsDir, "inputs")
	def(&c.CacheDir, "cache")
	def(&c.LogDir, "logs")
	def(&c.TempDir, "tmp")
	def(&c.WebDir, "web")
	def(&c.StateDir, "state")
	def(&c.UwsWD, "state/uwsjobs")
	if c.Db.ProfilePath == "" {
		c.Db.ProfilePath = filepath.Join(c.RootDir, "etc")
	}
}

func (c *Config) Validate() error {
	var problems []string

	if !strings.HasPrefix(c.Web.ServerURL, "http://") && !strings.HasPrefix(c.Web.ServerURL, "https://") {
		problems = append(problems, fmt.Sprintf("web.serverURL '%s' is not an http(s) URL", c.Web.ServerURL))
	}
	if c.Web.ServerPort <= 0 || c.Web.ServerPort > 65535 {
		problems = append(problems, fmt.Sprintf("web.serverPort %d is out of range", c.Web.ServerPort))
	}
	if c.Web.MaxUploadSize <= 0 {
		problems = append(problems, "web.maxUploadSize must be positive")
	}
	switch c.Web.PageCache {
	case "memory", "redis", "memcached", "none":
	default:
		problems = append(problems, fmt.Sprintf("web.pageCache '%s' must be one of memory, redis, memcached, none", c.Web.PageCache))
	}
	if c.Web.PageCache == "redis" && c.Web.RedisAddr == "" {
		problems = append(problems, "web.redisAddr is required for the redis page cache")
	}
	if c.Web.PageCache == "memcached" && c.Web.MemcachedAddr == "" {
		problems = append(problems, "web.memcachedAddr is required for the memcached page cache")
	}
	if c.Async.MaxTAPRunning < 1 {
		problems = append(problems, "async.maxTAPRunning must be at least 1")
	}
	if c.Async.DefaultMAXREC > c.Async.HardMAXREC {
		problems = append(problems, "async.defaultMAXREC exceeds async.hardMAXREC")
	}
	if c.Ivoa.DalDefaultLimit > c.Ivoa.DalHardLimit {
		problems = append(problems, "ivoa.dalDefaultLimit exceeds ivoa.dalHardLimit")
	}
	if c.Ivoa.VotDefaultEncoding != "binary" && c.Ivoa.VotDefaultEncoding != "td" && c.Ivoa.VotDefaultEncoding != "binary2" {
		problems = append(problems, fmt.Sprintf("ivoa.votDefaultEncoding '%s' must be binary or td", c.Ivoa.VotDefaultEncoding))
	}
	if c.Db.Interface != "postgres" && c.Db.Interface != "sqlite" {
		problems = append(problems, fmt.Sprintf("db.interface '%s' must be postgres or sqlite", c.Db.Interface))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrBadConfig, strings.Join(problems, "; "))
	}
	return nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: cannot read %s: %v", ErrBadConfig, path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: cannot parse %s: %v", ErrBadConfig, path, err)
	}
	return nil
}

// Load reads the settings file named by the environment (a missing
// default file just yields the defaults), the GAVOCUSTOM overlay, and
// applies the remaining environment overrides.
func Load(e Environment) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(e.Settings); err == nil {
		if err := mergeFile(&cfg, e.Settings); err != nil {
			return nil, err
		}
	} else if e.Settings != "/etc/gavo.yaml" {
		return nil, fmt.Errorf("%w: settings file %s: %v", ErrBadConfig, e.Settings, err)
	} else {
		slog.Info("no settings file found, using defaults", "path", e.Settings)
	}

	if e.Custom != "" {
		if err := mergeFile(&cfg, e.Custom); err != nil {
			return nil, err
		}
	}

	if e.InputsDir != "" {
		cfg.InputsDir = e.InputsDir
	}

	cfg.fillPaths()
	cfg.Web.ServerURL = strings.TrimRight(cfg.Web.ServerURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv is Load with the process environment.
func LoadFromEnv() (*Config, error) {
	e, err := LoadEnvironment()
	if err != nil {
		return nil, err
	}
	return Load(e)
}

func (c *Config) SqlTimeout() time.Duration {
	return time.Duration(c.Web.SqlTimeout) * time.Second
}

func (c *Config) DefaultExecTime() time.Duration {
	return time.Duration(c.Async.DefaultExecTime) * time.Second
}

func (c *Config) DefaultLifetime() time.Duration {
	return time.Duration(c.Async.DefaultLifetime) * time.Second
}

// MakeURL turns a server-relative path into an absolute URL.
func (c *Config) MakeURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.Web.ServerURL + "/" + strings.TrimLeft(path, "/")
}

// Get looks up an option by section and name as used by the getConfig
// RD macro.
func (c *Config) Get(section, name string) (string, bool) {
	key := strings.ToLower(section + "." + name)
	values := map[string]any{
		".rootdir":                c.RootDir,
		".inputsdir":              c.InputsDir,
		".cachedir":               c.CacheDir,
		".logdir":                 c.LogDir,
		".tempdir":                c.TempDir,
		".webdir":                 c.WebDir,
		".statedir":               c.StateDir,
		".uwswd":                  c.UwsWD,
		"web.serverurl":           c.Web.ServerURL,
		"web.bindaddress":         c.Web.BindAddress,
		"web.serverport":          c.Web.ServerPort,
		"web.sqltimeout":          c.Web.SqlTimeout,
		"web.maxuploadsize":       c.Web.MaxUploadSize,
		"async.maxtaprunning":     c.Async.MaxTAPRunning,
		"async.defaultexectime":   c.Async.DefaultExecTime,
		"async.defaultlifetime":   c.Async.DefaultLifetime,
		"async.defaultmaxrec":     c.Async.DefaultMAXREC,
		"async.hardmaxrec":        c.Async.HardMAXREC,
		"ivoa.authority":          c.Ivoa.Authority,
		"ivoa.daldefaultlimit":    c.Ivoa.DalDefaultLimit,
		"ivoa.dalhardlimit":       c.Ivoa.DalHardLimit,
		"ivoa.oaipmhpagesize":     c.Ivoa.OaipmhPageSize,
		"ivoa.votdefaultencoding": c.Ivoa.VotDefaultEncoding,
		"ivoa.registryname":       c.Ivoa.RegistryName,
		"ivoa.adminemail":         c.Ivoa.AdminEmail,
		"db.interface":            c.Db.Interface,
		"db.defaultlimit":         c.Db.DefaultLimit,
		"db.queryprofiles":        c.Db.QueryProfiles,
		"db.adqlprofiles":         c.Db.AdqlProfiles,
		"db.maintainers":          c.Db.Maintainers,
	}
	v, ok := values[key]
	if !ok {
		return "", false
	}
	return fmt.Sprint(v), true
}
