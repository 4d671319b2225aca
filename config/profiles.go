package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DbProfile holds the credentials of one logical connection pool.
type DbProfile struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SslMode  string `yaml:"sslmode"`
	// For the sqlite interface, the database file.
	Path string `yaml:"path"`
}

// LoadProfile reads <db.profilePath>/<name>.yaml.
func (c *Config) LoadProfile(name string) (DbProfile, error) {
	path := filepath.Join(c.Db.ProfilePath, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return DbProfile{}, fmt.Errorf("%w: cannot read db profile %s: %v", ErrBadConfig, path, err)
	}

	profile := DbProfile{Host: "localhost", Port: 5432, Database: "gavo", SslMode: "disable"}
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return DbProfile{}, fmt.Errorf("%w: cannot parse db profile %s: %v", ErrBadConfig, path, err)
	}
	return profile, nil
}

// DSN renders the profile as a connection string for the configured
// database interface.
func (p DbProfile) DSN(iface string) string {
	if iface == "sqlite" {
		return fmt.Sprintf("file:%s?_busy_timeout=5000", p.Path)
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: "sslmode=" + p.SslMode,
	}
	return u.String()
}
