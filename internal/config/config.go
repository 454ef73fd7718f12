// Package config loads the client's YAML configuration file, mirroring the
// teacher's flat Config/DefaultConfig/LoadConfig shape.
package config

import (
	"os"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"

	"github.com/ab0626/raincore/internal/core"
)

// Config is the client-wide configuration loaded from a YAML file on disk.
type Config struct {
	// Port is the TCP port peer connections are accepted on.
	Port uint16 `yaml:"port"`

	// DataDir is the default download directory, "~" expanded.
	DataDir string `yaml:"data_dir"`

	// Database is the path to the resume database, "~" expanded.
	Database string `yaml:"database"`

	MaxPeers                int           `yaml:"max_peers"`
	PipelineBudget          int           `yaml:"pipeline_budget"`
	UnchokedPeers           int           `yaml:"unchoked_peers"`
	OptimisticUnchokedPeers int           `yaml:"optimistic_unchoked_peers"`
	NumWant                 int           `yaml:"numwant"`
	UnchokeInterval         time.Duration `yaml:"unchoke_interval"`
	OptimisticUnchokeInterval time.Duration `yaml:"optimistic_unchoke_interval"`

	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	AnnounceTimeout  time.Duration `yaml:"announce_timeout"`
}

// DefaultConfig holds the values used for any field absent from the loaded
// YAML file.
var DefaultConfig = Config{
	Port:                      6881,
	DataDir:                   "~/raincore/downloads",
	Database:                  "~/raincore/resume.db",
	MaxPeers:                  50,
	PipelineBudget:            5,
	UnchokedPeers:             4,
	OptimisticUnchokedPeers:   1,
	NumWant:                   50,
	UnchokeInterval:           10 * time.Second,
	OptimisticUnchokeInterval: 30 * time.Second,
	ConnectTimeout:            10 * time.Second,
	HandshakeTimeout:          10 * time.Second,
	RequestTimeout:            30 * time.Second,
	AnnounceTimeout:           30 * time.Second,
}

// Load reads filename, overlaying its fields onto DefaultConfig. A missing
// file is not an error -- the defaults are returned as-is. Both DataDir
// and Database are "~"-expanded after load.
func Load(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return expand(&c)
	}
	if err != nil {
		return nil, core.Wrap(core.StorageIo, err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, core.Wrap(core.InvalidMetainfo, err)
	}
	return expand(&c)
}

func expand(c *Config) (*Config, error) {
	var err error
	c.DataDir, err = homedir.Expand(c.DataDir)
	if err != nil {
		return nil, core.Wrap(core.StorageIo, err)
	}
	c.Database, err = homedir.Expand(c.Database)
	if err != nil {
		return nil, core.Wrap(core.StorageIo, err)
	}
	return c, nil
}
