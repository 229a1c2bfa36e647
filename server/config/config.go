// Copyright 2016 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap-incubator/timelock/pkg/typeutil"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the timelock server configuration.
type Config struct {
	*flag.FlagSet `json:"-"`

	Version bool `json:"-"`

	ConfigCheck bool `json:"-"`

	ClientUrls          string `toml:"client-urls" json:"client-urls"`
	AdvertiseClientUrls string `toml:"advertise-client-urls" json:"advertise-client-urls"`

	Name    string `toml:"name" json:"name"`
	DataDir string `toml:"data-dir" json:"data-dir"`

	// InitialCluster lists every replica as name=advertise-client-url.
	// Replica ids are assigned by sorting the names, so every replica must
	// be started with the same set.
	InitialCluster string `toml:"initial-cluster" json:"initial-cluster"`

	// ConfigReloadInterval is how often the config file is re-read for
	// runtime changes. Zero disables reloading.
	ConfigReloadInterval typeutil.Duration `toml:"config-reload-interval" json:"config-reload-interval"`

	// Log related config.
	Log log.Config `toml:"log" json:"log"`

	Paxos PaxosConfig `toml:"paxos" json:"paxos"`

	QoS QoSConfig `toml:"qos" json:"qos"`

	Lock LockConfig `toml:"lock" json:"lock"`

	Timestamp TimestampConfig `toml:"timestamp" json:"timestamp"`

	Security SecurityConfig `toml:"security" json:"security"`

	configFile string

	// For all warnings during parsing.
	WarningMsgs []string

	logger   *zap.Logger
	logProps *log.ZapProperties
}

// NewConfig creates a new config.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.FlagSet = flag.NewFlagSet("timelock", flag.ContinueOnError)
	fs := cfg.FlagSet

	fs.BoolVar(&cfg.Version, "V", false, "print version information and exit")
	fs.BoolVar(&cfg.Version, "version", false, "print version information and exit")
	fs.StringVar(&cfg.configFile, "config", "", "Config file")
	fs.BoolVar(&cfg.ConfigCheck, "config-check", false, "check config file validity and exit")

	fs.StringVar(&cfg.Name, "name", "", "human-readable name for this timelock replica")

	fs.StringVar(&cfg.DataDir, "data-dir", "", "path to the data directory (default 'default.${name}')")
	fs.StringVar(&cfg.ClientUrls, "client-urls", defaultClientUrls, "url for client and peer traffic")
	fs.StringVar(&cfg.AdvertiseClientUrls, "advertise-client-urls", "", "advertise url for client traffic (default '${client-urls}')")
	fs.StringVar(&cfg.InitialCluster, "initial-cluster", "", "replicas of the cluster, e.g. t1=http://127.0.0.1:8421,t2=http://127.0.0.1:8422")

	fs.StringVar(&cfg.Log.Level, "L", "", "log level: debug, info, warn, error, fatal (default 'info')")
	fs.StringVar(&cfg.Log.File.Filename, "log-file", "", "log file path")

	fs.StringVar(&cfg.Security.CAPath, "cacert", "", "Path of file that contains list of trusted TLS CAs")
	fs.StringVar(&cfg.Security.CertPath, "cert", "", "Path of file that contains X509 certificate in PEM format")
	fs.StringVar(&cfg.Security.KeyPath, "key", "", "Path of file that contains X509 key in PEM format")

	return cfg
}

const (
	defaultName       = "timelock"
	defaultClientUrls = "http://127.0.0.1:8421"

	defaultConfigReloadInterval = 5 * time.Second

	defaultPingRate               = 5000 * time.Millisecond
	defaultRandomProposalDelay    = 1000 * time.Millisecond
	defaultLeaderPingResponseWait = 5000 * time.Millisecond

	defaultMaxBackoffSleep = 10 * time.Second

	defaultLockLease          = 20 * time.Second
	defaultMaxAcquireTimeout  = 5 * time.Minute
	defaultTimestampBoundStep = int64(1000000)
)

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustInt64(v *int64, defValue int64) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustDuration(v *typeutil.Duration, defValue time.Duration) {
	if v.Duration == 0 {
		v.Duration = defValue
	}
}

// Parse parses flag definitions from the argument list.
func (c *Config) Parse(arguments []string) error {
	// Parse first to get config file.
	err := c.FlagSet.Parse(arguments)
	if err != nil {
		return errors.WithStack(err)
	}

	// Load config file if specified.
	var meta *toml.MetaData
	if c.configFile != "" {
		meta, err = c.configFromFile(c.configFile)
		if err != nil {
			return err
		}
	}

	// Parse again to replace with command line options.
	err = c.FlagSet.Parse(arguments)
	if err != nil {
		return errors.WithStack(err)
	}

	if len(c.FlagSet.Args()) != 0 {
		return errors.Errorf("'%s' is an invalid flag", c.FlagSet.Arg(0))
	}

	err = c.Adjust(meta)
	return err
}

// Validate is used to validate if some configurations are right.
func (c *Config) Validate() error {
	dataDir, err := filepath.Abs(c.DataDir)
	if err != nil {
		return errors.WithStack(err)
	}
	logFile, err := filepath.Abs(c.Log.File.Filename)
	if err != nil {
		return errors.WithStack(err)
	}
	rel, err := filepath.Rel(dataDir, filepath.Dir(logFile))
	if err != nil {
		return errors.WithStack(err)
	}
	if !strings.HasPrefix(rel, "..") {
		return errors.New("log directory shouldn't be the subdirectory of data directory")
	}
	if err := c.Paxos.Validate(); err != nil {
		return err
	}
	return c.QoS.Validate()
}

// Utility to test if a configuration is defined.
type configMetaData struct {
	meta *toml.MetaData
	path []string
}

func newConfigMetadata(meta *toml.MetaData) *configMetaData {
	return &configMetaData{meta: meta}
}

func (m *configMetaData) IsDefined(key string) bool {
	if m.meta == nil {
		return false
	}
	keys := append([]string(nil), m.path...)
	keys = append(keys, key)
	return m.meta.IsDefined(keys...)
}

func (m *configMetaData) Child(path ...string) *configMetaData {
	newPath := append([]string(nil), m.path...)
	newPath = append(newPath, path...)
	return &configMetaData{
		meta: m.meta,
		path: newPath,
	}
}

func (m *configMetaData) CheckUndecoded() error {
	if m.meta == nil {
		return nil
	}
	undecoded := m.meta.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	errInfo := "Config contains undefined item: "
	for _, key := range undecoded {
		errInfo += key.String() + ", "
	}
	return errors.New(errInfo[:len(errInfo)-2])
}

// Adjust is used to adjust the timelock configurations.
func (c *Config) Adjust(meta *toml.MetaData) error {
	configMetaData := newConfigMetadata(meta)
	if err := configMetaData.CheckUndecoded(); err != nil {
		c.WarningMsgs = append(c.WarningMsgs, err.Error())
	}

	if c.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return err
		}
		adjustString(&c.Name, fmt.Sprintf("%s-%s", defaultName, hostname))
	}
	adjustString(&c.DataDir, fmt.Sprintf("default.%s", c.Name))

	adjustString(&c.ClientUrls, defaultClientUrls)
	adjustString(&c.AdvertiseClientUrls, c.ClientUrls)

	if len(c.InitialCluster) == 0 {
		c.InitialCluster = fmt.Sprintf("%s=%s", c.Name, strings.Split(c.AdvertiseClientUrls, ",")[0])
	}

	if !configMetaData.IsDefined("config-reload-interval") {
		adjustDuration(&c.ConfigReloadInterval, defaultConfigReloadInterval)
	}

	c.Paxos.adjust()
	c.QoS.adjust(configMetaData.Child("qos"))
	c.Lock.adjust()
	adjustInt64(&c.Timestamp.BoundStep, defaultTimestampBoundStep)

	if err := c.Validate(); err != nil {
		return err
	}
	if _, err := c.Replicas(); err != nil {
		return err
	}
	return nil
}

// Clone returns a cloned configuration.
func (c *Config) Clone() *Config {
	cfg := &Config{}
	*cfg = *c
	return cfg
}

func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "<nil>"
	}
	return string(data)
}

// configFromFile loads config from file.
func (c *Config) configFromFile(path string) (*toml.MetaData, error) {
	meta, err := toml.DecodeFile(path, c)
	return &meta, errors.WithStack(err)
}

// ConfigFile returns the path the config was loaded from.
func (c *Config) ConfigFile() string {
	return c.configFile
}

// Runtime returns the live-reloadable part of the configuration.
func (c *Config) Runtime() *RuntimeConfig {
	return &RuntimeConfig{
		Paxos:    c.Paxos,
		QoS:      c.QoS,
		Lock:     c.Lock,
		Security: c.Security,
	}
}

// Replica is one member of the cluster.
type Replica struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Replicas parses InitialCluster. Ids start at 1 in name order.
func (c *Config) Replicas() ([]Replica, error) {
	items := strings.Split(c.InitialCluster, ",")
	replicas := make([]Replica, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		parts := strings.SplitN(strings.TrimSpace(item), "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, errors.Errorf("invalid initial-cluster item %q", item)
		}
		if _, ok := seen[parts[0]]; ok {
			return nil, errors.Errorf("duplicated replica name %q", parts[0])
		}
		seen[parts[0]] = struct{}{}
		if _, err := url.Parse(parts[1]); err != nil {
			return nil, errors.WithStack(err)
		}
		replicas = append(replicas, Replica{Name: parts[0], URL: strings.TrimSuffix(parts[1], "/")})
	}
	sort.Slice(replicas, func(i, j int) bool { return replicas[i].Name < replicas[j].Name })
	for i := range replicas {
		replicas[i].ID = uint64(i + 1)
	}
	if _, ok := seen[c.Name]; !ok {
		return nil, errors.Errorf("replica %q is not part of initial-cluster %q", c.Name, c.InitialCluster)
	}
	return replicas, nil
}

// PaxosConfig is the leader election timing configuration.
type PaxosConfig struct {
	// PingRate is how often the leader pings the other replicas, and how
	// often a follower checks whether it has heard from a leader.
	PingRate typeutil.Duration `toml:"ping-rate" json:"ping-rate"`
	// RandomProposalDelay bounds the random wait before a follower proposes
	// itself as leader.
	RandomProposalDelay typeutil.Duration `toml:"random-proposal-delay" json:"random-proposal-delay"`
	// LeaderPingResponseWait is how long a ping round may take before the
	// leader gives up on it and steps down.
	LeaderPingResponseWait typeutil.Duration `toml:"leader-ping-response-wait" json:"leader-ping-response-wait"`
}

func (c *PaxosConfig) adjust() {
	adjustDuration(&c.PingRate, defaultPingRate)
	adjustDuration(&c.RandomProposalDelay, defaultRandomProposalDelay)
	adjustDuration(&c.LeaderPingResponseWait, defaultLeaderPingResponseWait)
}

// Validate checks the timings.
func (c *PaxosConfig) Validate() error {
	if c.PingRate.Duration <= 0 {
		return errors.New("paxos ping-rate should be positive")
	}
	if c.LeaderPingResponseWait.Duration <= 0 {
		return errors.New("paxos leader-ping-response-wait should be positive")
	}
	if c.RandomProposalDelay.Duration < 0 {
		return errors.New("paxos random-proposal-delay should not be negative")
	}
	return nil
}

// QoSConfig is the admission control configuration. A non-positive
// capacity disables limiting for that class.
type QoSConfig struct {
	ReadBytesPerSecond  int64             `toml:"read-bytes-per-second" json:"read-bytes-per-second"`
	WriteBytesPerSecond int64             `toml:"write-bytes-per-second" json:"write-bytes-per-second"`
	MaxBackoffSleep     typeutil.Duration `toml:"max-backoff-sleep" json:"max-backoff-sleep"`
}

func (c *QoSConfig) adjust(meta *configMetaData) {
	if !meta.IsDefined("max-backoff-sleep") {
		adjustDuration(&c.MaxBackoffSleep, defaultMaxBackoffSleep)
	}
}

// Validate checks the sleep bound.
func (c *QoSConfig) Validate() error {
	if c.MaxBackoffSleep.Duration < 0 {
		return errors.New("qos max-backoff-sleep should not be negative")
	}
	return nil
}

// LockConfig is the lock service configuration.
type LockConfig struct {
	// Lease is how long granted locks live without a refresh.
	Lease typeutil.Duration `toml:"lease" json:"lease"`
	// MaxAcquireTimeout caps the acquire timeout of a lock request.
	MaxAcquireTimeout typeutil.Duration `toml:"max-acquire-timeout" json:"max-acquire-timeout"`
}

func (c *LockConfig) adjust() {
	adjustDuration(&c.Lease, defaultLockLease)
	adjustDuration(&c.MaxAcquireTimeout, defaultMaxAcquireTimeout)
}

// TimestampConfig is the timestamp oracle configuration.
type TimestampConfig struct {
	// BoundStep is how far past the highest issued timestamp the durable
	// upper bound is moved each time it runs out.
	BoundStep int64 `toml:"bound-step" json:"bound-step"`
}

// SecurityConfig is the configuration for supporting tls.
type SecurityConfig struct {
	// CAPath is the path of file that contains list of trusted SSL CAs. if set, following four settings shouldn't be empty
	CAPath string `toml:"cacert-path" json:"cacert-path"`
	// CertPath is the path of file that contains X509 certificate in PEM format.
	CertPath string `toml:"cert-path" json:"cert-path"`
	// KeyPath is the path of file that contains X509 key in PEM format.
	KeyPath string `toml:"key-path" json:"key-path"`
}

// ToTLSConfig generatres tls config.
func (s SecurityConfig) ToTLSConfig() (*tls.Config, error) {
	if len(s.CertPath) == 0 && len(s.KeyPath) == 0 {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(s.CertPath, s.KeyPath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if len(s.CAPath) != 0 {
		pem, err := os.ReadFile(s.CAPath)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in %s", s.CAPath)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// ParseUrls parse a string into multiple urls.
// Export for api.
func ParseUrls(s string) ([]url.URL, error) {
	items := strings.Split(s, ",")
	urls := make([]url.URL, 0, len(items))
	for _, item := range items {
		u, err := url.Parse(item)
		if err != nil {
			return nil, errors.WithStack(err)
		}

		urls = append(urls, *u)
	}

	return urls, nil
}

// SetupLogger setup the logger.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return err
	}
	c.logger = lg
	c.logProps = p
	return nil
}

// GetZapLogger gets the created zap logger.
func (c *Config) GetZapLogger() *zap.Logger {
	return c.logger
}

// GetZapLogProperties gets properties of the zap logger.
func (c *Config) GetZapLogProperties() *log.ZapProperties {
	return c.logProps
}
