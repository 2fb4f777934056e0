package swcache

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultManifest is the app shell stored into the static generation at
// install time.
var DefaultManifest = []string{
	"/",
	"/index.html",
	"/favicon.ico",
	"/favicon.svg",
	"/manifest.json",
}

type Config struct {
	Server struct {
		Port    int    `yaml:"port"`
		Origin  string `yaml:"origin"`
		Timeout string `yaml:"timeout"`

		timeoutDur time.Duration
		originURL  *url.URL
	} `yaml:"server"`

	Cache struct {
		Version       string   `yaml:"version"`
		StaticPrefix  string   `yaml:"staticPrefix"`
		DynamicPrefix string   `yaml:"dynamicPrefix"`
		Legacy        []string `yaml:"legacy"`
	} `yaml:"cache"`

	Install struct {
		Manifest []string `yaml:"manifest"`
		Sitemaps []string `yaml:"sitemaps"`
		// RetryEvery reinstalls a redundant service; "0" disables the loop.
		RetryEvery string `yaml:"retryEvery"`

		retryEveryDur time.Duration
	} `yaml:"install"`

	Storage StorageConfig `yaml:"storage"`

	Lifecycle struct {
		SkipWaiting *bool `yaml:"skipWaiting"`
	} `yaml:"lifecycle"`

	Push struct {
		ExploreRoute string `yaml:"exploreRoute"`
		MaxPending   int    `yaml:"maxPending"`
	} `yaml:"push"`

	Sync struct {
		Tags       []string `yaml:"tags"`
		CheckEvery string   `yaml:"checkEvery"`

		checkEveryDur time.Duration
	} `yaml:"sync"`

	Logging struct {
		Level      string `yaml:"level"`
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`

	Metrics struct {
		Path string `yaml:"path"`
	} `yaml:"metrics"`

	Rules []Rule `yaml:"rules"`
}

type StorageConfig struct {
	// Backend is one of memory, leveldb, redis, layered.
	Backend string `yaml:"backend"`
	// WriteTimeout bounds a single cache write on the response path.
	WriteTimeout string `yaml:"writeTimeout"`

	RAM struct {
		Max string `yaml:"max"`
	} `yaml:"ram"`
	LevelDB struct {
		Path string `yaml:"path"`
	} `yaml:"leveldb"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`

	ramMax          int64
	writeTimeoutDur time.Duration
}

// Rule forces the request class for matching paths.
type Rule struct {
	Match    string `yaml:"match"`
	Priority int    `yaml:"priority"`
	// Class is one of document, static, other, bypass.
	Class string `yaml:"class"`

	matchers []pathPrefixMatcher
	class    Class
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, fills defaults and validates.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.origin: invalid url %q", cfg.Server.Origin)
	}
	cfg.Server.originURL = u
	if cfg.Server.Timeout == "" {
		cfg.Server.Timeout = "30s"
	}
	if cfg.Server.timeoutDur, err = time.ParseDuration(cfg.Server.Timeout); err != nil {
		return fmt.Errorf("server.timeout: %w", err)
	}

	if cfg.Cache.Version == "" {
		cfg.Cache.Version = "v1"
	}
	if cfg.Cache.StaticPrefix == "" {
		cfg.Cache.StaticPrefix = "static"
	}
	if cfg.Cache.DynamicPrefix == "" {
		cfg.Cache.DynamicPrefix = "dynamic"
	}
	if cfg.Cache.Legacy == nil {
		cfg.Cache.Legacy = []string{"multilearn-v1"}
	}
	if cfg.StaticCacheName() == cfg.DynamicCacheName() {
		return fmt.Errorf("cache: static and dynamic generation names must differ")
	}

	if len(cfg.Install.Manifest) == 0 {
		cfg.Install.Manifest = append([]string(nil), DefaultManifest...)
	}
	for i, p := range cfg.Install.Manifest {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("install.manifest[%d]: %q is not root-relative", i, p)
		}
	}

	if cfg.Install.RetryEvery == "" {
		cfg.Install.RetryEvery = "30s"
	}
	if cfg.Install.retryEveryDur, err = time.ParseDuration(cfg.Install.RetryEvery); err != nil {
		return fmt.Errorf("install.retryEvery: %w", err)
	}

	if err := cfg.Storage.normalize(); err != nil {
		return err
	}

	if cfg.Lifecycle.SkipWaiting == nil {
		skip := true
		cfg.Lifecycle.SkipWaiting = &skip
	}

	if cfg.Push.ExploreRoute == "" {
		cfg.Push.ExploreRoute = "/courses"
	}
	if cfg.Push.MaxPending <= 0 {
		cfg.Push.MaxPending = 100
	}

	if cfg.Sync.Tags == nil {
		cfg.Sync.Tags = []string{"sync-data"}
	}
	if cfg.Sync.CheckEvery != "" {
		if cfg.Sync.checkEveryDur, err = time.ParseDuration(cfg.Sync.CheckEvery); err != nil {
			return fmt.Errorf("sync.checkEvery: %w", err)
		}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.StatsEvery != "" {
		if cfg.Logging.statsEveryDur, err = time.ParseDuration(cfg.Logging.StatsEvery); err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = adminPrefix + "metrics"
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		c, err := parseClass(r.Class)
		if err != nil {
			return fmt.Errorf("rules[%d].class: %w", i, err)
		}
		r.class = c
	}
	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})
	return nil
}

func (sc *StorageConfig) normalize() error {
	if sc.Backend == "" {
		sc.Backend = "memory"
	}
	switch sc.Backend {
	case "memory", "leveldb", "redis", "layered":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", sc.Backend)
	}
	if sc.RAM.Max == "" {
		sc.RAM.Max = "64mb"
	}
	n, err := parseBytes(sc.RAM.Max)
	if err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	sc.ramMax = n
	if sc.LevelDB.Path == "" {
		sc.LevelDB.Path = "./data/leveldb"
	}
	if sc.Backend == "redis" && sc.Redis.Addr == "" {
		return fmt.Errorf("storage.redis.addr is required for the redis backend")
	}
	if sc.WriteTimeout == "" {
		sc.WriteTimeout = "2s"
	}
	if sc.writeTimeoutDur, err = time.ParseDuration(sc.WriteTimeout); err != nil {
		return fmt.Errorf("storage.writeTimeout: %w", err)
	}
	return nil
}

// StaticCacheName is the current shell generation, e.g. static-v1.
func (cfg Config) StaticCacheName() string {
	return cfg.Cache.StaticPrefix + "-" + cfg.Cache.Version
}

// DynamicCacheName is the current runtime generation, e.g. dynamic-v1.
func (cfg Config) DynamicCacheName() string {
	return cfg.Cache.DynamicPrefix + "-" + cfg.Cache.Version
}

func (cfg Config) isLegacy(name string) bool {
	for _, l := range cfg.Cache.Legacy {
		if l == name {
			return true
		}
	}
	return false
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	var out []pathPrefixMatcher
	for _, p := range strings.Split(expr, "|") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		inside, ok := strings.CutPrefix(p, "PathPrefix(")
		if !ok || !strings.HasSuffix(inside, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside = strings.TrimSpace(strings.TrimSuffix(inside, ")"))
		if !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}
