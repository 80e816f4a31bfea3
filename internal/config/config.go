package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/splitrouter/splitrouter/internal/backend"
	"github.com/splitrouter/splitrouter/internal/route"
	"github.com/splitrouter/splitrouter/internal/router"
)

// Config is the top-level configuration for the router.
type Config struct {
	Listen  ListenConfig   `yaml:"listen"`
	Router  RouterConfig   `yaml:"router"`
	Backend BackendConfig  `yaml:"backend"`
	Servers []ServerConfig `yaml:"servers"`
	Masking MaskingConfig  `yaml:"masking"`
}

// ListenConfig defines the ports and bind addresses the router listens on.
type ListenConfig struct {
	MySQLPort           int    `yaml:"mysql_port"`
	APIPort             int    `yaml:"api_port"`
	APIBind             string `yaml:"api_bind"`
	APIKey              string `yaml:"api_key"`
	TLSCert             string `yaml:"tls_cert"`
	TLSKey              string `yaml:"tls_key"`
	MaxProxyConnections int    `yaml:"max_proxy_connections"`
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// RouterConfig is the YAML shape of a router session's frozen config
// snapshot (router.Config), expressed as plain strings/numbers so it can
// round-trip through YAML before being parsed and validated.
type RouterConfig struct {
	SlaveSelectionCriteria string  `yaml:"slave_selection_criteria"`
	MaxSlaveConnections    int     `yaml:"max_slave_connections"`
	MaxSlaveConnectionsPct float64 `yaml:"max_slave_connections_pct"`
	MaxSlaveReplicationLag float64 `yaml:"max_slave_replication_lag"`
	UseSQLVariablesIn      string  `yaml:"use_sql_variables_in"`
	MaxSescmdHistory       uint32  `yaml:"max_sescmd_history"`
	DisableSescmdHistory   bool    `yaml:"disable_sescmd_history"`
	MasterAcceptReads      bool    `yaml:"master_accept_reads"`
	StrictMultiStmt        bool    `yaml:"strict_multi_stmt"`
	MasterFailureMode      string  `yaml:"master_failure_mode"`
	RetryFailedReads       bool    `yaml:"retry_failed_reads"`
	ConnectionKeepalive    bool    `yaml:"connection_keepalive"`
}

// ToRouterConfig parses and validates rc into the frozen snapshot type a
// router.Session is constructed with.
func (rc RouterConfig) ToRouterConfig() (router.Config, error) {
	criterion, err := route.ParseCriterion(rc.SlaveSelectionCriteria)
	if err != nil {
		return router.Config{}, err
	}
	mode, err := router.ParseMasterFailureMode(rc.MasterFailureMode)
	if err != nil {
		return router.Config{}, err
	}
	useAll, err := parseUseSQLVariablesIn(rc.UseSQLVariablesIn)
	if err != nil {
		return router.Config{}, err
	}

	return router.Config{
		SlaveSelectionCriteria: criterion,
		MaxSlaveConnections:    rc.MaxSlaveConnections,
		MaxSlaveConnectionsPct: rc.MaxSlaveConnectionsPct,
		MaxSlaveReplicationLag: rc.MaxSlaveReplicationLag,
		UseSQLVariablesInAll:   useAll,
		MaxSescmdHistory:       rc.MaxSescmdHistory,
		DisableSescmdHistory:   rc.DisableSescmdHistory,
		MasterAcceptReads:      rc.MasterAcceptReads,
		StrictMultiStmt:        rc.StrictMultiStmt,
		MasterFailureMode:      mode,
		RetryFailedReads:       rc.RetryFailedReads,
		ConnectionKeepalive:    rc.ConnectionKeepalive,
	}, nil
}

func parseUseSQLVariablesIn(s string) (bool, error) {
	switch s {
	case "", "master":
		return false, nil
	case "all":
		return true, nil
	default:
		return false, fmt.Errorf("unknown use_sql_variables_in %q (must be master or all)", s)
	}
}

// BackendConfig holds the account the router uses to authenticate onto
// every backend server it dials.
type BackendConfig struct {
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Database    string        `yaml:"database"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Credentials converts the configured account to backend.Credentials.
func (bc BackendConfig) Credentials() backend.Credentials {
	return backend.Credentials{
		Username: bc.Username,
		Password: bc.Password,
		Database: bc.Database,
	}
}

// ServerConfig describes one physical backend server.
type ServerConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Role    string `yaml:"role"`
}

// ParseRole parses the role string into a backend.Role.
func (sc ServerConfig) ParseRole() (backend.Role, error) {
	switch sc.Role {
	case "master":
		return backend.RoleMaster, nil
	case "slave":
		return backend.RoleSlave, nil
	case "joined":
		return backend.RoleJoined, nil
	default:
		return 0, fmt.Errorf("server %q: unknown role %q (must be master, slave, or joined)", sc.Name, sc.Role)
	}
}

// Server converts sc into a backend.Server.
func (sc ServerConfig) Server() (backend.Server, error) {
	role, err := sc.ParseRole()
	if err != nil {
		return backend.Server{}, err
	}
	return backend.Server{Name: sc.Name, Address: sc.Address, Role: role}, nil
}

// MaskingConfig points at the declarative masking ruleset file.
type MaskingConfig struct {
	RulesFile string `yaml:"rules_file"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.MySQLPort == 0 {
		cfg.Listen.MySQLPort = 3307
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Listen.MaxProxyConnections == 0 {
		cfg.Listen.MaxProxyConnections = 10000
	}
	if cfg.Backend.DialTimeout == 0 {
		cfg.Backend.DialTimeout = 5 * time.Second
	}
	if cfg.Router.MaxSescmdHistory == 0 {
		cfg.Router.MaxSescmdHistory = 100
	}
}

func validate(cfg *Config) error {
	if cfg.Listen.MySQLPort < 1 || cfg.Listen.MySQLPort > 65535 {
		return fmt.Errorf("listen.mysql_port out of range: %d", cfg.Listen.MySQLPort)
	}
	if cfg.Listen.APIPort < 1 || cfg.Listen.APIPort > 65535 {
		return fmt.Errorf("listen.api_port out of range: %d", cfg.Listen.APIPort)
	}

	if _, err := cfg.Router.ToRouterConfig(); err != nil {
		return err
	}

	seen := make(map[string]bool)
	haveMaster := false
	for _, sc := range cfg.Servers {
		if sc.Name == "" {
			return fmt.Errorf("server entry missing name")
		}
		if seen[sc.Name] {
			return fmt.Errorf("duplicate server name %q", sc.Name)
		}
		seen[sc.Name] = true
		if sc.Address == "" {
			return fmt.Errorf("server %q: address is required", sc.Name)
		}
		role, err := sc.ParseRole()
		if err != nil {
			return err
		}
		if backend.IsMasterLike(role) {
			haveMaster = true
		}
	}
	if len(cfg.Servers) > 0 && !haveMaster {
		return fmt.Errorf("no server with role master or joined configured")
	}

	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
