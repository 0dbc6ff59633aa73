package server

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/crystal-mush/cmdhost/pkg/cmdset"
	"github.com/crystal-mush/cmdhost/pkg/gamedb"
)

// GameConf holds host configuration. Values come from the YAML file, then
// CMDHOST_* environment variables, then command-line flags.
type GameConf struct {
	// --- Identity ---
	Name string `yaml:"name" env:"CMDHOST_NAME"`

	// --- Listeners (0 disables) ---
	TelnetPort int    `yaml:"telnet_port" env:"CMDHOST_TELNET_PORT"`
	TLSPort    int    `yaml:"tls_port" env:"CMDHOST_TLS_PORT"`
	SSHPort    int    `yaml:"ssh_port" env:"CMDHOST_SSH_PORT"`
	WebPort    int    `yaml:"web_port" env:"CMDHOST_WEB_PORT"`
	WebHost    string `yaml:"web_host" env:"CMDHOST_WEB_HOST"`

	// --- TLS ---
	TLSCert   string `yaml:"tls_cert" env:"CMDHOST_TLS_CERT"`
	TLSKey    string `yaml:"tls_key" env:"CMDHOST_TLS_KEY"`
	CertDir   string `yaml:"cert_dir" env:"CMDHOST_CERT_DIR"`     // self-signed and autocert cache
	WebDomain string `yaml:"web_domain" env:"CMDHOST_WEB_DOMAIN"` // Let's Encrypt domain (empty = self-signed)
	HostKey   string `yaml:"ssh_host_key" env:"CMDHOST_SSH_HOST_KEY"`

	// --- Web ---
	WebCORSOrigins []string `yaml:"web_cors_origins" env:"CMDHOST_WEB_CORS_ORIGINS" envSeparator:","`
	WebRateLimit   int      `yaml:"web_rate_limit" env:"CMDHOST_WEB_RATE_LIMIT"` // requests per minute per IP
	JWTSecret      string   `yaml:"jwt_secret" env:"CMDHOST_JWT_SECRET"`         // generated if empty
	JWTExpiry      int      `yaml:"jwt_expiry" env:"CMDHOST_JWT_EXPIRY"`         // seconds

	// --- Storage ---
	DataDir   string `yaml:"data_dir" env:"CMDHOST_DATA_DIR"`
	BoltPath  string `yaml:"bolt_path" env:"CMDHOST_BOLT_PATH"`
	SQLPath   string `yaml:"sql_path" env:"CMDHOST_SQL_PATH"` // empty disables history
	CmdSetDir string `yaml:"cmdset_dir" env:"CMDHOST_CMDSET_DIR"`
	TextDir   string `yaml:"text_dir" env:"CMDHOST_TEXT_DIR"`

	// --- Backups ---
	BackupDir      string `yaml:"backup_dir" env:"CMDHOST_BACKUP_DIR"`
	BackupInterval int    `yaml:"backup_interval" env:"CMDHOST_BACKUP_INTERVAL"` // hours, 0 = manual only
	BackupKeep     int    `yaml:"backup_keep" env:"CMDHOST_BACKUP_KEEP"`         // 0 = keep all

	// --- World ---
	StartRoom     int      `yaml:"start_room" env:"CMDHOST_START_ROOM"`
	ActorSets     []string `yaml:"actor_sets" env:"CMDHOST_ACTOR_SETS" envSeparator:","`
	WizardName    string   `yaml:"wizard_name" env:"CMDHOST_WIZARD_NAME"`
	AllowCreate   bool     `yaml:"allow_create" env:"CMDHOST_ALLOW_CREATE"`
	IdleTimeout   int      `yaml:"idle_timeout" env:"CMDHOST_IDLE_TIMEOUT"` // seconds, 0 = never
	HistoryRetain int      `yaml:"history_retain" env:"CMDHOST_HISTORY_RETAIN"`

	// --- Dispatch ---
	ExitPriority    int    `yaml:"exit_priority" env:"CMDHOST_EXIT_PRIORITY"`
	DuplicatePolicy string `yaml:"duplicate_policy" env:"CMDHOST_DUPLICATE_POLICY"` // multi_match|first_wins
	HideDenied      bool   `yaml:"hide_denied" env:"CMDHOST_HIDE_DENIED"`
	QueueLimit      int    `yaml:"queue_limit" env:"CMDHOST_QUEUE_LIMIT"` // pending lines per actor
	WaitLimit       int    `yaml:"wait_limit" env:"CMDHOST_WAIT_LIMIT"`   // pending @wait per actor

	// --- Login throttling ---
	LoginAttempts int `yaml:"login_attempts" env:"CMDHOST_LOGIN_ATTEMPTS"`
	LoginWindow   int `yaml:"login_window" env:"CMDHOST_LOGIN_WINDOW"` // seconds

	// --- Logging ---
	LogFile       string `yaml:"log_file" env:"CMDHOST_LOG_FILE"`
	LogMaxSize    int    `yaml:"log_max_size" env:"CMDHOST_LOG_MAX_SIZE"` // megabytes
	LogMaxBackups int    `yaml:"log_max_backups" env:"CMDHOST_LOG_MAX_BACKUPS"`
	LogMaxAge     int    `yaml:"log_max_age" env:"CMDHOST_LOG_MAX_AGE"` // days
	LogCompress   bool   `yaml:"log_compress" env:"CMDHOST_LOG_COMPRESS"`
	Debug         bool   `yaml:"debug" env:"CMDHOST_DEBUG"`

	// Source is the file this config was loaded from, if any.
	Source string `yaml:"-"`
}

// DefaultGameConf returns a GameConf with working defaults: telnet on 6250,
// everything else off, state under ./data.
func DefaultGameConf() *GameConf {
	return &GameConf{
		Name:            "cmdhost",
		TelnetPort:      6250,
		WebRateLimit:    60,
		JWTExpiry:       86400,
		DataDir:         "data",
		BoltPath:        "world.bolt",
		CmdSetDir:       "cmdsets",
		BackupDir:       "backups",
		BackupKeep:      10,
		StartRoom:       0,
		ActorSets:       []string{"actor"},
		WizardName:      "Wizard",
		AllowCreate:     true,
		IdleTimeout:     3600,
		HistoryRetain:   7 * 86400,
		ExitPriority:    10,
		DuplicatePolicy: "multi_match",
		QueueLimit:      100,
		WaitLimit:       50,
		LoginAttempts:   5,
		LoginWindow:     300,
		LogMaxSize:      50,
		LogMaxBackups:   5,
		LogMaxAge:       30,
	}
}

// LoadGameConf reads a YAML config file over the defaults.
func LoadGameConf(path string) (*GameConf, error) {
	gc := DefaultGameConf()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, gc); err != nil {
		return nil, fmt.Errorf("parsing YAML %s: %w", path, err)
	}
	if gc.DataDir != "" && !filepath.IsAbs(gc.DataDir) {
		gc.DataDir = filepath.Join(filepath.Dir(path), gc.DataDir)
	}
	gc.Source = path
	return gc, nil
}

// ApplyEnv overrides fields from CMDHOST_* environment variables. Unset
// variables leave the current value alone.
func (gc *GameConf) ApplyEnv() error {
	if err := env.Parse(gc); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

// Validate checks values that would otherwise fail late.
func (gc *GameConf) Validate() error {
	if _, err := parseDuplicatePolicy(gc.DuplicatePolicy); err != nil {
		return err
	}
	if gc.TLSPort != 0 && gc.WebDomain == "" && (gc.TLSCert == "") != (gc.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	if gc.BackupInterval < 0 || gc.BackupKeep < 0 {
		return fmt.Errorf("backup_interval and backup_keep must not be negative")
	}
	if gc.BoltPath == "" {
		return fmt.Errorf("bolt_path is required")
	}
	for _, p := range []int{gc.TelnetPort, gc.TLSPort, gc.SSHPort, gc.WebPort} {
		if p < 0 || p > 65535 {
			return fmt.Errorf("port %d out of range", p)
		}
	}
	return nil
}

// Path resolves p against the data directory.
func (gc *GameConf) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || gc.DataDir == "" {
		return p
	}
	return filepath.Join(gc.DataDir, p)
}

// Duplicates returns the equal-priority collision policy.
func (gc *GameConf) Duplicates() cmdset.DuplicatePolicy {
	p, err := parseDuplicatePolicy(gc.DuplicatePolicy)
	if err != nil {
		log.Printf("config: %v, using multi_match", err)
	}
	return p
}

// Idle returns the idle timeout, zero for none.
func (gc *GameConf) Idle() time.Duration {
	return time.Duration(gc.IdleTimeout) * time.Second
}

// StartingRoom returns the configured start room.
func (gc *GameConf) StartingRoom() gamedb.DBRef {
	return gamedb.DBRef(gc.StartRoom)
}

func parseDuplicatePolicy(s string) (cmdset.DuplicatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "multi_match", "multimatch":
		return cmdset.MultiMatch, nil
	case "first_wins", "firstwins":
		return cmdset.FirstWins, nil
	}
	return cmdset.MultiMatch, fmt.Errorf("unknown duplicate_policy %q", s)
}

// Summary is the one-line startup description.
func (gc *GameConf) Summary() string {
	var on []string
	for _, l := range []struct {
		name string
		port int
	}{{"telnet", gc.TelnetPort}, {"tls", gc.TLSPort}, {"ssh", gc.SSHPort}, {"web", gc.WebPort}} {
		if l.port != 0 {
			on = append(on, fmt.Sprintf("%s:%d", l.name, l.port))
		}
	}
	if len(on) == 0 {
		on = append(on, "no listeners")
	}
	return fmt.Sprintf("%s [%s] exit_priority=%d duplicates=%s hide_denied=%v",
		gc.Name, strings.Join(on, " "), gc.ExitPriority, gc.Duplicates(), gc.HideDenied)
}
