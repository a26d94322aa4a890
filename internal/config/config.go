package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Defaults for a host protecting a remote-desktop listener.
const (
	DefaultPort        = 3389
	DefaultAuthLog     = "/var/log/auth.log"
	DefaultMaxAttempts = 1
	DefaultPoll        = 2 * time.Second

	ConfName = "rdpguard.conf"
)

type Config struct {
	// Port is the single protected port.
	Port int
	// AuthLog is the authentication log tailed by the monitor.
	AuthLog string
	// AttemptLog records sub-threshold attempts and automated bans.
	AttemptLog string
	// AllowFile / DenyFile are the persisted address lists.
	AllowFile string
	DenyFile  string
	// TrustedFile lists DNS names whose addresses are auto-allowed.
	TrustedFile string
	// MaxAttempts is the promotion threshold (>= means deny).
	MaxAttempts int
	// PollInterval is the tail fallback poll period.
	PollInterval time.Duration
	// FailurePattern overrides the failure-signature regexp.
	FailurePattern string
}

// Default returns the configuration used when no conf file exists,
// anchoring the list and audit files in dir.
func Default(dir string) *Config {
	return &Config{
		Port:         DefaultPort,
		AuthLog:      DefaultAuthLog,
		AttemptLog:   filepath.Join(dir, "attempts.log"),
		AllowFile:    filepath.Join(dir, "rdpguard.allow"),
		DenyFile:     filepath.Join(dir, "rdpguard.deny"),
		TrustedFile:  filepath.Join(dir, "rdpguard.trusted"),
		MaxAttempts:  DefaultMaxAttempts,
		PollInterval: DefaultPoll,
	}
}

// Load reads dir/rdpguard.conf (if present) over the defaults and then
// applies RDPGUARD_* environment overrides.
func Load(dir string) (*Config, error) {
	cfg := Default(dir)
	f, err := os.Open(filepath.Join(dir, ConfName))
	if err == nil {
		defer f.Close()
		if err := cfg.parse(f); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// parse reads KEY = value lines; # starts a comment, unknown keys are
// ignored for forward compatibility.
func (c *Config) parse(r io.Reader) error {
	sc := bufio.NewScanner(r)
	ln := 0
	for sc.Scan() {
		ln++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(parts[0]))
		val := strings.TrimSpace(parts[1])
		if i := strings.Index(val, "#"); i != -1 {
			val = strings.TrimSpace(val[:i])
		}
		val = strings.Trim(val, `"`)
		if err := c.set(key, val); err != nil {
			return fmt.Errorf("%s line %d: %w", ConfName, ln, err)
		}
	}
	return sc.Err()
}

func (c *Config) set(key, val string) error {
	switch key {
	case "PORT":
		p, err := strconv.Atoi(val)
		if err != nil || p < 1 || p > 65535 {
			return fmt.Errorf("bad port %q", val)
		}
		c.Port = p
	case "AUTH_LOG":
		c.AuthLog = val
	case "ATTEMPT_LOG":
		c.AttemptLog = val
	case "ALLOW_FILE":
		c.AllowFile = val
	case "DENY_FILE":
		c.DenyFile = val
	case "TRUSTED_FILE":
		c.TrustedFile = val
	case "MAX_ATTEMPTS":
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			return fmt.Errorf("bad max attempts %q", val)
		}
		c.MaxAttempts = n
	case "POLL_INTERVAL":
		d, err := time.ParseDuration(val)
		if err != nil || d <= 0 {
			return fmt.Errorf("bad poll interval %q", val)
		}
		c.PollInterval = d
	case "FAILURE_PATTERN":
		c.FailurePattern = val
	}
	return nil
}

// applyEnv lets RDPGUARD_<KEY> override any conf key, same value
// syntax. Invalid env values are ignored rather than fatal.
func (c *Config) applyEnv() {
	for _, key := range []string{
		"PORT", "AUTH_LOG", "ATTEMPT_LOG", "ALLOW_FILE", "DENY_FILE",
		"TRUSTED_FILE", "MAX_ATTEMPTS", "POLL_INTERVAL", "FAILURE_PATTERN",
	} {
		if val := strings.TrimSpace(os.Getenv("RDPGUARD_" + key)); val != "" {
			_ = c.set(key, val)
		}
	}
}

// ResolveDir picks the active config directory: explicit flag first,
// then $RDPGUARD_CONFIG_DIR, then /etc/rdpguard, then the nearest
// ancestor holding a configs/ directory (handy in a dev checkout).
func ResolveDir(explicit string) (string, bool) {
	if explicit != "" {
		return explicit, dirExists(explicit)
	}
	if env := strings.TrimSpace(os.Getenv("RDPGUARD_CONFIG_DIR")); env != "" && dirExists(env) {
		return env, true
	}
	if dirExists("/etc/rdpguard") {
		return "/etc/rdpguard", true
	}
	if d, ok := nearestConfigsDir(); ok {
		return d, true
	}
	return "", false
}

func dirExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

func nearestConfigsDir() (string, bool) {
	d, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for {
		cand := filepath.Join(d, "configs")
		if dirExists(cand) {
			return cand, true
		}
		parent := filepath.Dir(d)
		if parent == d {
			return "", false
		}
		d = parent
	}
}
