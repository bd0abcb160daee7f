package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/switchboard/internal/registry"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory holding
// config.yaml. Files listed under include are merged in order.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourceFiles = make(map[string]*yaml.Node)
	if node, err := parseNode(absPath); err == nil {
		cfg.SourceFiles[absPath] = node
	}

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	cfg = applyConfigDefaults(cfg)

	paths := make([]string, 0, len(visited))
	for p := range visited {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if err := verifyAllConfigHashes(paths); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigDir finds the config directory by checking standard locations.
// Priority order: $SWITCHBOARD_CONFIG_DIR, ~/.config/switchboard, /etc/switchboard, ./config.yaml
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("SWITCHBOARD_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "switchboard")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}
	if _, err := os.Stat("/etc/switchboard"); err == nil {
		return "/etc/switchboard", nil
	}
	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}
	return "", fmt.Errorf("no config found (checked: $SWITCHBOARD_CONFIG_DIR, ~/.config/switchboard, /etc/switchboard, ./config.yaml)")
}

// DiscoverAllConfigFiles returns absolute paths to all configuration files in
// the include tree, sorted.
func DiscoverAllConfigFiles(configPath string) ([]string, error) {
	absPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		if err := collectIncludes(cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}
	files := make([]string, 0, len(visited))
	for f := range visited {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

func resolveRoot(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

func resolveInclude(i int, includePath, baseDir string) (string, error) {
	includePath = interpolateEnv(includePath)
	if !filepath.IsAbs(includePath) {
		includePath = filepath.Join(baseDir, includePath)
	}
	absPath, err := filepath.Abs(includePath)
	if err != nil {
		return "", fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
	}
	if _, err := os.Stat(absPath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s\n"+
				"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
		}
		return "", fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
	}
	return absPath, nil
}

func collectIncludes(includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		absPath, err := resolveInclude(i, includePath, baseDir)
		if err != nil {
			return err
		}
		if visited[absPath] {
			continue
		}
		visited[absPath] = true

		partial, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		if len(partial.Include) > 0 {
			if err := collectIncludes(partial.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		absPath, err := resolveInclude(i, includePath, baseDir)
		if err != nil {
			return err
		}
		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		visited[absPath] = true

		if node, err := parseNode(absPath); err == nil {
			cfg.SourceFiles[absPath] = node
		}
		includedCfg, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		deepMergeConfig(cfg, includedCfg)

		if len(includedCfg.Include) > 0 {
			if err := loadIncludes(cfg, includedCfg.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadConfigFile loads and parses a single config file without defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

func parseNode(path string) (*yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// deepMergeConfig merges src into dst, with src taking precedence for
// non-zero values. Accounts and clients are additive; a client defined
// again by name replaces the earlier definition.
func deepMergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.LogFormat != "" {
		dst.Service.LogFormat = src.Service.LogFormat
	}
	if src.Service.RelaxedObserverJoin {
		dst.Service.RelaxedObserverJoin = true
	}

	if src.State.Path != "" {
		dst.State.Path = src.State.Path
	}
	if src.State.JournalEnabled != nil {
		dst.State.JournalEnabled = src.State.JournalEnabled
	}
	if src.State.Retention != 0 {
		dst.State.Retention = src.State.Retention
	}

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}
	if src.API.Auth.APIKey != "" {
		dst.API.Auth.APIKey = src.API.Auth.APIKey
	}
	dst.API.Auth.Tokens = append(dst.API.Auth.Tokens, src.API.Auth.Tokens...)

	mergeDuration(&dst.Timeouts.Observe, src.Timeouts.Observe)
	mergeDuration(&dst.Timeouts.Approve, src.Timeouts.Approve)
	mergeDuration(&dst.Timeouts.Handle, src.Timeouts.Handle)
	mergeDuration(&dst.Timeouts.Connection, src.Timeouts.Connection)
	mergeDuration(&dst.Timeouts.Grace, src.Timeouts.Grace)

	dst.Accounts = append(dst.Accounts, src.Accounts...)

	for _, c := range src.Clients {
		replaced := false
		for i := range dst.Clients {
			if dst.Clients[i].Name == c.Name {
				dst.Clients[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			dst.Clients = append(dst.Clients, c)
		}
	}
}

func mergeDuration[T ~int64](dst *T, src T) {
	if src != 0 {
		*dst = src
	}
}

func verifyAllConfigHashes(paths []string) error {
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			// No .checksums means this directory is not locked.
			continue
		}
		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: switchboard config lock --config %s", basename, dir, dir)
			}
			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: switchboard config lock --config %s", path, err, dir)
			}
		}
	}
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.State.Retention == 0 {
		cfg.State.Retention = defaults.State.Retention
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	cfg.Timeouts.Observe = pick(cfg.Timeouts.Observe, defaults.Timeouts.Observe)
	cfg.Timeouts.Approve = pick(cfg.Timeouts.Approve, defaults.Timeouts.Approve)
	cfg.Timeouts.Handle = pick(cfg.Timeouts.Handle, defaults.Timeouts.Handle)
	cfg.Timeouts.Connection = pick(cfg.Timeouts.Connection, defaults.Timeouts.Connection)
	cfg.Timeouts.Grace = pick(cfg.Timeouts.Grace, defaults.Timeouts.Grace)

	return cfg
}

func pick[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.State.Journaling() && cfg.State.Path == "" {
		return fmt.Errorf("state.path is required when the journal is enabled")
	}

	for name, d := range map[string]time.Duration{
		"observe":    cfg.Timeouts.Observe,
		"approve":    cfg.Timeouts.Approve,
		"handle":     cfg.Timeouts.Handle,
		"connection": cfg.Timeouts.Connection,
		"grace":      cfg.Timeouts.Grace,
	} {
		if d <= 0 {
			return fmt.Errorf("timeouts.%s must be positive", name)
		}
	}

	if cfg.API.Enabled {
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d].token", i)
			if tok.Token == "" {
				return fmt.Errorf("%s is required", field)
			}
			if err := unresolved(field, tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	if len(cfg.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	seenConn := make(map[string]bool)
	for i, a := range cfg.Accounts {
		if a.Name == "" {
			return fmt.Errorf("accounts[%d].name is required", i)
		}
		if a.Connection == "" {
			return fmt.Errorf("accounts[%d] (%s): connection is required", i, a.Name)
		}
		if seenConn[a.Connection] {
			return fmt.Errorf("accounts[%d] (%s): duplicate connection %q", i, a.Name, a.Connection)
		}
		seenConn[a.Connection] = true
	}

	seenClient := make(map[string]bool)
	for i, c := range cfg.Clients {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("clients[%d]: %w", i, err)
		}
		if seenClient[c.Name] {
			return fmt.Errorf("clients[%d]: duplicate client %q", i, c.Name)
		}
		seenClient[c.Name] = true
		if err := unresolved(fmt.Sprintf("clients[%d].entrypoint", i), c.Entrypoint); err != nil {
			return err
		}
		if err := checkFilters(c); err != nil {
			return fmt.Errorf("clients[%d]: %w", i, err)
		}
	}
	return nil
}

func unresolved(field, value string) error {
	if !envVarPattern.MatchString(value) {
		return nil
	}
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return fmt.Errorf("%s: unresolved environment variable", field)
}

// checkFilters rejects filter values left with an unset ${VAR}.
func checkFilters(d registry.Descriptor) error {
	for role, fs := range d.Filters {
		for j, f := range fs {
			for k, v := range f {
				s, ok := v.(string)
				if !ok {
					continue
				}
				if err := unresolved(fmt.Sprintf("client %q %s filter[%d].%s", d.Name, role, j, k), s); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
