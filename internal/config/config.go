// Package config loads the relayer's JSON configuration file, resolving
// ${VAR} / ${VAR:default} placeholders against the process environment
// before unmarshalling.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"time"
)

// ChainConfig is one chain's connection, finality, and fee configuration.
type ChainConfig struct {
	Name           string  `json:"name"`
	ChainID        int64   `json:"chainId"`
	RPCEndpoint    string  `json:"rpcEndpoint"`
	PrivateKey     string  `json:"privateKey"`
	PollIntervalMS int64   `json:"pollIntervalMs"`
	Confirmations  uint64  `json:"confirmations"`
	GasMultiplier  float64 `json:"gasMultiplier"`

	MaxFeePerGasWei         string `json:"maxFeePerGasWei,omitempty"`
	MaxPriorityFeePerGasWei string `json:"maxPriorityFeePerGasWei,omitempty"`
}

// PollInterval returns the configured poll interval as a time.Duration.
func (c ChainConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// ContractRole is the role a contract plays on a given chain.
type ContractRole string

const (
	RoleSource      ContractRole = "source"
	RoleDestination ContractRole = "destination"
	RoleBoth        ContractRole = "both"
)

// IsSource reports whether the role makes the contract a source on its chain.
func (r ContractRole) IsSource() bool { return r == RoleSource || r == RoleBoth }

// IsDestination reports whether the role makes the contract a destination.
func (r ContractRole) IsDestination() bool { return r == RoleDestination || r == RoleBoth }

// ContractDeployment is a (contract name, chain) deployment record.
type ContractDeployment struct {
	Name       string       `json:"name"`
	Chain      string       `json:"chain"`
	Address    string       `json:"address"`
	Role       ContractRole `json:"role"`
	SchemaPath string       `json:"schemaPath,omitempty"`
}

// EventEndpoint names a contract plus the human-readable signature of the
// event or method involved, "Name(type1 name1, type2 name2, ...)".
type EventEndpoint struct {
	Contract  string `json:"contract"`
	Signature string `json:"signature"`
}

// EventMapping is one relay rule: a source event bound to a destination
// call through a named destination resolver.
type EventMapping struct {
	Name                string        `json:"name"`
	SourceEvent         EventEndpoint `json:"sourceEvent"`
	DestinationCall     EventEndpoint `json:"destinationCall"`
	DestinationResolver string        `json:"destinationResolver"`
	ProofRequired       bool          `json:"proofRequired"`
	Enabled             bool          `json:"enabled"`
}

// ResolverKind discriminates the three destination-resolver variants.
type ResolverKind string

const (
	ResolverStatic          ResolverKind = "static"
	ResolverEventParameter  ResolverKind = "event_parameter"
	ResolverCustom          ResolverKind = "custom"
)

// ResolverSpec is the tagged-union destination resolver specification.
type ResolverSpec struct {
	Kind ResolverKind `json:"kind"`

	// static
	Destinations []string `json:"destinations,omitempty"`

	// event_parameter
	ParameterName string            `json:"parameterName,omitempty"`
	Mapping       map[string]string `json:"mapping,omitempty"`

	// custom
	FunctionID string `json:"functionId,omitempty"`
}

// ProofAPIConfig configures the Proof Client's JSON-RPC endpoint.
type ProofAPIConfig struct {
	BaseURL       string `json:"baseUrl"`
	TimeoutMS     int64  `json:"timeout_ms"`
	RetryAttempts int    `json:"retryAttempts"`
	APIKey        string `json:"apiKey,omitempty"`
}

// Timeout returns the configured per-request timeout.
func (p ProofAPIConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// DatabaseConfig configures the job/chain store's backing Postgres database.
// The "path" key holds a Postgres DSN/connection string.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// LoggingConfig configures process-wide logging.
type LoggingConfig struct {
	Level             string `json:"level"`
	EnableFileLogging bool   `json:"enableFileLogging"`
	LogPath           string `json:"logPath,omitempty"`
}

// Config is the fully-resolved, typed configuration value.
type Config struct {
	Chains               []ChainConfig                  `json:"chains"`
	Contracts            []ContractDeployment            `json:"contracts"`
	EventMappings        []EventMapping                  `json:"eventMappings"`
	DestinationResolvers map[string]ResolverSpec          `json:"destinationResolvers"`
	ProofAPI             ProofAPIConfig                   `json:"proofApi"`
	Database             DatabaseConfig                   `json:"database"`
	Logging              LoggingConfig                    `json:"logging"`
}

// ChainByName returns the chain configuration with the given name.
func (c *Config) ChainByName(name string) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.Name == name {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

// placeholderPattern matches ${VAR} or ${VAR:default}.
var placeholderPattern = regexp.MustCompile(`\$\{([^}:]+)(:([^}]*))?\}`)

// substitute resolves ${VAR} / ${VAR:default} placeholders in s against the
// process environment. A missing variable with no default substitutes the
// empty string and logs a warning through logger.
func substitute(s string, logger *log.Logger) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		name := groups[1]
		hasDefault := groups[2] != ""
		def := groups[3]

		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if hasDefault {
			return def
		}
		logger.Printf("[config] warning: environment variable %q not set, substituting empty string", name)
		return ""
	})
}

// privateKeyPlaceholder is carried through the generic substitution pass
// untouched (via a sentinel swap) so its 0x-prefix/zero-fill defaulting can
// be applied afterwards instead of falling through to the generic
// "missing var -> empty string" rule.
const privateKeyPlaceholder = "${PRIVATE_KEY}"

const privateKeySentinel = "\x00__PRIVATE_KEY_SENTINEL__\x00"

// resolvedPrivateKey handles the ${PRIVATE_KEY} special case: rewritten
// from the PRIVATE_KEY environment variable, a leading 0x added if missing,
// defaulting to 64 zero hex characters (with a warning) if PRIVATE_KEY is unset.
func resolvedPrivateKey(logger *log.Logger) string {
	key, ok := os.LookupEnv("PRIVATE_KEY")
	if !ok || key == "" {
		logger.Printf("[config] warning: PRIVATE_KEY not set, using the all-zero placeholder key")
		key = strings.Repeat("0", 64)
	}
	if !strings.HasPrefix(key, "0x") {
		key = "0x" + key
	}
	return key
}

// Load reads and parses the JSON configuration file at path, resolving
// environment placeholders before unmarshalling.
func Load(path string, logger *log.Logger) (*Config, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[config] ", log.LstdFlags)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	shielded := strings.ReplaceAll(string(raw), privateKeyPlaceholder, privateKeySentinel)
	expanded := substitute(shielded, logger)
	if strings.Contains(expanded, privateKeySentinel) {
		expanded = strings.ReplaceAll(expanded, privateKeySentinel, resolvedPrivateKey(logger))
	}

	var cfg Config
	if err := json.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return &cfg, nil
}
