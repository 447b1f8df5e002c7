// Package config loads agentpayd settings: defaults, then a JSON file, then
// AGENTPAY_* environment variables (optionally seeded from .env files), then
// command-line flags applied by the daemon.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"xdao.co/agentpay/account"
	"xdao.co/agentpay/identity"
	"xdao.co/agentpay/storage/backends"
)

const (
	JournalMemory = "memory"
	JournalSQLite = "sqlite"
	JournalCAS    = "cas"
)

type Config struct {
	// Network tags envelopes; submissions for another network are refused.
	Network string `json:"network"`
	// Factory and InitCodeHash pin account derivation. Empty means the
	// built-in defaults.
	Factory      string `json:"factory,omitempty"`
	InitCodeHash string `json:"initCodeHash,omitempty"`
	// Ledger is the payment ledger address. Empty derives it.
	Ledger string `json:"ledger,omitempty"`
	// Minter may mint the settlement token. Empty disables minting.
	Minter string `json:"minter,omitempty"`

	Listen  Listen  `json:"listen"`
	Journal Journal `json:"journal"`
	// Storage is the block store used by the cas journal and, when
	// ServeStorage is set, served to other nodes over gRPC.
	Storage      backends.Spec `json:"storage"`
	ServeStorage bool          `json:"serveStorage,omitempty"`
	Relay        Relay         `json:"relay"`
	Log          Log           `json:"log"`
}

type Listen struct {
	GRPC string `json:"grpc"`
	HTTP string `json:"http"`
}

type Journal struct {
	// Backend is memory, sqlite or cas.
	Backend string `json:"backend"`
	// DSN is the sqlite database path.
	DSN string `json:"dsn,omitempty"`
	// HeadFile persists the cas journal head CID between runs.
	HeadFile string `json:"headFile,omitempty"`
}

type Relay struct {
	// URL is the AMQP broker URL. Empty disables the relay.
	URL        string `json:"url,omitempty"`
	Exchange   string `json:"exchange,omitempty"`
	Queue      string `json:"queue,omitempty"`
	RoutingKey string `json:"routingKey,omitempty"`
	Schedule   string `json:"schedule,omitempty"`
	Batch      int    `json:"batch,omitempty"`
	// CursorFile persists the last published event seq.
	CursorFile string `json:"cursorFile,omitempty"`
}

type Log struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns a config for a single in-memory development node.
func Default() Config {
	return Config{
		Network: "base-sepolia",
		Listen:  Listen{GRPC: "127.0.0.1:7400", HTTP: "127.0.0.1:7401"},
		Journal: Journal{Backend: JournalMemory},
		Storage: backends.Spec{Backends: []backends.BackendSpec{{Name: "memory"}}},
		Relay:   Relay{Exchange: "agentpay", RoutingKey: "agentpay.events", Schedule: "@every 5s", Batch: 100},
		Log:     Log{Level: "info", Format: "json"},
	}
}

// LoadFile reads a JSON config on top of Default. Unknown fields are errors.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from AGENTPAY_* variables found by lookup
// (os.LookupEnv in the daemon).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str("AGENTPAY_NETWORK", &c.Network)
	str("AGENTPAY_FACTORY", &c.Factory)
	str("AGENTPAY_INIT_CODE_HASH", &c.InitCodeHash)
	str("AGENTPAY_LEDGER", &c.Ledger)
	str("AGENTPAY_MINTER", &c.Minter)
	str("AGENTPAY_GRPC_LISTEN", &c.Listen.GRPC)
	str("AGENTPAY_HTTP_LISTEN", &c.Listen.HTTP)
	str("AGENTPAY_JOURNAL", &c.Journal.Backend)
	str("AGENTPAY_SQLITE_DSN", &c.Journal.DSN)
	str("AGENTPAY_JOURNAL_HEAD_FILE", &c.Journal.HeadFile)
	str("AGENTPAY_AMQP_URL", &c.Relay.URL)
	str("AGENTPAY_AMQP_EXCHANGE", &c.Relay.Exchange)
	str("AGENTPAY_AMQP_QUEUE", &c.Relay.Queue)
	str("AGENTPAY_AMQP_ROUTING_KEY", &c.Relay.RoutingKey)
	str("AGENTPAY_RELAY_SCHEDULE", &c.Relay.Schedule)
	str("AGENTPAY_RELAY_CURSOR_FILE", &c.Relay.CursorFile)
	str("AGENTPAY_LOG_LEVEL", &c.Log.Level)
	str("AGENTPAY_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("AGENTPAY_RELAY_BATCH"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: AGENTPAY_RELAY_BATCH: %w", err)
		}
		c.Relay.Batch = n
	}
	if v, ok := lookup("AGENTPAY_SERVE_STORAGE"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: AGENTPAY_SERVE_STORAGE: %w", err)
		}
		c.ServeStorage = b
	}
	// Shortcut for the common single-directory block store.
	if v, ok := lookup("AGENTPAY_STORE_DIR"); ok && strings.TrimSpace(v) != "" {
		c.Storage = backends.Spec{Backends: []backends.BackendSpec{{
			Name:    "localfs",
			Options: backends.Options{"dir": strings.TrimSpace(v)},
		}}}
	}
	return nil
}

// Params returns the account derivation parameters.
func (c Config) Params() (account.Params, error) {
	p := account.DefaultParams()
	if c.Factory != "" {
		f, err := identity.Parse(c.Factory)
		if err != nil {
			return account.Params{}, fmt.Errorf("config: factory: %w", err)
		}
		p.Factory = f
	}
	if c.InitCodeHash != "" {
		h, err := account.ParseInitCodeHash(c.InitCodeHash)
		if err != nil {
			return account.Params{}, fmt.Errorf("config: initCodeHash: %w", err)
		}
		p.InitCodeHash = h
	}
	return p, nil
}

func optionalAddress(field, s string) (identity.Address, error) {
	if s == "" {
		return identity.Zero, nil
	}
	a, err := identity.Parse(s)
	if err != nil {
		return identity.Zero, fmt.Errorf("config: %s: %w", field, err)
	}
	return a, nil
}

func (c Config) LedgerAddress() (identity.Address, error) { return optionalAddress("ledger", c.Ledger) }
func (c Config) MinterAddress() (identity.Address, error) { return optionalAddress("minter", c.Minter) }

func (c Config) Validate() error {
	if strings.TrimSpace(c.Network) == "" {
		return errors.New("config: network is required")
	}
	if _, err := c.Params(); err != nil {
		return err
	}
	if _, err := c.LedgerAddress(); err != nil {
		return err
	}
	if _, err := c.MinterAddress(); err != nil {
		return err
	}
	if c.Listen.GRPC == "" && c.Listen.HTTP == "" {
		return errors.New("config: at least one of listen.grpc and listen.http is required")
	}
	switch c.Journal.Backend {
	case JournalMemory:
	case JournalSQLite:
		if c.Journal.DSN == "" {
			return errors.New("config: journal.dsn is required for the sqlite journal")
		}
	case JournalCAS:
		if c.Journal.HeadFile == "" {
			return errors.New("config: journal.headFile is required for the cas journal")
		}
	default:
		return fmt.Errorf("config: unknown journal backend %q", c.Journal.Backend)
	}
	if c.Journal.Backend == JournalCAS || c.ServeStorage {
		if err := c.Storage.Validate(); err != nil {
			return fmt.Errorf("config: storage: %w", err)
		}
	}
	if c.Relay.URL != "" {
		if c.Relay.Exchange == "" {
			return errors.New("config: relay.exchange is required when relay.url is set")
		}
		if c.Relay.Batch < 0 {
			return errors.New("config: relay.batch must not be negative")
		}
	}
	return nil
}

// Load applies .env files, the optional JSON file at path and the
// environment, then validates.
func Load(path string, dotenv ...string) (Config, error) {
	if err := LoadDotEnv(dotenv...); err != nil {
		return Config{}, err
	}
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
