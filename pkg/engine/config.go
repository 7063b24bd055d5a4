package engine

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/beehoard/beehoard/pkg/chunk"
	"github.com/beehoard/beehoard/pkg/errs"
	"github.com/beehoard/beehoard/pkg/scan"
)

// Config recognizes the engine's runtime options. It is typically loaded
// from a TOML file via LoadConfig, using BurntSushi/toml as the idiomatic
// config-file library (also seen in ethereum-go-ethereum's go.mod).
type Config struct {
	ChunkSize       int    `toml:"chunk_size"`
	SymlinkStrategy string `toml:"symlink_strategy"` // "preserve", "follow", "skip"
	IncludeHidden   bool   `toml:"include_hidden"`
	VerifyIntegrity bool   `toml:"verify_integrity"`
	Transport       string `toml:"transport"` // opaque to the core; consumed by pkg/transfer

	// SingleDB selects the repository layout: true collapses the chunk
	// index and the catalog into one shared database so a backup's
	// refcount update and file-row write commit in one transaction; false
	// splits them into chunks.db/catalog.db with a pending-refs journal.
	SingleDB bool `toml:"single_db"`

	RetentionKeepLast int           `toml:"retention_keep_last"`
	RetentionMaxAge   time.Duration `toml:"retention_max_age"`
}

// DefaultConfig returns the engine's recognized defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:       chunk.DefaultSize,
		SymlinkStrategy: "preserve",
		IncludeHidden:   false,
		VerifyIntegrity: false,
		SingleDB:        true,
	}
}

// LoadConfig reads and parses a TOML configuration file, applying
// DefaultConfig for any field the file omits.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errs.Wrap(errs.IoError, "read config file", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errs.Wrap(errs.InvalidArgument, "parse config file", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects out-of-range option combinations at load time.
func (c Config) Validate() error {
	if c.ChunkSize != 0 && (c.ChunkSize < chunk.MinSize || c.ChunkSize > chunk.MaxSize) {
		return errs.New(errs.InvalidArgument, "chunk_size out of range [4KiB, 16MiB]")
	}
	switch c.SymlinkStrategy {
	case "", "preserve", "follow", "skip":
	default:
		return errs.New(errs.InvalidArgument, "symlink_strategy must be preserve, follow, or skip").WithSubject(c.SymlinkStrategy)
	}
	return nil
}

func (c Config) symlinkStrategy() scan.SymlinkStrategy {
	switch c.SymlinkStrategy {
	case "follow":
		return scan.SymlinkFollow
	case "skip":
		return scan.SymlinkSkip
	default:
		return scan.SymlinkPreserve
	}
}

func (c Config) chunkSize() int {
	if c.ChunkSize == 0 {
		return chunk.DefaultSize
	}
	return c.ChunkSize
}
