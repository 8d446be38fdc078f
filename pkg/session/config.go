package session

import (
	"encoding/json"
	"fmt"
	"os"

	"rvemu/pkg/machine"
)

// Config is the JSON form of everything a session needs to build and run a
// machine.
type Config struct {
	PageSize        int    `json:"page_size"`
	Compressed      bool   `json:"compressed"`
	DecoderCache    string `json:"decoder_cache"`    // "off", "lazy" or "eager"
	PageCacheDepth  int    `json:"page_cache_depth"` // recently fetched pages kept
	MaxPages        int    `json:"max_pages"`
	MaxInstructions uint64 `json:"max_instructions"` // 0 runs until the guest stops
	Threads         bool   `json:"threads"`
	StrictAlignment bool   `json:"strict_alignment"`
	StackTop        uint32 `json:"stack_top"`
}

func DefaultConfig() Config {
	opts := machine.DefaultOptions()
	return Config{
		PageSize:        opts.PageSize,
		Compressed:      opts.Compressed,
		DecoderCache:    opts.DecoderCache.String(),
		PageCacheDepth:  opts.PageCacheDepth,
		MaxInstructions: 100_000_000,
		Threads:         true,
		StackTop:        opts.StackTop,
	}
}

// LoadConfig reads a JSON file. Fields missing from the file keep their
// DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// MachineOptions converts the config into construction options.
func (c Config) MachineOptions() (machine.Options, error) {
	mode, err := machine.ParseDecoderCacheMode(c.DecoderCache)
	if err != nil {
		return machine.Options{}, err
	}
	return machine.Options{
		PageSize:        c.PageSize,
		Compressed:      c.Compressed,
		DecoderCache:    mode,
		PageCacheDepth:  c.PageCacheDepth,
		MaxPages:        c.MaxPages,
		StackTop:        c.StackTop,
		StrictAlignment: c.StrictAlignment,
	}, nil
}
