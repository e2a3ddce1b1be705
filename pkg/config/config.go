// Package config loads the service configuration. Files are YAML, or JSON
// with comments and trailing commas when the extension is .json or .jsonc.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"basket/pkg/basket"
	"basket/pkg/discount"
	"basket/pkg/notice"
)

// Config is the full service configuration.
type Config struct {
	Storage  Storage  `yaml:"storage" json:"storage"`
	Server   Server   `yaml:"server" json:"server"`
	Features Features `yaml:"features" json:"features"`
	Swatches []string `yaml:"swatches" json:"swatches"`
	Discount Discount `yaml:"discount" json:"discount"`
	Notice   Notice   `yaml:"notice" json:"notice"`
	Currency string   `yaml:"currency" json:"currency"`
}

// Storage selects where basket slots live.
type Storage struct {
	Key  string `yaml:"key" json:"key"`
	Type string `yaml:"type" json:"type"`
	Path string `yaml:"path" json:"path"`
}

// Server configures the HTTP listener.
type Server struct {
	Port int `yaml:"port" json:"port"`
}

// Features toggles the optional parts of the basket experience.
type Features struct {
	PriceTotals     bool `yaml:"price_totals" json:"price_totals"`
	Fee             bool `yaml:"fee" json:"fee"`
	ColorCapture    bool `yaml:"color_capture" json:"color_capture"`
	Description     bool `yaml:"description" json:"description"`
	DiscountCode    bool `yaml:"discount_code" json:"discount_code"`
	ClearOnCheckout bool `yaml:"clear_on_checkout" json:"clear_on_checkout"`
	Popup           bool `yaml:"popup" json:"popup"`
}

// Discount holds the single recognized code.
type Discount struct {
	Code string `yaml:"code" json:"code"`
}

// Notice controls the confirmation toast.
type Notice struct {
	Duration Duration `yaml:"duration" json:"duration"`
}

// Duration accepts Go duration strings such as "3s" in both file formats.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Storage: Storage{Key: basket.DefaultKey, Type: StorageMemory},
		Server:  Server{Port: 8765},
		Features: Features{
			PriceTotals:     true,
			Fee:             true,
			ColorCapture:    true,
			Description:     true,
			DiscountCode:    true,
			ClearOnCheckout: true,
			Popup:           true,
		},
		Swatches: []string{"Natural", "Blush", "Sage", "Charcoal"},
		Discount: Discount{Code: discount.DefaultCode},
		Notice:   Notice{Duration: Duration(notice.DefaultDuration)},
		Currency: "$",
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := Parse(data, filepath.Ext(path), &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data into cfg; ext picks the format.
func Parse(data []byte, ext string, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	return nil
}

// Validate checks cross-field rules.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Storage.Key) == "" {
		errs = append(errs, errors.New("storage.key must not be empty"))
	}
	switch c.Storage.Type {
	case StorageMemory, StorageSQLite:
	default:
		errs = append(errs, fmt.Errorf("storage.type %q is not one of memory, sqlite", c.Storage.Type))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	if c.Features.ColorCapture {
		seen := make(map[string]bool, len(c.Swatches))
		for _, s := range c.Swatches {
			key := strings.ToLower(strings.TrimSpace(s))
			if key == "" {
				errs = append(errs, errors.New("swatches must not contain empty names"))
				continue
			}
			if seen[key] {
				errs = append(errs, fmt.Errorf("swatch %q is listed twice", s))
			}
			seen[key] = true
		}
	}
	if c.Notice.Duration < 0 {
		errs = append(errs, errors.New("notice.duration must not be negative"))
	}
	return errors.Join(errs...)
}

// FeePolicy derives the totals policy from the feature toggles.
func (c Config) FeePolicy() basket.FeePolicy {
	return basket.FeePolicy{Enabled: c.Features.PriceTotals && c.Features.Fee}
}
