package state

import (
	"fmt"
	"os"

	fpmath "PerpSettle/internal/math"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// marketFile is the YAML layout of the market config file. Decimal values
// are quoted strings so no float ever touches a settlement parameter.
type marketFile struct {
	Markets []marketEntry `yaml:"markets"`
}

type marketEntry struct {
	MarketID                 string             `yaml:"market_id"`
	InitialMarginRatio       string             `yaml:"initial_margin_ratio"`
	MaintenanceMarginRatio   string             `yaml:"maintenance_margin_ratio"`
	MaxLeverage              string             `yaml:"max_leverage"`
	TickSize                 string             `yaml:"tick_size"`
	MakerFeeRate             string             `yaml:"maker_fee_rate"`
	TakerFeeRate             string             `yaml:"taker_fee_rate"`
	InsurancePoolRatio       string             `yaml:"insurance_pool_ratio"`
	GasCharge                string             `yaml:"gas_charge"`
	GaslessNotionalThreshold string             `yaml:"gasless_notional_threshold"`
	Liquidators              []string           `yaml:"liquidators"`
	DeleveragingOperator     string             `yaml:"deleveraging_operator"`
	FeeOverrides             []feeOverrideEntry `yaml:"fee_overrides"`
}

type feeOverrideEntry struct {
	Account string `yaml:"account"`
	Maker   string `yaml:"maker"`
	Taker   string `yaml:"taker"`
}

// LoadMarketConfigs reads and validates every market in a YAML file.
func LoadMarketConfigs(path string) ([]MarketConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read market config %s: %w", path, err)
	}
	return ParseMarketConfigs(data)
}

// ParseMarketConfigs decodes YAML market definitions into version-1 snapshots.
func ParseMarketConfigs(data []byte) ([]MarketConfig, error) {
	var file marketFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode market config: %w", err)
	}

	configs := make([]MarketConfig, 0, len(file.Markets))
	seen := make(map[string]bool, len(file.Markets))
	for _, m := range file.Markets {
		if seen[m.MarketID] {
			return nil, fmt.Errorf("%w: duplicate market %s", ErrInvalidMarketConfig, m.MarketID)
		}
		seen[m.MarketID] = true

		cfg, err := m.toConfig()
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", m.MarketID, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func (m marketEntry) toConfig() (MarketConfig, error) {
	cfg := MarketConfig{
		MarketID:          m.MarketID,
		Version:           1,
		MakerFeeOverrides: make(map[uuid.UUID]fpmath.Wad),
		TakerFeeOverrides: make(map[uuid.UUID]fpmath.Wad),
		Liquidators:       make(map[uuid.UUID]bool),
	}

	fields := []struct {
		name string
		raw  string
		dst  *fpmath.Wad
	}{
		{"initial_margin_ratio", m.InitialMarginRatio, &cfg.InitialMarginRatio},
		{"maintenance_margin_ratio", m.MaintenanceMarginRatio, &cfg.MaintenanceMarginRatio},
		{"max_leverage", m.MaxLeverage, &cfg.MaxLeverage},
		{"tick_size", m.TickSize, &cfg.TickSize},
		{"maker_fee_rate", m.MakerFeeRate, &cfg.MakerFeeRate},
		{"taker_fee_rate", m.TakerFeeRate, &cfg.TakerFeeRate},
		{"insurance_pool_ratio", m.InsurancePoolRatio, &cfg.InsurancePoolRatio},
		{"gas_charge", m.GasCharge, &cfg.GasCharge},
		{"gasless_notional_threshold", m.GaslessNotionalThreshold, &cfg.GaslessNotionalThreshold},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		v, err := fpmath.ParseWad(f.raw)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}

	for _, raw := range m.Liquidators {
		id, err := uuid.Parse(raw)
		if err != nil {
			return cfg, fmt.Errorf("liquidators: %w", err)
		}
		cfg.Liquidators[id] = true
	}

	if m.DeleveragingOperator != "" {
		id, err := uuid.Parse(m.DeleveragingOperator)
		if err != nil {
			return cfg, fmt.Errorf("deleveraging_operator: %w", err)
		}
		cfg.DeleveragingOperator = id
	}

	for _, o := range m.FeeOverrides {
		id, err := uuid.Parse(o.Account)
		if err != nil {
			return cfg, fmt.Errorf("fee_overrides: %w", err)
		}
		if o.Maker != "" {
			rate, err := fpmath.ParseWad(o.Maker)
			if err != nil {
				return cfg, fmt.Errorf("fee_overrides maker: %w", err)
			}
			cfg.MakerFeeOverrides[id] = rate
		}
		if o.Taker != "" {
			rate, err := fpmath.ParseWad(o.Taker)
			if err != nil {
				return cfg, fmt.Errorf("fee_overrides taker: %w", err)
			}
			cfg.TakerFeeOverrides[id] = rate
		}
	}
	return cfg, nil
}
