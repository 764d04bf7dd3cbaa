package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// StrategyDoc is the hot-reloadable strategy document. It carries the
// order-lifecycle tuning and the risk sizing ladder; everything else in
// the system requires a restart to change. Zero values mean "use the
// built-in default", so a sparse document is valid.
type StrategyDoc struct {
	Entry struct {
		UseLimitOrders *bool   `toml:"use_limit_orders"`
		PatiencePct    float64 `toml:"patience_pct"`
		SLPct          float64 `toml:"sl_pct"`
		TPPct          float64 `toml:"tp_pct"`
	} `toml:"entry"`

	Pending struct {
		Poll           duration `toml:"poll"`
		MinAge         duration `toml:"min_age"`
		Timeout        duration `toml:"timeout"`
		StrongReversal float64  `toml:"strong_reversal"`
		Invalidation   float64  `toml:"invalidation"`
	} `toml:"pending"`

	Exit struct {
		Score      float64  `toml:"score"`
		SLCooldown duration `toml:"sl_cooldown"`
	} `toml:"exit"`

	Protective struct {
		RecreateCooldown       duration `toml:"recreate_cooldown"`
		ProfitLockThreshold    float64  `toml:"profit_lock_threshold"`
		ProfitLockLevel        float64  `toml:"profit_lock_level"`
		ATRExtension           float64  `toml:"atr_extension"`
		TPExtensionCap         float64  `toml:"tp_extension_cap"`
		TightenConfidenceRatio float64  `toml:"tighten_confidence_ratio"`
		TightenFactor          float64  `toml:"tighten_factor"`
	} `toml:"protective"`

	// Risk limits are read at startup only; the breaker's thresholds do not
	// hot-reload because a latched trip must survive a document edit.
	Risk struct {
		DrawdownLimit  float64 `toml:"drawdown_limit"`
		DailyLossLimit float64 `toml:"daily_loss_limit"`
	} `toml:"risk"`

	Sizing struct {
		MaxLeverage int          `toml:"max_leverage"`
		Tiers       []TierConfig `toml:"tiers"`
	} `toml:"sizing"`
}

// TierConfig is one rung of the score-to-size ladder.
type TierConfig struct {
	Name       string  `toml:"name"`
	MinScore   float64 `toml:"min_score"`
	Leverage   int     `toml:"leverage"`
	MarginUSDT float64 `toml:"margin_usdt"`
}

// LoadStrategy reads the strategy document at path and returns it together
// with a version string derived from the file's modification time. The
// version is pinned into every position opened under it, so reconciliation
// and post-mortems can tell which tuning produced a given trade. A missing
// file is not an error: the empty document (all defaults) is returned with
// version "default".
func LoadStrategy(path string) (StrategyDoc, string, error) {
	var doc StrategyDoc
	if path == "" {
		return doc, "default", nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, "default", nil
		}
		return doc, "", fmt.Errorf("stat strategy %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return StrategyDoc{}, "", fmt.Errorf("decode strategy %s: %w", path, err)
	}
	return doc, fmt.Sprintf("v%d", info.ModTime().Unix()), nil
}
