package domain

import "time"

// Environment splits persisted state between live trading and simulation.
type Environment string

const (
	EnvLive Environment = "LIVE"
	EnvTest Environment = "TEST"
)

// ClientIDPrefix returns the client-order-id prefix for this environment.
func (e Environment) ClientIDPrefix() string {
	if e == EnvTest {
		return "dry_"
	}
	return "bot_"
}

// Profile owns a trading universe on one exchange. The engine runs N
// profiles concurrently; each holds its own risk metrics and positions.
type Profile struct {
	ID          int64
	Name        string
	Environment Environment
	Exchange    string
	Symbols     []string // canonical "BASE/QUOTE"
	Timeframes  []string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Slot is one logical trading lane: (profile, symbol, timeframe).
type Slot struct {
	ProfileID int64
	Exchange  string
	Symbol    string
	Timeframe string
}

// PosKey returns the slot's position business key.
func (s Slot) PosKey() PosKey {
	return BuildPosKey(s.ProfileID, s.Exchange, s.Symbol, s.Timeframe)
}

// Slots expands the profile universe into its trading lanes.
func (p *Profile) Slots() []Slot {
	out := make([]Slot, 0, len(p.Symbols)*len(p.Timeframes))
	for _, sym := range p.Symbols {
		for _, tf := range p.Timeframes {
			out = append(out, Slot{
				ProfileID: p.ID,
				Exchange:  p.Exchange,
				Symbol:    sym,
				Timeframe: tf,
			})
		}
	}
	return out
}

// DryRun reports whether venue mutations must be simulated for this profile.
func (p *Profile) DryRun() bool {
	return p.Environment == EnvTest
}
