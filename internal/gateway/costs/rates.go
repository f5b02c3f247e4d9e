package costs

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// amountPlaces is the precision every stored amount is rounded to.
const amountPlaces = 6

var unitsPerRate = decimal.NewFromInt(1_000_000)

// Rate is the price of one million input and output units for a model.
type Rate struct {
	Input  decimal.Decimal
	Output decimal.Decimal
}

// RateTable prices generation usage per model. Unknown models fall back to
// the longest known model name they start with. Safe for concurrent use.
type RateTable struct {
	mu       sync.RWMutex
	currency string
	rates    map[string]Rate
	v        *viper.Viper
}

// DefaultRateTable returns the built-in USD price list.
func DefaultRateTable() *RateTable {
	return NewRateTable("USD", map[string]Rate{
		"gpt-4o":        {Input: decimal.RequireFromString("2.50"), Output: decimal.RequireFromString("10.00")},
		"gpt-4o-mini":   {Input: decimal.RequireFromString("0.15"), Output: decimal.RequireFromString("0.60")},
		"gpt-4-turbo":   {Input: decimal.RequireFromString("10.00"), Output: decimal.RequireFromString("30.00")},
		"gpt-4":         {Input: decimal.RequireFromString("30.00"), Output: decimal.RequireFromString("60.00")},
		"gpt-3.5-turbo": {Input: decimal.RequireFromString("0.50"), Output: decimal.RequireFromString("1.50")},
	})
}

// NewRateTable builds a table from explicit rates.
func NewRateTable(currency string, rates map[string]Rate) *RateTable {
	t := &RateTable{}
	t.set(currency, rates)
	return t
}

func (t *RateTable) set(currency string, rates map[string]Rate) {
	normalized := make(map[string]Rate, len(rates))
	for model, r := range rates {
		normalized[strings.ToLower(strings.TrimSpace(model))] = r
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = "USD"
	}
	t.mu.Lock()
	t.currency = currency
	t.rates = normalized
	t.mu.Unlock()
}

// Currency is the currency all rates are quoted in.
func (t *RateTable) Currency() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currency
}

// Models returns the known model names, sorted.
func (t *RateTable) Models() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.rates))
	for m := range t.rates {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the table entry used for model.
func (t *RateTable) Resolve(model string) (string, Rate, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	t.mu.RLock()
	defer t.mu.RUnlock()

	if r, ok := t.rates[model]; ok {
		return model, r, true
	}
	best := ""
	for known := range t.rates {
		if strings.HasPrefix(model, known) && len(known) > len(best) {
			best = known
		}
	}
	if best == "" {
		return "", Rate{}, false
	}
	return best, t.rates[best], true
}

// Cost prices inputUnits and outputUnits for model, rounded to six places.
// ok is false when the model has no known rate.
func (t *RateTable) Cost(model string, inputUnits, outputUnits int64) (decimal.Decimal, bool) {
	_, r, ok := t.Resolve(model)
	if !ok {
		return decimal.Zero, false
	}
	in := decimal.NewFromInt(inputUnits).Div(unitsPerRate).Mul(r.Input)
	out := decimal.NewFromInt(outputUnits).Div(unitsPerRate).Mul(r.Output)
	return in.Add(out).Round(amountPlaces), true
}

type rateEntry struct {
	Name   string `mapstructure:"name"`
	Input  string `mapstructure:"input"`
	Output string `mapstructure:"output"`
}

// LoadRateTable reads a pricing file (YAML, JSON or TOML) of the form
//
//	currency: USD
//	models:
//	  - name: gpt-4o
//	    input: 2.50
//	    output: 10.00
func LoadRateTable(path string) (*RateTable, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("currency", "USD")

	t := &RateTable{v: v}
	if err := t.reload(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *RateTable) reload() error {
	if err := t.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read pricing file: %w", err)
	}
	var entries []rateEntry
	if err := t.v.UnmarshalKey("models", &entries); err != nil {
		return fmt.Errorf("decode pricing models: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("pricing file %s lists no models", t.v.ConfigFileUsed())
	}

	rates := make(map[string]Rate, len(entries))
	for i, e := range entries {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return fmt.Errorf("pricing model %d has no name", i)
		}
		in, err := decimal.NewFromString(strings.TrimSpace(e.Input))
		if err != nil {
			return fmt.Errorf("pricing model %s input rate: %w", name, err)
		}
		out, err := decimal.NewFromString(strings.TrimSpace(e.Output))
		if err != nil {
			return fmt.Errorf("pricing model %s output rate: %w", name, err)
		}
		if in.IsNegative() || out.IsNegative() {
			return fmt.Errorf("pricing model %s has a negative rate", name)
		}
		rates[name] = Rate{Input: in, Output: out}
	}
	t.set(t.v.GetString("currency"), rates)
	return nil
}

// Watch reloads the table when the pricing file changes. A bad edit keeps
// the previous rates. Only tables built by LoadRateTable can watch.
func (t *RateTable) Watch() {
	if t.v == nil {
		return
	}
	t.v.OnConfigChange(func(e fsnotify.Event) {
		if err := t.reload(); err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("Pricing file reload failed, keeping previous rates")
			return
		}
		log.Info().Str("file", e.Name).Strs("models", t.Models()).Msg("Pricing file reloaded")
	})
	t.v.WatchConfig()
}
