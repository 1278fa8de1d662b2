package calcatalog

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Calibrator is one bandpass/gain calibrator source. Catalog entries are
// loaded once at startup; no hot reload.
type Calibrator struct {
	Name    string          `yaml:"name"`
	RADeg   float64         `yaml:"ra_deg"`
	DecDeg  float64         `yaml:"dec_deg"`
	FluxJy  decimal.Decimal `yaml:"-"`
	Transit time.Duration   // UTC time of day of transit
}

// rawCalibrator is the on-disk YAML shape. Flux stays a string until parsed
// so catalog values keep their exact decimal representation.
type rawCalibrator struct {
	Name    string  `yaml:"name"`
	RADeg   float64 `yaml:"ra_deg"`
	DecDeg  float64 `yaml:"dec_deg"`
	FluxJy  string  `yaml:"flux_jy"`
	Transit string  `yaml:"transit_utc"` // "HH:MM:SS"
}

type rawCatalog struct {
	Calibrators []rawCalibrator `yaml:"calibrators"`
}

// Catalog holds the loaded calibrator list.
type Catalog struct {
	entries []Calibrator
}

// Load reads a calibrator catalog YAML file and validates every entry.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibrator catalog: %w", err)
	}

	var raw rawCatalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse calibrator catalog %s: %w", path, err)
	}
	if len(raw.Calibrators) == 0 {
		return nil, fmt.Errorf("calibrator catalog %s contains no entries", path)
	}

	cat := &Catalog{entries: make([]Calibrator, 0, len(raw.Calibrators))}
	seen := make(map[string]bool, len(raw.Calibrators))
	for _, rc := range raw.Calibrators {
		c, err := rc.parse()
		if err != nil {
			return nil, fmt.Errorf("calibrator catalog %s: %w", path, err)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("calibrator catalog %s: duplicate entry %q", path, c.Name)
		}
		seen[c.Name] = true
		cat.entries = append(cat.entries, c)
	}

	sort.Slice(cat.entries, func(i, j int) bool {
		return cat.entries[i].Transit < cat.entries[j].Transit
	})
	return cat, nil
}

func (rc rawCalibrator) parse() (Calibrator, error) {
	if rc.Name == "" {
		return Calibrator{}, fmt.Errorf("calibrator entry missing name")
	}
	if rc.DecDeg < -90 || rc.DecDeg > 90 {
		return Calibrator{}, fmt.Errorf("calibrator %q: dec_deg %v out of range", rc.Name, rc.DecDeg)
	}
	if rc.RADeg < 0 || rc.RADeg >= 360 {
		return Calibrator{}, fmt.Errorf("calibrator %q: ra_deg %v out of range", rc.Name, rc.RADeg)
	}

	flux, err := decimal.NewFromString(rc.FluxJy)
	if err != nil {
		return Calibrator{}, fmt.Errorf("calibrator %q: invalid flux_jy %q: %w", rc.Name, rc.FluxJy, err)
	}
	if flux.Sign() <= 0 {
		return Calibrator{}, fmt.Errorf("calibrator %q: flux_jy must be positive, got %s", rc.Name, flux)
	}

	transit, err := parseTimeOfDay(rc.Transit)
	if err != nil {
		return Calibrator{}, fmt.Errorf("calibrator %q: invalid transit_utc %q: %w", rc.Name, rc.Transit, err)
	}

	return Calibrator{
		Name:    rc.Name,
		RADeg:   rc.RADeg,
		DecDeg:  rc.DecDeg,
		FluxJy:  flux,
		Transit: transit,
	}, nil
}

func parseTimeOfDay(s string) (time.Duration, error) {
	t, err := time.Parse("15:04:05", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second, nil
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// Entries returns a copy of all calibrators.
func (c *Catalog) Entries() []Calibrator {
	return append([]Calibrator(nil), c.entries...)
}

// TransitsIn returns, in transit order, the names of calibrators at or above
// minFlux whose daily transit falls inside [windowStart, windowStart+window).
// Windows spanning midnight are handled by also checking the following day's
// transit.
func (c *Catalog) TransitsIn(windowStart time.Time, window time.Duration, minFlux decimal.Decimal) []string {
	windowStart = windowStart.UTC()
	end := windowStart.Add(window)
	midnight := time.Date(windowStart.Year(), windowStart.Month(), windowStart.Day(),
		0, 0, 0, 0, time.UTC)

	var names []string
	for _, cal := range c.entries {
		if cal.FluxJy.LessThan(minFlux) {
			continue
		}
		for _, transit := range []time.Time{
			midnight.Add(cal.Transit),
			midnight.Add(24*time.Hour + cal.Transit),
		} {
			if !transit.Before(windowStart) && transit.Before(end) {
				names = append(names, cal.Name)
				break
			}
		}
	}
	return names
}
