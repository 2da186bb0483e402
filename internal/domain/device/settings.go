package device

import "encoding/json"

// Settings is the typed view of a controller's configuration blob. Known
// fields are explicit and optional; anything the backend does not model is
// carried through Extra untouched so newer firmware keys survive a settings
// round trip.
type Settings struct {
	TariffPerLiter    *int           `json:"tariff_per_liter,omitempty"`
	MaxDispenseML     *int           `json:"max_dispense_ml,omitempty"`
	MinPayoutAmount   *int           `json:"min_payout_amount,omitempty"`
	Denominations     []int          `json:"denominations,omitempty"`
	DisplayBrightness *int           `json:"display_brightness,omitempty"`
	Extra             map[string]any `json:"-"`
}

// Merge overlays non-nil fields of other onto s and returns the result.
// The overlay is explicit field by field; Extra keys from other win on
// collision. Neither receiver nor argument is mutated.
func (s Settings) Merge(other Settings) Settings {
	out := s

	if other.TariffPerLiter != nil {
		out.TariffPerLiter = other.TariffPerLiter
	}
	if other.MaxDispenseML != nil {
		out.MaxDispenseML = other.MaxDispenseML
	}
	if other.MinPayoutAmount != nil {
		out.MinPayoutAmount = other.MinPayoutAmount
	}
	if other.Denominations != nil {
		out.Denominations = append([]int(nil), other.Denominations...)
	}
	if other.DisplayBrightness != nil {
		out.DisplayBrightness = other.DisplayBrightness
	}

	if len(other.Extra) > 0 {
		merged := make(map[string]any, len(s.Extra)+len(other.Extra))
		for k, v := range s.Extra {
			merged[k] = v
		}
		for k, v := range other.Extra {
			merged[k] = v
		}
		out.Extra = merged
	}

	return out
}

// settingsAlias strips the custom JSON methods so the known fields can be
// encoded without recursion
type settingsAlias Settings

var knownSettingsKeys = map[string]struct{}{
	"tariff_per_liter":   {},
	"max_dispense_ml":    {},
	"min_payout_amount":  {},
	"denominations":      {},
	"display_brightness": {},
}

// MarshalJSON flattens Extra keys into the same object as the known fields
func (s Settings) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(settingsAlias(s))
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return raw, nil
	}

	var flat map[string]json.RawMessage
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		if _, known := knownSettingsKeys[k]; known {
			continue
		}
		enc, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		flat[k] = enc
	}
	return json.Marshal(flat)
}

// UnmarshalJSON captures unmodeled keys into Extra so they round-trip
func (s *Settings) UnmarshalJSON(data []byte) error {
	var alias settingsAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	for k := range knownSettingsKeys {
		delete(flat, k)
	}
	if len(flat) == 0 {
		flat = nil
	}

	*s = Settings(alias)
	s.Extra = flat
	return nil
}
