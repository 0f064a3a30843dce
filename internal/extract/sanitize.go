package extract

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

var (
	billNumberFields = []string{
		"balance_forward", "current_charges", "late_fee", "amount_due",
	}
	meterNumberFields = []string{
		"previous_reading", "meter_reading", "multiplier", "usage",
		"utility_charges", "utility_taxes", "supply_charges", "supply_taxes", "other_charge",
		"therm_factor", "adjustment_factor", "demand", "kw_actual", "kw_billed", "power_factor",
	}
)

// StripCodeFence removes a markdown code fence wrapped around a model reply.
func StripCodeFence(content string) string {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// NormalizeBillJSON
// - Coerces money/reading strings ("$1,204.50") to numbers
// - Turns empty strings into null
// - Ensures "meters" is an array
// - Stamps source_file with the original filename
func NormalizeBillJSON(raw []byte, filename string, logger *slog.Logger) ([]byte, []string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}

	changed := make([]string, 0, 4)
	coerce := func(obj map[string]any, prefix string, keys []string) {
		for _, k := range keys {
			s, ok := obj[k].(string)
			if !ok {
				continue
			}
			clean := strings.NewReplacer("$", "", ",", "", " ", "").Replace(strings.TrimSpace(s))
			if clean == "" {
				obj[k] = nil
				changed = append(changed, prefix+k+"(empty)")
				continue
			}
			f, err := strconv.ParseFloat(clean, 64)
			if err != nil {
				obj[k] = nil
				changed = append(changed, prefix+k+"(unparseable)")
				continue
			}
			obj[k] = f
			changed = append(changed, prefix+k+"(string)")
		}
	}

	coerce(m, "", billNumberFields)
	meters, ok := m["meters"].([]any)
	if !ok {
		if m["meters"] != nil {
			changed = append(changed, "meters(type)")
		}
		meters = []any{}
	}
	for i, v := range meters {
		if meter, ok := v.(map[string]any); ok {
			coerce(meter, fmt.Sprintf("meters[%d].", i), meterNumberFields)
		}
	}
	m["meters"] = meters
	m["source_file"] = filename

	out, err := json.Marshal(m)
	if err != nil {
		return nil, changed, fmt.Errorf("sanitize: encode: %w", err)
	}
	if len(changed) > 0 {
		logger.Warn("llm.extract.normalize_sanitize", "filename", filename, "changed", changed)
	}
	return out, changed, nil
}
