package grading

import (
	"math"
	"strconv"
	"strings"
)

// numericMatch supports exact string match or numeric tolerance via the answer keys.
// Examples:
//
//	keys: ["3.14159", "tol=0.01"]   // absolute tolerance
//	keys: ["100", "reltol=0.05"]    // 5% relative tolerance
func numericMatch(resp string, keys []string) bool {
	var targets, opts []string
	for _, k := range keys {
		lk := strings.ToLower(strings.TrimSpace(k))
		if strings.HasPrefix(lk, "tol=") || strings.HasPrefix(lk, "reltol=") {
			opts = append(opts, lk)
			continue
		}
		targets = append(targets, k)
	}
	absTol, relTol := parseTolerances(opts)

	rv, rOK := parseFloatLoose(resp)
	for _, target := range targets {
		if strings.EqualFold(strings.TrimSpace(resp), strings.TrimSpace(target)) {
			return true
		}
		tv, tOK := parseFloatLoose(target)
		if !rOK || !tOK {
			continue
		}
		diff := math.Abs(rv - tv)
		if diff == 0 {
			return true
		}
		if absTol >= 0 && diff <= absTol {
			return true
		}
		if relTol >= 0 && diff <= relTol*math.Abs(tv) {
			return true
		}
	}
	return false
}

func parseFloatLoose(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, true
	}
	if sp := strings.Fields(s); len(sp) > 0 {
		if v, err := strconv.ParseFloat(sp[0], 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

func parseTolerances(keys []string) (absTol float64, relTol float64) {
	absTol, relTol = -1, -1
	for _, k := range keys {
		if strings.HasPrefix(k, "tol=") {
			if v, err := strconv.ParseFloat(strings.TrimPrefix(k, "tol="), 64); err == nil {
				absTol = v
			}
		}
		if strings.HasPrefix(k, "reltol=") {
			if v, err := strconv.ParseFloat(strings.TrimPrefix(k, "reltol="), 64); err == nil {
				relTol = v
			}
		}
	}
	return
}
