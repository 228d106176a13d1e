package transform

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	currencyNoiseRegex = regexp.MustCompile(`[\s,$€£¥]`)
	nonIntegerRegex    = regexp.MustCompile(`[^0-9-]`)
)

// FloatOrNull parses "$1,299,000.00"-style values; nil on empty or non-numeric input.
func FloatOrNull(v *string) *float64 {
	if v == nil {
		return nil
	}
	cleaned := currencyNoiseRegex.ReplaceAllString(*v, "")
	if cleaned == "" {
		return nil
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// IntOrNull drops every character but digits and '-' before parsing.
func IntOrNull(v *string) *int {
	if v == nil {
		return nil
	}
	cleaned := nonIntegerRegex.ReplaceAllString(*v, "")
	if cleaned == "" {
		return nil
	}
	i, err := strconv.Atoi(cleaned)
	if err != nil {
		return nil
	}
	return &i
}

// StringOrNull trims v and maps blank to nil.
func StringOrNull(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}
