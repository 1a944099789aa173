// Package postcode validates and formats UK postcodes, including the pseudo-postcodes of the
// Crown Dependencies (Guernsey, Isle of Man and Jersey).
package postcode

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalid = errors.New("invalid postcode")

var (
	separators   = regexp.MustCompile(`[\s\-]+`)
	inwardCode   = regexp.MustCompile(`^[0-9][A-Z]{2}$`)
	outwardCodes = []*regexp.Regexp{
		regexp.MustCompile(`^[A-Z][0-9]$`),
		regexp.MustCompile(`^[A-Z][0-9]{2}$`),
		regexp.MustCompile(`^[A-Z]{2}[0-9]$`),
		regexp.MustCompile(`^[A-Z]{2}[0-9]{2}$`),
		regexp.MustCompile(`^[A-Z][0-9][A-Z]$`),
		regexp.MustCompile(`^[A-Z]{2}[0-9][A-Z]$`),
	}
	crownDependency = regexp.MustCompile(`(?i)^((?:GY|IM|JE)\d[A-Z\d]?) ?(\d[A-Z]{2})$`)
)

// Format returns the canonical form of a UK or Crown Dependency postcode, e.g. "N1 1AA".
func Format(raw string) (string, error) {
	if formatted, ok := FormatGB(raw); ok {
		return formatted, nil
	}
	if formatted := FormatCrownDependency(strings.TrimSpace(raw)); formatted != "" {
		return formatted, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalid, raw)
}

// FormatGB formats a mainland UK postcode.
func FormatGB(raw string) (string, bool) {
	code := strings.ToUpper(separators.ReplaceAllString(raw, ""))
	if code == "GIR0AA" {
		return "GIR 0AA", true
	}
	if len(code) < 5 || len(code) > 7 {
		return "", false
	}

	outward, inward := code[:len(code)-3], code[len(code)-3:]
	if !inwardCode.MatchString(inward) {
		return "", false
	}
	for _, pattern := range outwardCodes {
		if pattern.MatchString(outward) {
			return outward + " " + inward, true
		}
	}
	return "", false
}

func IsCrownDependency(raw string) bool {
	return crownDependency.MatchString(raw)
}

// FormatCrownDependency returns "" when raw is not a Crown Dependency pseudo-postcode.
func FormatCrownDependency(raw string) string {
	matches := crownDependency.FindStringSubmatch(raw)
	if matches == nil {
		return ""
	}
	return strings.ToUpper(matches[1]) + " " + strings.ToUpper(matches[2])
}
