package numbering

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	seqPadRe = regexp.MustCompile(`\{SEQ(\d+)\}`)
	numberRe = regexp.MustCompile(`^INV-(\d{4})-(\d{4,})$`)
)

// DefaultTemplate renders INV-2024-0007.
const DefaultTemplate = "INV-{YYYY}-{SEQ4}"

// Format renders the default invoice number for a year and sequence.
func Format(year int, seq int64) (string, error) {
	return FormatTemplate(DefaultTemplate, year, seq)
}

// FormatTemplate renders a number from a template with {YYYY}, {YY}, {SEQ} and
// {SEQn} (zero padded to n digits) tokens. Sequences wider than n keep all digits.
func FormatTemplate(template string, year int, seq int64) (string, error) {
	if template == "" {
		return "", fmt.Errorf("invoice number template is empty")
	}
	if seq <= 0 {
		return "", fmt.Errorf("invalid invoice sequence: %d", seq)
	}

	out := template
	out = strings.ReplaceAll(out, "{YYYY}", fmt.Sprintf("%04d", year))
	out = strings.ReplaceAll(out, "{YY}", fmt.Sprintf("%02d", year%100))
	out = strings.ReplaceAll(out, "{SEQ}", strconv.FormatInt(seq, 10))
	out = seqPadRe.ReplaceAllStringFunc(out, func(m string) string {
		match := seqPadRe.FindStringSubmatch(m)
		width, err := strconv.Atoi(match[1])
		if err != nil || width <= 0 {
			return m
		}
		return fmt.Sprintf("%0*d", width, seq)
	})

	if strings.ContainsAny(out, "{}") {
		return "", fmt.Errorf("unresolved token in invoice format: %s", out)
	}
	return out, nil
}

// Parse splits a default-format number into its year and sequence.
func Parse(number string) (int, int64, error) {
	match := numberRe.FindStringSubmatch(strings.TrimSpace(number))
	if match == nil {
		return 0, 0, ErrInvalidNumber
	}
	year, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, 0, ErrInvalidNumber
	}
	seq, err := strconv.ParseInt(match[2], 10, 64)
	if err != nil || seq <= 0 {
		return 0, 0, ErrInvalidNumber
	}
	return year, seq, nil
}
