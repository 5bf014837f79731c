package utils

import (
	"regexp"
	"strings"
)

// PlateLength is the length of a canonical plate: three letters followed by three digits.
const PlateLength = 6

var PlatePattern = regexp.MustCompile(`^[A-Z]{3}\d{3}$`)

var letterFixes = map[byte]byte{
	'0': 'O',
	'1': 'I',
	'5': 'S',
}

var digitFixes = map[byte]byte{
	'O': '0',
	'I': '1',
	'L': '1',
	'S': '5',
	'B': '8',
}

// NormalizePlate uppercases the OCR text, keeps only A-Z and 0-9 and, for
// reads of at least six characters, fixes the usual letter/digit confusions
// in the first six positions. Shorter reads are returned filtered only.
func NormalizePlate(raw string) string {
	if raw == "" {
		return ""
	}

	upper := strings.ToUpper(raw)
	filtered := make([]byte, 0, len(upper))
	for i := 0; i < len(upper); i++ {
		c := upper[i]
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			filtered = append(filtered, c)
		}
	}

	if len(filtered) < PlateLength {
		return string(filtered)
	}

	for i := 0; i < PlateLength; i++ {
		fixes := digitFixes
		if i < 3 {
			fixes = letterFixes
		}
		if fixed, ok := fixes[filtered[i]]; ok {
			filtered[i] = fixed
		}
	}

	return string(filtered)
}

func MatchesPlateGrammar(plate string) bool {
	return PlatePattern.MatchString(plate)
}
