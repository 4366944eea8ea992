package charity

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// CreationDateLayout is the format of creation dates on outbound events
const CreationDateLayout = "2006-01-02"

// NormalizeCreationDate converts a wrapped epoch timestamp such as
// "/Date(1700000000000)/" into a UTC calendar date. Every non-digit
// character is discarded and the remaining digits are read as milliseconds
// since the Unix epoch.
func NormalizeCreationDate(raw string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) && r < unicode.MaxASCII {
			return r
		}
		return -1
	}, raw)
	if digits == "" {
		return "", fmt.Errorf("%w: creation date %q has no digits", ErrDetailUnavailable, raw)
	}

	ms, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: creation date %q: %v", ErrDetailUnavailable, raw, err)
	}

	return time.UnixMilli(ms).UTC().Format(CreationDateLayout), nil
}
