package types

import (
	"fmt"
	"strings"
	"unicode"
)

// NormalizeDeviceID trims and uppercases a device identifier.
// FUNCTIONAL DISCOVERY: Scanners report MAC addresses in either case, so all
// comparisons and the binding index use the uppercase form.
func NormalizeDeviceID(deviceID string) string {
	return strings.ToUpper(strings.TrimSpace(deviceID))
}

// ValidateDeviceID normalizes and checks a device identifier.
func ValidateDeviceID(deviceID string) (string, error) {
	normalized := NormalizeDeviceID(deviceID)
	if normalized == "" {
		return "", fmt.Errorf("%w: %w", ErrInvalidInput, ErrEmptyDeviceID)
	}
	if len(normalized) > 64 || strings.IndexFunc(normalized, unicode.IsSpace) >= 0 {
		return "", fmt.Errorf("%w: %w", ErrInvalidInput, ErrInvalidDeviceID)
	}
	return normalized, nil
}

// MaxClassNameLength bounds class identifiers everywhere they are accepted.
const MaxClassNameLength = 100

// ValidateClassName checks a class identifier.
func ValidateClassName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidInput, ErrEmptyClassName)
	}
	if len(name) > MaxClassNameLength {
		return fmt.Errorf("%w: %w", ErrInvalidInput, ErrClassNameTooLong)
	}
	return nil
}

// Validate checks the required roster fields of a student input.
func (in *StudentInput) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidInput, ErrEmptyStudentName)
	}
	if in.DeviceID != "" {
		if _, err := ValidateDeviceID(in.DeviceID); err != nil {
			return err
		}
	}
	return nil
}

// ValidateScanInterval rejects non-positive intervals.
func ValidateScanInterval(seconds int) error {
	if seconds <= 0 {
		return fmt.Errorf("%w: %w", ErrInvalidInput, ErrInvalidInterval)
	}
	return nil
}

// ClassCode returns the course prefix of a class name ("CSCI-101" -> "CSCI").
func ClassCode(name string) string {
	code, _, _ := strings.Cut(strings.TrimSpace(name), "-")
	return strings.ToUpper(code)
}
