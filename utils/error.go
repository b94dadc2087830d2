package utils

import "errors"

func ErrorIsAnyOf(err error, targets... error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

// IgnoreErrors returns nil if err matches any of targets, err otherwise.
func IgnoreErrors(err error, targets... error) error {
	if ErrorIsAnyOf(err, targets...) {
		return nil
	}

	return err
}
