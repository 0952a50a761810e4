package config

import (
	"errors"
	"fmt"
)

// ErrLimitOutOfRange is returned by Limits.Validate for a rejected request parameter
var ErrLimitOutOfRange = errors.New("limit out of range")

// Bound is the default and the inclusive upper bound of one request parameter.
// The lower bound is always 1.
type Bound struct {
	Default int `toml:"default" json:"default"`
	Max     int `toml:"max" json:"max"`
}

// Limits bounds the caller supplied aggregation parameters
type Limits struct {
	Count      Bound `toml:"count" json:"count"`
	MaxPerUser Bound `toml:"max_per_user" json:"max_per_user"`
	MaxFetches Bound `toml:"max_fetches" json:"max_fetches"`
}

func DefaultLimits() Limits {
	return Limits{
		Count:      Bound{Default: 6, Max: 18},
		MaxPerUser: Bound{Default: 1, Max: 10},
		MaxFetches: Bound{Default: 300, Max: 2000},
	}
}

// Validate checks request parameters against the configured bounds.
// Zero values are replaced with the defaults before checking.
func (l Limits) Validate(count, perUser, fetches int) (int, int, int, error) {
	if count == 0 {
		count = l.Count.Default
	}
	if perUser == 0 {
		perUser = l.MaxPerUser.Default
	}
	if fetches == 0 {
		fetches = l.MaxFetches.Default
	}

	if count < 1 || count > l.Count.Max {
		return 0, 0, 0, fmt.Errorf("%w: count must be between 1 and %d", ErrLimitOutOfRange, l.Count.Max)
	}
	if perUser < 1 || perUser > l.MaxPerUser.Max {
		return 0, 0, 0, fmt.Errorf("%w: max posts per user must be between 1 and %d", ErrLimitOutOfRange, l.MaxPerUser.Max)
	}
	if fetches < 1 || fetches > l.MaxFetches.Max {
		return 0, 0, 0, fmt.Errorf("%w: max_fetches must be between 1 and %d", ErrLimitOutOfRange, l.MaxFetches.Max)
	}
	return count, perUser, fetches, nil
}

func (l Limits) check() error {
	for name, b := range map[string]Bound{
		"count":        l.Count,
		"max_per_user": l.MaxPerUser,
		"max_fetches":  l.MaxFetches,
	} {
		if b.Max < 1 {
			return fmt.Errorf("%s max must be positive, got %d", name, b.Max)
		}
		if b.Default < 1 || b.Default > b.Max {
			return fmt.Errorf("%s default %d is outside 1..%d", name, b.Default, b.Max)
		}
	}
	return nil
}
