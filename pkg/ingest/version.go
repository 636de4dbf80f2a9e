package ingest

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// CheckAgentVersion enforces the configured minimum agent version on
// sync traffic. An empty minimum admits every agent. With a minimum
// set, agents must report a parseable version at or above it; an agent
// that reports none is treated as too old.
func CheckAgentVersion(reported, minimum string) error {
	if minimum == "" {
		return nil
	}
	floor, err := semver.NewVersion(minimum)
	if err != nil {
		return fmt.Errorf("ingest: configured minimum agent version %q is not semver: %w", minimum, err)
	}
	if reported == "" {
		return fmt.Errorf("ingest: agent reported no version, minimum is %s", floor)
	}
	v, err := semver.NewVersion(reported)
	if err != nil {
		return fmt.Errorf("ingest: agent version %q is not semver: %w", reported, err)
	}
	if v.LessThan(floor) {
		return fmt.Errorf("ingest: agent version %s is older than required %s", v, floor)
	}
	return nil
}
