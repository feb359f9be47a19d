package domain

import "errors"

var (
	// ErrDataGap means no usable price bar exists near the mention date. The
	// mention stays pending.
	ErrDataGap = errors.New("price data gap")

	// ErrProviderUnavailable means no routable price source exists at all.
	ErrProviderUnavailable = errors.New("no routable price provider")

	// ErrSnapshotUnavailable means no same-day reference price could be
	// resolved. Callers surface it as status "unavailable".
	ErrSnapshotUnavailable = errors.New("snapshot price unavailable")

	// ErrInvalidInput marks malformed caller input.
	ErrInvalidInput = errors.New("invalid input")
)
