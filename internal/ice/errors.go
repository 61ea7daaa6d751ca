package ice

import "github.com/pkg/errors"

// Sentinel errors for conditions that are not wire-format ProtocolErrors
// but still need a stable identity for callers to check against
// (errors.Is), matching the donor package's errReadTimeout /
// errSTUNInvalidMessage convention.
var (
	errUnknownStream       = errors.New("ice: unknown stream id")
	errUnknownComponent    = errors.New("ice: unknown component id")
	errNoSuchCandidate     = errors.New("ice: no matching candidate")
	errAllocationExhausted = errors.New("ice: no TURN allocation available for component")
	errChannelNotBound     = errors.New("ice: no channel bound to that peer")
)
