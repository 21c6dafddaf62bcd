package devmux

import "github.com/ublkfs/devmux/internal/constants"

// Re-export the internal table-size constants at the public API surface:
// a caller sizing its own process or filp tables needs to agree with the
// core on these. drivermap.Map and procs.Table are fixed-size arrays
// bound to these constants at compile time, not runtime-configurable, so
// there is no accompanying Config type to size them differently.
const (
	NRDevices = constants.NRDevices
	NRProcs   = constants.NRProcs
	NRIOReqs  = constants.NRIOReqs
)
