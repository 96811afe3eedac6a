package dce

import "fmt"

// VoxelStatus is the validity status of a voxel. Exactly one status applies
// at a time; it gates which pipeline stages run.
type VoxelStatus int

const (
	OK           VoxelStatus = iota
	DynT1Bad                 // dynamic T1 invalid at one or more timepoints
	CaNaN                    // NaNs found in signal-derived concentration
	T10Bad                   // baseline T1 is invalid
	M0Bad                    // baseline M0 is invalid
	NonEnhancing             // no contrast-agent uptake
)

func (s VoxelStatus) String() string {
	switch s {
	case OK:
		return "OK"
	case DynT1Bad:
		return "DYN_T1_BAD"
	case CaNaN:
		return "CA_NAN"
	case T10Bad:
		return "T10_BAD"
	case M0Bad:
		return "M0_BAD"
	case NonEnhancing:
		return "NON_ENHANCING"
	}
	return fmt.Sprintf("VoxelStatus(%d)", int(s))
}

// Failed reports whether the status is a hard failure, one that invalidates
// the concentration curve. NonEnhancing voxels still have a usable curve.
func (s VoxelStatus) Failed() bool {
	return s != OK && s != NonEnhancing
}
