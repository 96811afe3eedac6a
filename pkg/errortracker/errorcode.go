package errortracker

import (
	"strconv"
	"strings"
)

// ErrorCode is a set of per-voxel failure flags. Each condition owns one bit
// so that codes accumulate across processing stages with bitwise OR, and the
// individual conditions can be recovered from the aggregate.
type ErrorCode uint32

const (
	OK              ErrorCode = 0
	VFAThreshFail   ErrorCode = 1 << (iota - 1) // signal at lowest flip angle below threshold
	T1InitFail                                  // initialisation of T1 fit failed
	T1FitFail                                   // T1 fit failed
	T1MaxIter                                   // T1 fit hit max iterations
	T1MadValue                                  // baseline T1 outside plausible range
	M0Negative                                  // M0 not positive
	NonEnhIAUC                                  // voxel not enhancing
	CaIsNaN                                     // concentration contains NaN
	DynT1Negative                               // dynamic T1 invalid
	DCEInvalidInput                             // input value NaN or negative
	DCEFitFail                                  // model fit did not converge
	DCEInvalidParam                             // model parameters out of bounds
	B1Invalid                                   // B1 correction <= 0
)

var codeNames = []struct {
	code ErrorCode
	name string
}{
	{VFAThreshFail, "VFA_THRESH_FAIL"},
	{T1InitFail, "T1_INIT_FAIL"},
	{T1FitFail, "T1_FIT_FAIL"},
	{T1MaxIter, "T1_MAX_ITER"},
	{T1MadValue, "T1_MAD_VALUE"},
	{M0Negative, "M0_NEGATIVE"},
	{NonEnhIAUC, "NON_ENH_IAUC"},
	{CaIsNaN, "CA_IS_NAN"},
	{DynT1Negative, "DYNT1_NEGATIVE"},
	{DCEInvalidInput, "DCE_INVALID_INPUT"},
	{DCEFitFail, "DCE_FIT_FAIL"},
	{DCEInvalidParam, "DCE_INVALID_PARAM"},
	{B1Invalid, "B1_INVALID"},
}

// Has reports whether every bit of flag is set in c
func (c ErrorCode) Has(flag ErrorCode) bool {
	return c&flag == flag
}

// String lists the names of the set flags joined by '|'
func (c ErrorCode) String() string {
	if c == OK {
		return "OK"
	}
	var parts []string
	rest := c
	for _, cn := range codeNames {
		if c&cn.code != 0 {
			parts = append(parts, cn.name)
			rest &^= cn.code
		}
	}
	if rest != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(uint64(rest), 16))
	}
	return strings.Join(parts, "|")
}
