package lneto

import (
	"errors"
	"fmt"
)

// ValidatorFlags configure optional checks performed during frame validation.
type ValidatorFlags uint8

const (
	// ValidateEvilBit rejects frames with the RFC 3514 evil bit set.
	ValidateEvilBit ValidatorFlags = 1 << iota
	// ValidateMultipleErrors accumulates every error found instead of
	// stopping at the first.
	ValidateMultipleErrors
)

// Validator accumulates frame validation errors so that a frame's checks can
// run to completion without error-return plumbing at every field access.
// Frame types across the module implement ValidateSize/ValidateExceptCRC
// methods against it. The zero value is ready to use.
type Validator struct {
	flags       ValidatorFlags
	accum       []error
	accumBitpos []BitPosErr
}

// Flags returns the validator's configured optional checks.
func (v *Validator) Flags() ValidatorFlags { return v.flags }

// SetFlags replaces the validator's optional checks.
func (v *Validator) SetFlags(flags ValidatorFlags) { v.flags = flags }

// ResetErr discards all accumulated errors.
func (v *Validator) ResetErr() {
	v.accum = v.accum[:0]
	v.accumBitpos = v.accumBitpos[:0]
}

// HasError reports whether any error has been accumulated since the last reset.
func (v *Validator) HasError() bool {
	return len(v.accum) != 0
}

// Err returns the accumulated error(s) without resetting the validator.
func (v *Validator) Err() error {
	if len(v.accum) == 1 {
		return v.accum[0]
	} else if len(v.accum) == 0 {
		return nil
	}
	return errors.Join(v.accum...)
}

// ErrPop returns the accumulated error(s) and resets the validator for reuse.
func (v *Validator) ErrPop() error {
	err := v.Err()
	v.ResetErr()
	return err
}

// AddError records a validation failure.
func (v *Validator) AddError(err error) {
	if err == nil {
		panic("error argument to AddError cannot be nil")
	} else if len(v.accum) != 0 && v.flags&ValidateMultipleErrors == 0 {
		return
	}
	v.accum = append(v.accum, err)
}

// AddBitPosErr records a validation failure attributable to a specific bit
// range of the frame, for diagnostics that can point at the offending field.
func (v *Validator) AddBitPosErr(bitStart, bitLen int, err error) {
	if err == nil {
		panic("err argument to AddBitPosErr cannot be nil")
	} else if bitLen <= 0 {
		panic("non-positive bit length")
	} else if len(v.accum) != 0 && v.flags&ValidateMultipleErrors == 0 {
		return
	}
	v.accumBitpos = append(v.accumBitpos, BitPosErr{BitStart: bitStart, BitLen: bitLen, Err: err})
	v.accum = append(v.accum, &v.accumBitpos[len(v.accumBitpos)-1])
}

// BitPosErr is a validation error located at a bit range within a frame.
type BitPosErr struct {
	BitStart int
	BitLen   int
	Err      error
}

func (bpe *BitPosErr) Error() string {
	return fmt.Sprintf("%s at bits %d..%d", bpe.Err.Error(), bpe.BitStart, bpe.BitStart+bpe.BitLen)
}
