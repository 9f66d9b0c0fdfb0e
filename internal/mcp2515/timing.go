package mcp2515

import "fmt"

// Timing describes the bit timing in time quanta. All fields are 1-based as
// in the datasheet; packing subtracts one.
type Timing struct {
	OscillatorHz uint32
	Prescaler    uint8 // BRP, 1..64
	PropSeg      uint8 // 1..8
	PhaseSeg1    uint8 // 1..8
	PhaseSeg2    uint8 // 1..8
	SJW          uint8 // 1..4
}

// DefaultTiming is 24 MHz, BRP 6, PROP 1, PS1 3, PS2 3, SJW 1 (250 kbit/s).
var DefaultTiming = Timing{
	OscillatorHz: 24_000_000,
	Prescaler:    6,
	PropSeg:      1,
	PhaseSeg1:    3,
	PhaseSeg2:    3,
	SJW:          1,
}

// Validate checks every field against the register widths.
func (t Timing) Validate() error {
	switch {
	case t.OscillatorHz == 0:
		return fmt.Errorf("%w: oscillator frequency is zero", ErrInvalidTiming)
	case t.Prescaler < 1 || t.Prescaler > 64:
		return fmt.Errorf("%w: prescaler %d outside 1..64", ErrInvalidTiming, t.Prescaler)
	case t.SJW < 1 || t.SJW > 4:
		return fmt.Errorf("%w: sjw %d outside 1..4", ErrInvalidTiming, t.SJW)
	case t.PropSeg < 1 || t.PropSeg > 8:
		return fmt.Errorf("%w: propagation segment %d outside 1..8", ErrInvalidTiming, t.PropSeg)
	case t.PhaseSeg1 < 1 || t.PhaseSeg1 > 8:
		return fmt.Errorf("%w: phase segment 1 %d outside 1..8", ErrInvalidTiming, t.PhaseSeg1)
	case t.PhaseSeg2 < 1 || t.PhaseSeg2 > 8:
		return fmt.Errorf("%w: phase segment 2 %d outside 1..8", ErrInvalidTiming, t.PhaseSeg2)
	}
	return nil
}

// Registers packs the configuration registers.
//
//	CNF1: SJW(7:6) BRP(5:0)
//	CNF2: BTLMODE(7)=1 SAM(6) PHSEG1(5:3) PRSEG(2:0)
//	CNF3: SOF(7) WAKFIL(6) PHSEG2(2:0)
//
// BTLMODE is always set so PS2 comes from CNF3.
func (t Timing) Registers() (cnf1, cnf2, cnf3 byte) {
	cnf1 = (t.SJW-1)<<6 | (t.Prescaler-1)&0x3F
	cnf2 = 0x80 | ((t.PhaseSeg1-1)&0x07)<<3 | (t.PropSeg-1)&0x07
	cnf3 = (t.PhaseSeg2 - 1) & 0x07
	return cnf1, cnf2, cnf3
}

// Quanta is the number of time quanta per bit (sync segment included).
func (t Timing) Quanta() uint32 {
	return 1 + uint32(t.PropSeg) + uint32(t.PhaseSeg1) + uint32(t.PhaseSeg2)
}

// BitRate returns the nominal bit rate in bit/s. TQ = 2*BRP/Fosc.
func (t Timing) BitRate() uint32 {
	den := 2 * uint32(t.Prescaler) * t.Quanta()
	if den == 0 {
		return 0
	}
	return t.OscillatorHz / den
}

// SetTiming writes CNF1..CNF3. The controller must be in configuration mode;
// the driver does not check.
func (d *Driver) SetTiming(t Timing) error {
	if err := t.Validate(); err != nil {
		return err
	}
	cnf1, cnf2, cnf3 := t.Registers()
	for _, w := range [...]struct{ addr, val byte }{
		{RegCNF1, cnf1},
		{RegCNF2, cnf2},
		{RegCNF3, cnf3},
	} {
		if err := d.WriteRegister(w.addr, w.val); err != nil {
			return fmt.Errorf("set timing: %w", err)
		}
	}
	d.log.Info("mcp2515_timing", "cnf1", fmt.Sprintf("0x%02X", cnf1), "cnf2", fmt.Sprintf("0x%02X", cnf2), "cnf3", fmt.Sprintf("0x%02X", cnf3), "bitrate", t.BitRate())
	return nil
}
