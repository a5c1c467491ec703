package mmio

import "github.com/slackhq/vring/notify"

// Interrupt drives the interrupt registers of a device together with the line
// the device raises.
type Interrupt struct {
	regs Registers
	line notify.Line
}

func NewInterrupt(regs Registers, line notify.Line) *Interrupt {
	return &Interrupt{regs: regs, line: line}
}

// Bind installs the interrupt service routine.
func (i *Interrupt) Bind(isr func()) error {
	return i.line.Bind(isr)
}

// Enable unmasks queue and configuration change interrupts.
func (i *Interrupt) Enable() {
	i.regs.Write32(RegisterIntEnable, InterruptQueue|InterruptConfig)
}

// Disable masks every interrupt.
func (i *Interrupt) Disable() {
	i.regs.Write32(RegisterIntEnable, 0)
}

// Clear acknowledges every pending interrupt and returns the status bits that
// were pending.
func (i *Interrupt) Clear() uint32 {
	status := i.regs.Read32(RegisterIntStatus)
	if status != 0 {
		i.regs.Write32(RegisterIntStatus, status)
	}
	return status
}
