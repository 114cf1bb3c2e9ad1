package rv64

import (
	"errors"
	"io"
)

// UART register offsets (16550 compatible)
const (
	UARTRegTHR = 0 // Transmit Holding Register (write)
	UARTRegRBR = 0 // Receive Buffer Register (read)
	UARTRegIER = 1 // Interrupt Enable Register
	UARTRegIIR = 2 // Interrupt Identification Register (read)
	UARTRegFCR = 2 // FIFO Control Register (write)
	UARTRegLCR = 3 // Line Control Register
	UARTRegMCR = 4 // Modem Control Register
	UARTRegLSR = 5 // Line Status Register
	UARTRegMSR = 6 // Modem Status Register
	UARTRegSCR = 7 // Scratch Register

	UARTSize = 0x100
)

// LSR bits
const (
	UARTLSRTHREmpty = 1 << 5 // Transmit holding register empty
	UARTLSRTxEmpty  = 1 << 6 // Transmitter empty
)

const uartIIRNoInterrupt = 1 << 0

// ErrUARTAccessSize is returned for UART accesses wider than one byte.
var ErrUARTAccessSize = errors.New("uart registers are byte wide")

// UART is a transmit-only 16550. Received data always reads as empty so
// that runs do not depend on host input.
type UART struct {
	Output io.Writer

	IER uint8
	FCR uint8
	LCR uint8
	MCR uint8
	SCR uint8
	DLL uint8
	DLH uint8

	// Written counts the bytes transmitted.
	Written uint64
}

// NewUART creates a UART writing to output. A nil output discards.
func NewUART(output io.Writer) *UART {
	if output == nil {
		output = io.Discard
	}
	return &UART{Output: output}
}

// Size implements Device
func (uart *UART) Size() uint64 {
	return UARTSize
}

func (uart *UART) dlab() bool { return uart.LCR&0x80 != 0 }

// Read implements Device
func (uart *UART) Read(offset uint64, size int) (uint64, error) {
	if size != 1 {
		return 0, ErrUARTAccessSize
	}
	switch offset {
	case UARTRegRBR:
		if uart.dlab() {
			return uint64(uart.DLL), nil
		}
		return 0, nil
	case UARTRegIER:
		if uart.dlab() {
			return uint64(uart.DLH), nil
		}
		return uint64(uart.IER), nil
	case UARTRegIIR:
		return uartIIRNoInterrupt, nil
	case UARTRegLCR:
		return uint64(uart.LCR), nil
	case UARTRegMCR:
		return uint64(uart.MCR), nil
	case UARTRegLSR:
		return UARTLSRTHREmpty | UARTLSRTxEmpty, nil
	case UARTRegSCR:
		return uint64(uart.SCR), nil
	}
	return 0, nil
}

// Write implements Device
func (uart *UART) Write(offset uint64, size int, value uint64) error {
	if size != 1 {
		return ErrUARTAccessSize
	}
	data := uint8(value)
	switch offset {
	case UARTRegTHR:
		if uart.dlab() {
			uart.DLL = data
			return nil
		}
		uart.Written++
		_, err := uart.Output.Write([]byte{data})
		return err
	case UARTRegIER:
		if uart.dlab() {
			uart.DLH = data
			return nil
		}
		uart.IER = data
	case UARTRegFCR:
		uart.FCR = data
	case UARTRegLCR:
		uart.LCR = data
	case UARTRegMCR:
		uart.MCR = data
	case UARTRegSCR:
		uart.SCR = data
	}
	return nil
}

var _ Device = (*UART)(nil)
