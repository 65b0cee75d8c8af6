package driver

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// spidev ioctl numbers and the transfer struct layout, matching
// <linux/spi/spidev.h>. Defined locally since they aren't exported by
// golang.org/x/sys/unix.
const (
	spiIOCMessage0     = 0x40206b00 // SPI_IOC_MESSAGE(1), its 32-byte transfer size already in bits 16-29
	spiIOCRDMode       = 0x80016b01
	spiIOCWRMode       = 0x40016b01
	spiIOCWRMaxSpeedHz = 0x40046b04
)

type spiIOCTransfer struct {
	TxBuf uint64
	RxBuf uint64
	Len   uint32

	SpeedHz     uint32
	DelayUsecs  uint16
	BitsPerWord uint8
	CSChange    uint8
	TxNBits     uint8
	RxNBits     uint8
	Pad         uint16
}

// SPI wraps a Linux spidev character device as a Driver. The daemon
// drives transfers itself rather than relying on interrupt-triggered
// reads: the secondary asserts a GPIO "IRQ" line to request a clock-out,
// but wiring that GPIO is explicitly out of scope here, so IRQ delivery
// is modeled as an external trigger calling TransferReady. cmd/cpcd does
// not call TransferReady, so bytes queued by Write are only clocked out
// when some other caller does.
type SPI struct {
	f       *os.File
	speedHz uint32
	pipeR   *os.File
	pipeW   *os.File

	mu       sync.Mutex
	pendingTx []byte
}

// OpenSPI opens a spidev device node (e.g. /dev/spidev0.0) at the given
// clock speed and sets SPI mode 0 (the common default for simple serial
// framing links).
func OpenSPI(devicePath string, speedHz uint32) (*SPI, error) {
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("driver: open SPI device %s: %w", devicePath, err)
	}

	var mode uint8
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), spiIOCWRMode, uintptr(unsafe.Pointer(&mode))); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("driver: set SPI mode: %w", errno)
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), spiIOCWRMaxSpeedHz, uintptr(unsafe.Pointer(&speedHz))); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("driver: set SPI max speed: %w", errno)
	}

	r, w, err := os.Pipe()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("driver: open relay pipe: %w", err)
	}

	return &SPI{f: f, speedHz: speedHz, pipeR: r, pipeW: w}, nil
}

// TransferReady performs one full-duplex SPI transfer of length byte
// (whatever the secondary's IRQ announced it has pending), clocking out
// queued writes and zero padding beyond them, and feeds the bytes
// received back into the driver's readable side, where the Framer's
// decoder picks them up. Its caller lives outside this package; nothing
// in this repository calls it.
func (s *SPI) TransferReady(length int) error {
	if length <= 0 {
		return nil
	}
	tx := make([]byte, length)
	s.mu.Lock()
	n := copy(tx, s.pendingTx)
	s.pendingTx = s.pendingTx[n:]
	s.mu.Unlock()

	rx := make([]byte, length)
	xfer := spiIOCTransfer{
		TxBuf:       uint64(uintptr(unsafe.Pointer(&tx[0]))),
		RxBuf:       uint64(uintptr(unsafe.Pointer(&rx[0]))),
		Len:         uint32(length),
		SpeedHz:     s.speedHz,
		BitsPerWord: 8,
	}
	ioc := spiIOCMessage0 | uintptr(unsafe.Sizeof(xfer))<<16
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, s.f.Fd(), ioc, uintptr(unsafe.Pointer(&xfer))); errno != 0 {
		return fmt.Errorf("driver: spi transfer: %w", errno)
	}
	_, err := s.pipeW.Write(rx)
	return err
}

func (s *SPI) Read(p []byte) (int, error) { return s.pipeR.Read(p) }

// Write queues bytes to be sent on the next TransferReady call rather
// than transferring immediately, since SPI has no independent write
// path: every byte sent is paired with a byte received.
func (s *SPI) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.pendingTx = append(s.pendingTx, p...)
	s.mu.Unlock()
	return len(p), nil
}

func (s *SPI) Close() error {
	s.pipeW.Close()
	s.pipeR.Close()
	return s.f.Close()
}

func (s *SPI) Fd() int { return int(s.pipeR.Fd()) }
