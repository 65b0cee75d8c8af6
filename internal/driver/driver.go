// Package driver implements the raw byte-transport layer beneath the
// Framer: a UART driver over go.bug.st/serial (the serial dependency
// carried by librescoot-bluetooth-service's go.mod) and an SPI driver
// over golang.org/x/sys/unix's spidev ioctls. Physical GPIO wiring for
// the SPI "IRQ" line is out of scope; this package only issues the
// spidev transfer once told a frame is ready.
package driver

import "io"

// Driver is the narrow interface the event loop and Core need from a
// transport: a readable/writable byte stream plus the raw fd to
// register with the EventLoop's epoll instance.
type Driver interface {
	io.ReadWriteCloser
	Fd() int
}
