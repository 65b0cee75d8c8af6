package driver

import (
	"fmt"
	"os"

	"go.bug.st/serial"
)

// UART wraps a go.bug.st/serial port as a Driver. Since the portable
// serial.Port interface exposes no file descriptor the event loop's
// epoll instance could register directly, a background goroutine
// relays bytes from the port into one end of an os.Pipe; the other end
// is what Fd() returns, giving the event loop a real, epoll-compatible
// descriptor to watch for readability. Flow control is left at the
// library default (none) and is otherwise optional and externally
// configured.
type UART struct {
	port serial.Port

	pipeR *os.File
	pipeW *os.File
}

// OpenUART opens devicePath at the given baud rate with 8N1 framing, the
// configuration assumed for the wire protocol.
func OpenUART(devicePath string, baud int) (*UART, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(devicePath, mode)
	if err != nil {
		return nil, fmt.Errorf("driver: open UART %s: %w", devicePath, err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("driver: open relay pipe: %w", err)
	}

	u := &UART{port: port, pipeR: r, pipeW: w}
	go u.relay()
	return u, nil
}

// relay copies bytes from the serial port into the pipe's write end
// until the port is closed, at which point both reads return an error
// and the loop exits.
func (u *UART) relay() {
	buf := make([]byte, 4096)
	for {
		n, err := u.port.Read(buf)
		if n > 0 {
			if _, werr := u.pipeW.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (u *UART) Read(p []byte) (int, error)  { return u.pipeR.Read(p) }
func (u *UART) Write(p []byte) (int, error) { return u.port.Write(p) }

func (u *UART) Close() error {
	portErr := u.port.Close()
	u.pipeW.Close()
	u.pipeR.Close()
	return portErr
}

// Fd returns the read end of the relay pipe, suitable for
// EventLoop.Register.
func (u *UART) Fd() int { return int(u.pipeR.Fd()) }
