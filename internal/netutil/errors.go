package netutil

import "fmt"

// SocketOpenError reports a failed raw socket creation.
type SocketOpenError struct {
	Err error
}

func (e *SocketOpenError) Error() string {
	return fmt.Sprintf("raw socket open failed (root or CAP_NET_RAW required): %v", e.Err)
}

func (e *SocketOpenError) Unwrap() error { return e.Err }

// InterfaceNotFoundError reports a device name the kernel could not resolve.
type InterfaceNotFoundError struct {
	Name string
	Err  error
}

func (e *InterfaceNotFoundError) Error() string {
	return fmt.Sprintf("net device %q not found: %v", e.Name, e.Err)
}

func (e *InterfaceNotFoundError) Unwrap() error { return e.Err }

// SendError reports a failed or partial transmit. Err is nil for a short
// write, in which case Sent < Want.
type SendError struct {
	Want int
	Sent int
	Err  error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("send of %d bytes failed: %v", e.Want, e.Err)
	}
	return fmt.Sprintf("partial send: %d of %d bytes", e.Sent, e.Want)
}

func (e *SendError) Unwrap() error { return e.Err }

// ReceiveError reports a failed receive call.
type ReceiveError struct {
	Err error
}

func (e *ReceiveError) Error() string {
	return fmt.Sprintf("receive failed: %v", e.Err)
}

func (e *ReceiveError) Unwrap() error { return e.Err }
