package gitproto

import "fmt"

// MalformedPktError signals a pkt-line whose length prefix is not valid hex
// or one of the three recognised special lengths.
type MalformedPktError struct{ Raw string }

func (e *MalformedPktError) Error() string {
	return fmt.Sprintf("gitproto: malformed pkt-line length %q", e.Raw)
}

// UnsupportedError signals a capability the remote did not advertise was
// required by the caller — e.g. want-ref against a server lacking
// fetch=ref-in-want.
type UnsupportedError struct{ Capability string }

func (e *UnsupportedError) Error() string {
	return "gitproto: remote does not support " + e.Capability
}

// ProtocolError signals an unexpected packet or malformed negotiation
// response from the remote.
type ProtocolError struct{ Reason string }

func (e *ProtocolError) Error() string { return "gitproto: protocol error: " + e.Reason }
