// Package gitproto implements the client and server sides of Git's
// pack-protocol v2: handshake, ls-refs, fetch negotiation, and packfile
// transfer.
package gitproto

import (
	"bufio"
	"fmt"
	"io"

	"github.com/alecthomas/errors"
)

// flushPkt, delimPkt, and responseEndPkt are the three zero-length special
// pkt-lines defined by the protocol.
const (
	flushPkt      = "0000"
	delimPkt      = "0001"
	responseEndPkt = "0002"
)

// maxPktDataLen is the largest payload a single pkt-line may carry
// (git's 65520-byte pkt-line maximum less the 4-byte length prefix).
const maxPktDataLen = 65516

// WritePktLine writes data as one length-prefixed pkt-line.
func WritePktLine(w io.Writer, data []byte) error {
	if len(data) > maxPktDataLen {
		return errors.Errorf("pkt-line payload too large: %d bytes", len(data))
	}
	_, err := fmt.Fprintf(w, "%04x%s", len(data)+4, data)
	return errors.Wrap(err, "write pkt-line")
}

// WritePktLineString is WritePktLine for a string, appending a trailing
// newline as git's line-oriented pkt-lines conventionally carry.
func WritePktLineString(w io.Writer, line string) error {
	return errors.WithStack(WritePktLine(w, []byte(line+"\n")))
}

// WriteFlush writes the flush-pkt ("0000"), terminating a command or
// section.
func WriteFlush(w io.Writer) error {
	_, err := io.WriteString(w, flushPkt)
	return errors.Wrap(err, "write flush-pkt")
}

// WriteDelim writes the delim-pkt ("0001"), separating a v2 command's
// arguments from its capability-selection prefix.
func WriteDelim(w io.Writer) error {
	_, err := io.WriteString(w, delimPkt)
	return errors.Wrap(err, "write delim-pkt")
}

// PktKind discriminates a decoded pkt-line.
type PktKind int

const (
	PktData PktKind = iota
	PktFlush
	PktDelim
	PktResponseEnd
)

// Pkt is one decoded unit read from a pack-protocol stream.
type Pkt struct {
	Kind PktKind
	Data []byte // valid only when Kind == PktData
}

// Reader decodes a stream of pkt-lines.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r for pkt-line decoding.
func NewReader(r io.Reader) *Reader { return &Reader{r: bufio.NewReaderSize(r, 8192)} }

// ReadPkt decodes the next pkt-line.
func (pr *Reader) ReadPkt() (Pkt, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(pr.r, lenBuf[:]); err != nil {
		return Pkt{}, errors.Wrap(err, "read pkt-line length")
	}
	switch string(lenBuf[:]) {
	case flushPkt:
		return Pkt{Kind: PktFlush}, nil
	case delimPkt:
		return Pkt{Kind: PktDelim}, nil
	case responseEndPkt:
		return Pkt{Kind: PktResponseEnd}, nil
	}

	var length int
	if _, err := fmt.Sscanf(string(lenBuf[:]), "%04x", &length); err != nil {
		return Pkt{}, &MalformedPktError{Raw: string(lenBuf[:])}
	}
	if length < 4 {
		return Pkt{}, &MalformedPktError{Raw: string(lenBuf[:])}
	}
	data := make([]byte, length-4)
	if _, err := io.ReadFull(pr.r, data); err != nil {
		return Pkt{}, errors.Wrap(err, "read pkt-line data")
	}
	return Pkt{Kind: PktData, Data: data}, nil
}

// ReadLines reads pkt-lines until a flush-pkt, returning the accumulated
// data lines (trailing newlines stripped is left to the caller).
func (pr *Reader) ReadLines() ([][]byte, error) {
	var lines [][]byte
	for {
		pkt, err := pr.ReadPkt()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if pkt.Kind == PktFlush {
			return lines, nil
		}
		if pkt.Kind == PktData {
			lines = append(lines, pkt.Data)
		}
	}
}

// Underlying exposes the buffered reader for callers (packfile reception)
// that need to read raw bytes after the pkt-line section ends.
func (pr *Reader) Underlying() io.Reader { return pr.r }
