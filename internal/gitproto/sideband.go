package gitproto

import "io"

// Side-band stream codes within a fetch response's packfile section.
// Pack data travels on band 1; band 2 carries human-readable progress and
// band 3 a fatal error message, both of which terminate or bypass the pack
// stream itself.
const (
	bandPack     = 1
	bandProgress = 2
	bandError    = 3
)

// sidebandReader demultiplexes the packfile section of a v2 fetch response:
// each pkt-line carries a band byte followed by payload, and a flush-pkt
// ends the section. Reading through the session's shared pkt-line Reader
// keeps the session aligned for the next command, which raw-byte pack
// reception could not guarantee (the pack decoder's own buffering would
// swallow an unknowable amount of the stream).
type sidebandReader struct {
	pr  *Reader
	buf []byte
	n   int64
	err error
}

func newSidebandReader(pr *Reader) *sidebandReader { return &sidebandReader{pr: pr} }

func (s *sidebandReader) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		pkt, err := s.pr.ReadPkt()
		if err != nil {
			s.err = err
			return 0, err
		}
		switch pkt.Kind {
		case PktFlush:
			s.err = io.EOF
			return 0, io.EOF
		case PktData:
			if len(pkt.Data) == 0 {
				continue
			}
			switch pkt.Data[0] {
			case bandPack:
				s.buf = pkt.Data[1:]
			case bandProgress:
				// progress chatter, not pack bytes
			case bandError:
				s.err = &ProtocolError{Reason: "remote error: " + string(pkt.Data[1:])}
				return 0, s.err
			default:
				s.err = &ProtocolError{Reason: "unknown side-band"}
				return 0, s.err
			}
		case PktDelim, PktResponseEnd:
			continue
		}
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	s.n += int64(n)
	return n, nil
}

// sidebandWriter frames pack bytes into band-1 pkt-lines for the packfile
// section of a fetch response. The caller terminates the section with a
// flush-pkt.
type sidebandWriter struct {
	w io.Writer
}

func (s sidebandWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPktDataLen-1 {
			chunk = chunk[:maxPktDataLen-1]
		}
		framed := make([]byte, 0, len(chunk)+1)
		framed = append(framed, bandPack)
		framed = append(framed, chunk...)
		if err := WritePktLine(s.w, framed); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}
