package session

// oscScanner incrementally detects window-title OSC sequences
// (ESC ] 0 ; title BEL|ST or ESC ] 2 ; title BEL|ST) across PTY reads that
// may split a sequence at any byte boundary. Other OSC codes are scanned
// past but their payload is discarded.
type oscScanner struct {
	state    oscState
	codeBuf  []byte
	titleBuf []byte
}

type oscState int

const (
	oscIdle oscState = iota
	oscSawESC
	oscCode
	oscTitle
	oscTitleESC
	oscSkip
	oscSkipESC
)

// maxOSCBytes bounds how much a single unterminated OSC sequence can
// accumulate before it is abandoned, so a shell that never closes a title
// sequence can't grow this buffer without bound.
const maxOSCBytes = 8192

// feed scans data for title sequences, invoking onTitle for each complete
// one found. It is safe to call repeatedly with successive PTY reads.
func (s *oscScanner) feed(data []byte, onTitle func(string)) {
	for _, c := range data {
		s.step(c, onTitle)
	}
}

func (s *oscScanner) step(c byte, onTitle func(string)) {
	switch s.state {
	case oscIdle:
		if c == 0x1B {
			s.state = oscSawESC
		}

	case oscSawESC:
		switch c {
		case ']':
			s.codeBuf = s.codeBuf[:0]
			s.state = oscCode
		default:
			s.state = oscIdle
		}

	case oscCode:
		switch {
		case c == ';':
			if isTitleCode(s.codeBuf) {
				s.titleBuf = s.titleBuf[:0]
				s.state = oscTitle
			} else {
				s.state = oscSkip
			}
		case c >= '0' && c <= '9':
			if len(s.codeBuf) < 8 {
				s.codeBuf = append(s.codeBuf, c)
			}
		default:
			s.state = oscIdle
		}

	case oscTitle:
		switch c {
		case 0x07: // BEL
			onTitle(string(s.titleBuf))
			s.reset()
		case 0x1B:
			s.state = oscTitleESC
		default:
			s.appendTitleByte(c)
		}

	case oscTitleESC:
		if c == '\\' { // ST = ESC \
			onTitle(string(s.titleBuf))
			s.reset()
		} else {
			// Not a valid string terminator: the ESC belonged to the title
			// text itself. Re-feed it as a title byte, then reconsider c.
			s.appendTitleByte(0x1B)
			s.state = oscTitle
			s.step(c, onTitle)
		}

	case oscSkip:
		switch c {
		case 0x07:
			s.reset()
		case 0x1B:
			s.state = oscSkipESC
		}

	case oscSkipESC:
		if c == '\\' {
			s.reset()
		} else {
			s.state = oscSkip
		}
	}
}

func (s *oscScanner) appendTitleByte(c byte) {
	if len(s.titleBuf) >= maxOSCBytes {
		s.reset()
		return
	}
	s.titleBuf = append(s.titleBuf, c)
}

func (s *oscScanner) reset() {
	s.state = oscIdle
	s.codeBuf = s.codeBuf[:0]
	s.titleBuf = s.titleBuf[:0]
}

func isTitleCode(code []byte) bool {
	return len(code) == 1 && (code[0] == '0' || code[0] == '2')
}
