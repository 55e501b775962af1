package bridge

// maxSysEx bounds a buffered system exclusive message. Longer messages
// are discarded.
const maxSysEx = 4096

// Assembler splits a raw MIDI byte stream into complete messages. It
// tracks running status and lets real-time bytes through wherever they
// occur.
type Assembler struct {
	status byte // running status, channel messages only
	need   int  // data bytes still missing from msg
	msg    []byte
	sysex  bool
}

// dataBytes returns the number of data bytes following status, or -1 for
// system exclusive.
func dataBytes(status byte) int {
	switch status & 0xf0 {
	case 0x80, 0x90, 0xa0, 0xb0, 0xe0:
		return 2
	case 0xc0, 0xd0:
		return 1
	}
	switch status {
	case 0xf0:
		return -1
	case 0xf1, 0xf3:
		return 1
	case 0xf2:
		return 2
	}
	return 0
}

// Feed consumes p and calls emit once per complete message. The slice
// passed to emit is reused after emit returns.
func (a *Assembler) Feed(p []byte, emit func(msg []byte)) {
	for _, b := range p {
		switch {
		case b >= 0xf8:
			// Real-time messages never disturb a message in progress.
			emit([]byte{b})

		case b == 0xf7:
			if a.sysex {
				a.msg = append(a.msg, b)
				emit(a.msg)
			}
			a.reset()

		case b&0x80 != 0:
			a.start(b, emit)

		case a.sysex:
			if len(a.msg) >= maxSysEx {
				a.reset()
				continue
			}
			a.msg = append(a.msg, b)

		case a.need > 0:
			a.msg = append(a.msg, b)
			a.need--
			if a.need == 0 {
				emit(a.msg)
			}

		case a.status != 0:
			// Running status.
			a.msg = append(a.msg[:0], a.status, b)
			a.need = dataBytes(a.status) - 1
			if a.need == 0 {
				emit(a.msg)
			}
		}
	}
}

func (a *Assembler) start(status byte, emit func([]byte)) {
	a.msg = append(a.msg[:0], status)
	a.sysex = false
	a.need = 0

	n := dataBytes(status)
	switch {
	case n < 0:
		a.sysex = true
		a.status = 0
	case status >= 0xf0:
		// System common cancels running status.
		a.status = 0
		if n == 0 {
			emit(a.msg)
			return
		}
		a.need = n
	default:
		a.status = status
		a.need = n
	}
}

func (a *Assembler) reset() {
	a.msg = a.msg[:0]
	a.sysex = false
	a.status = 0
	a.need = 0
}
