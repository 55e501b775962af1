package sim

// WireFrameBytes is the size of one capture frame on the wire.
const WireFrameBytes = 64

// Encode writes four 32-bit sample words as one 64-byte wire frame. Only
// the top 24 bits of each word are carried: bit 31-j of words 0 and 2 go
// to bits 0 and 1 of byte j, words 1 and 3 to byte 32+j.
func Encode(dst []byte, words [4]uint32) {
	clear(dst[:WireFrameBytes])
	for j := 0; j < 24; j++ {
		s := uint(31 - j)
		dst[j] = byte(words[0]>>s&1) | byte(words[2]>>s&1)<<1
		dst[32+j] = byte(words[1]>>s&1) | byte(words[3]>>s&1)<<1
	}
}

// Ramp is the default capture source: channel c of frame n carries
// (n*4+c) in its top 24 bits.
func Ramp(n uint64) [4]uint32 {
	var w [4]uint32
	for c := range w {
		w[c] = uint32(n*4+uint64(c)) << 8
	}
	return w
}
