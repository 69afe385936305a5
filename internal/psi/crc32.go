package psi

// crc32MPEG computes the MPEG-2 section CRC-32: polynomial 0x04C11DB7,
// init 0xFFFFFFFF, MSB-first, no bit reflection, no final XOR (spec.md §6,
// grounded on the pack's ffmpeg-compatible PSI builder).
func crc32MPEG(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		for i := 0; i < 8; i++ {
			if (crc^(uint32(b)<<24))&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
			b <<= 1
		}
	}
	return crc
}
