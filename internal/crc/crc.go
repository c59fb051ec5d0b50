// Package crc implements the CRC-16 used by the Katapult bootloader
// command framing.
package crc

// CRC16 is a CRC-16-CCITT accumulator. Katapult seeds it with 0xffff
// and updates it with the byte-wise 4-bit-shift step below.
type CRC16 uint16

const Initial CRC16 = 0xffff

// Update feeds a single byte into the accumulator.
func (crc *CRC16) Update(b byte) {
	data := uint16(b) ^ (uint16(*crc) & 0xff)
	data ^= (data & 0x0f) << 4
	data &= 0xff
	*crc = CRC16(((data << 8) | (uint16(*crc) >> 8)) ^ (data >> 4) ^ (data << 3))
}

// Block feeds a slice of bytes into the accumulator.
func (crc *CRC16) Block(buf []byte) {
	for _, b := range buf {
		crc.Update(b)
	}
}

// Checksum computes the CRC of buf starting from the Katapult seed.
func Checksum(buf []byte) CRC16 {
	crc := Initial
	crc.Block(buf)
	return crc
}
