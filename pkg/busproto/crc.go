// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package busproto

var crcTable = func() (t [256]uint16) {
	for n := range t {
		r := uint16(n) << 8
		for bit := 0; bit < 8; bit++ {
			if r&0x8000 != 0 {
				r = r<<1 ^ crcPolynomial
			} else {
				r <<= 1
			}
		}
		t[n] = r
	}
	return t
}()

// CalculateCRC computes the CRC-16-CCITT of data, MSB first
func CalculateCRC(data []byte) uint16 {
	crc := uint16(crcInitial)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>8)^b]
	}
	return crc
}
