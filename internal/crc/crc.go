// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package crc implements the two checksums of the SD card SPI protocol.
package crc

// CRC7 returns the 7-bit command checksum (polynomial x^7 + x^3 + 1)
// shifted into the top bits, with the end bit set, as sent in byte 6 of a
// command frame.
func CRC7(data []byte) byte {
	var crc byte
	for _, b := range data {
		for i := 7; i >= 0; i-- {
			bit := (b >> uint(i)) & 1
			top := (crc >> 6) & 1
			crc = (crc << 1) & 0x7F
			if bit^top != 0 {
				crc ^= 0x09
			}
		}
	}
	return crc<<1 | 1
}

// CRC16 returns the CCITT checksum (polynomial 0x1021, seed 0) that
// follows every data block.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for range 8 {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
