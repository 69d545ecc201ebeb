package h264

import "encoding/binary"

// ToAVCC joins NAL units into a length-prefixed (4 byte, big-endian) sample
// payload as stored in MP4.
func ToAVCC(nalus [][]byte) []byte {
	size := 0
	for _, nalu := range nalus {
		size += 4 + len(nalu)
	}
	out := make([]byte, 0, size)
	for _, nalu := range nalus {
		out = binary.BigEndian.AppendUint32(out, uint32(len(nalu)))
		out = append(out, nalu...)
	}
	return out
}
