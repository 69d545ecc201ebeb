package scrcpy

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Packet header: 8 bytes PTS plus flags, 4 bytes payload size
const PacketHeaderSize = 12

const (
	PacketFlagConfig   = uint64(1) << 63
	PacketFlagKeyFrame = uint64(1) << 62
	PacketPTSMask      = PacketFlagKeyFrame - 1
)

// Codec IDs sent in the stream metadata
const (
	CodecIDH264     = uint32(0x68323634) // "h264"
	CodecIDH265     = uint32(0x68323635) // "h265"
	CodecIDAV1      = uint32(0x00617631) // "av1"
	CodecIDOPUS     = uint32(0x6f707573) // "opus"
	CodecIDAAC      = uint32(0x00616163) // "aac"
	CodecIDFLAC     = uint32(0x666c6163) // "flac"
	CodecIDRAW      = uint32(0x00726177) // "raw"
	CodecIDDisabled = uint32(0x00000000)
	CodecIDError    = uint32(0x00000001)
)

const (
	deviceNameFieldLength = 64
	maxVideoPacketSize    = 10 * 1024 * 1024
	maxAudioPacketSize    = 1 * 1024 * 1024
)

// Packet is one media packet of a scrcpy stream. PTS is in microseconds.
type Packet struct {
	PTS        uint64
	Data       []byte
	IsKeyFrame bool
	IsConfig   bool
}

// VideoMeta is the header of the video socket after the device name.
type VideoMeta struct {
	CodecID uint32
	Width   int
	Height  int
}

// CodecName renders a codec ID as its four character code.
func CodecName(id uint32) string {
	switch id {
	case CodecIDDisabled:
		return "disabled"
	case CodecIDError:
		return "error"
	}
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, id)
	return strings.TrimLeft(string(b), "\x00")
}

func readPacket(r io.Reader, maxSize uint32) (*Packet, error) {
	header := make([]byte, PacketHeaderSize)
	n, err := io.ReadFull(r, header)
	if err != nil {
		if n == 0 && err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	ptsFlags := binary.BigEndian.Uint64(header[0:8])
	size := binary.BigEndian.Uint32(header[8:12])
	if size == 0 {
		return nil, fmt.Errorf("invalid packet size: 0")
	}
	if size > maxSize {
		return nil, fmt.Errorf("packet size too large: %d", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read packet data: %w", err)
	}

	return &Packet{
		PTS:        ptsFlags & PacketPTSMask,
		Data:       data,
		IsKeyFrame: ptsFlags&PacketFlagKeyFrame != 0,
		IsConfig:   ptsFlags&PacketFlagConfig != 0,
	}, nil
}

// ReadVideoPacket reads the next packet from the video socket.
func ReadVideoPacket(r io.Reader) (*Packet, error) {
	return readPacket(r, maxVideoPacketSize)
}

// ReadAudioPacket reads the next packet from the audio socket.
func ReadAudioPacket(r io.Reader) (*Packet, error) {
	return readPacket(r, maxAudioPacketSize)
}

// ReadDeviceName reads the fixed size device name sent on the first socket.
func ReadDeviceName(r io.Reader) (string, error) {
	name := make([]byte, deviceNameFieldLength)
	if _, err := io.ReadFull(r, name); err != nil {
		return "", fmt.Errorf("failed to read device name: %w", err)
	}
	return strings.TrimRight(string(name), "\x00"), nil
}

// ReadVideoMeta reads codec ID, width and height.
func ReadVideoMeta(r io.Reader) (VideoMeta, error) {
	buf := make([]byte, 12)
	if _, err := io.ReadFull(r, buf); err != nil {
		return VideoMeta{}, fmt.Errorf("failed to read video metadata: %w", err)
	}
	return VideoMeta{
		CodecID: binary.BigEndian.Uint32(buf[0:4]),
		Width:   int(binary.BigEndian.Uint32(buf[4:8])),
		Height:  int(binary.BigEndian.Uint32(buf[8:12])),
	}, nil
}

// ReadAudioMeta reads the audio codec ID.
func ReadAudioMeta(r io.Reader) (uint32, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, fmt.Errorf("failed to read audio metadata: %w", err)
	}
	return binary.BigEndian.Uint32(buf), nil
}
