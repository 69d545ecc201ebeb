package h264

import (
	"bytes"
	"fmt"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

var (
	// Standard Annex-B start codes
	StartCode3 = []byte{0x00, 0x00, 0x01}
	StartCode4 = []byte{0x00, 0x00, 0x00, 0x01}
)

// HasStartCode checks if data begins with a start code
func HasStartCode(data []byte) bool {
	return bytes.HasPrefix(data, StartCode4) || bytes.HasPrefix(data, StartCode3)
}

// SplitAnnexB splits an Annex-B access unit into NAL units without start codes.
func SplitAnnexB(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if !HasStartCode(data) {
		return nil, fmt.Errorf("access unit does not start with an Annex-B start code")
	}
	var au mch264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to parse Annex-B access unit: %w", err)
	}
	return au, nil
}

// NALUType returns the type of a NAL unit without start code.
func NALUType(nalu []byte) mch264.NALUType {
	if len(nalu) == 0 {
		return 0
	}
	return mch264.NALUType(nalu[0] & 0x1F)
}

// ContainsIDR reports whether any NAL unit is an IDR slice.
func ContainsIDR(nalus [][]byte) bool {
	for _, nalu := range nalus {
		if NALUType(nalu) == mch264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// ParameterSets returns the first SPS and PPS found, copied.
func ParameterSets(nalus [][]byte) (sps, pps []byte) {
	for _, nalu := range nalus {
		switch NALUType(nalu) {
		case mch264.NALUTypeSPS:
			if sps == nil {
				sps = append([]byte{}, nalu...)
			}
		case mch264.NALUTypePPS:
			if pps == nil {
				pps = append([]byte{}, nalu...)
			}
		}
	}
	return sps, pps
}

// StripAccessUnitDelimiters drops AUD NAL units, which have no place in MP4 samples.
func StripAccessUnitDelimiters(nalus [][]byte) [][]byte {
	out := make([][]byte, 0, len(nalus))
	for _, nalu := range nalus {
		if NALUType(nalu) == mch264.NALUTypeAccessUnitDelimiter {
			continue
		}
		out = append(out, nalu)
	}
	return out
}

// Dimensions decodes the coded picture size from an SPS.
func Dimensions(sps []byte) (width, height int, err error) {
	var s mch264.SPS
	if err := s.Unmarshal(sps); err != nil {
		return 0, 0, fmt.Errorf("failed to parse SPS: %w", err)
	}
	return s.Width(), s.Height(), nil
}
