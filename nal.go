package capture

import (
	"encoding/binary"
	"fmt"
)

// H.264 NAL unit types (ITU-T H.264 Table 7-1) used by the muxers.
const (
	nalTypeSlice = 1
	nalTypeIDR   = 5
	nalTypeSEI   = 6
	nalTypeSPS   = 7
	nalTypePPS   = 8
	nalTypeAUD   = 9
)

// isAnnexBStartCode checks for H.264 Annex-B start codes:
//   - 4-byte start code: 0x00000001
//   - 3-byte start code: 0x000001
func isAnnexBStartCode(data []byte) bool {
	if len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return true
	}
	return len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1
}

// nalType returns the type of a NAL unit without start code.
func nalType(nalu []byte) byte {
	if len(nalu) == 0 {
		return 0
	}
	return nalu[0] & 0x1F
}

// parseAnnexBNALUnits splits Annex-B data into NAL units without start
// codes. The returned slices alias data.
func parseAnnexBNALUnits(data []byte) [][]byte {
	var nalUnits [][]byte
	start := -1

	for i := 0; i < len(data); i++ {
		n := 0
		if i+3 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1 {
			n = 4
		} else if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			n = 3
		}
		if n == 0 {
			continue
		}
		if start >= 0 && i > start {
			nalUnits = append(nalUnits, data[start:i])
		}
		start = i + n
		i += n - 1
	}

	if start >= 0 && start < len(data) {
		nalUnits = append(nalUnits, data[start:])
	}
	return nalUnits
}

// annexBToAVCC rewrites Annex-B NAL units as 4-byte length-prefixed units,
// appending to dst. Parameter sets and access unit delimiters are dropped;
// containers carry them in the decoder configuration record.
func annexBToAVCC(dst, data []byte) (out []byte, keyframe bool) {
	for _, nalu := range parseAnnexBNALUnits(data) {
		switch nalType(nalu) {
		case nalTypeSPS, nalTypePPS, nalTypeAUD:
			continue
		case nalTypeIDR:
			keyframe = true
		}
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(nalu)))
		dst = append(dst, nalu...)
	}
	return dst, keyframe
}

// parameterSets returns the first SPS and PPS found in Annex-B data.
func parameterSets(data []byte) (sps, pps []byte) {
	for _, nalu := range parseAnnexBNALUnits(data) {
		switch nalType(nalu) {
		case nalTypeSPS:
			if sps == nil {
				sps = nalu
			}
		case nalTypePPS:
			if pps == nil {
				pps = nalu
			}
		}
	}
	return sps, pps
}

// avcDecoderConfig builds an AVCDecoderConfigurationRecord (ISO/IEC 14496-15
// 5.2.4.1) with one SPS and one PPS and 4-byte NAL lengths.
func avcDecoderConfig(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 || len(pps) == 0 {
		return nil, fmt.Errorf("%w: missing SPS/PPS", ErrEncode)
	}
	rec := make([]byte, 0, 11+len(sps)+len(pps))
	rec = append(rec,
		1,      // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xFF,   // reserved + lengthSizeMinusOne = 3
		0xE1,   // reserved + numOfSequenceParameterSets = 1
	)
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(sps)))
	rec = append(rec, sps...)
	rec = append(rec, 1) // numOfPictureParameterSets
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(pps)))
	rec = append(rec, pps...)
	return rec, nil
}
