package mkv

import "encoding/binary"

// adaptNal converts payload between Annex-B start-code delimited NAL units
// and AVCC length-prefixed NAL units, per flag. NalAdaptationNone returns
// payload unchanged.
func adaptNal(payload []byte, flag NalAdaptation) []byte {
	switch flag {
	case NalAdaptationAnnexBToAvcc:
		return annexBToAvcc(payload)
	case NalAdaptationAvccToAnnexB:
		return avccToAnnexB(payload)
	default:
		return payload
	}
}

// annexBToAvcc rewrites a buffer containing one or more Annex-B start-code
// delimited NAL units (00 00 00 01 or 00 00 01) into AVCC form: each unit
// prefixed with its big-endian 4-byte length.
func annexBToAvcc(in []byte) []byte {
	units := splitAnnexB(in)
	out := make([]byte, 0, len(in)+4*len(units))
	var lenBuf [4]byte
	for _, u := range units {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(u)))
		out = append(out, lenBuf[:]...)
		out = append(out, u...)
	}
	return out
}

// splitAnnexB splits in into the NAL units it contains, recognizing both
// 3-byte and 4-byte start codes.
func splitAnnexB(in []byte) [][]byte {
	var units [][]byte
	i := 0
	n := len(in)
	start := -1
	for i < n {
		scLen := startCodeLen(in, i)
		if scLen > 0 {
			if start >= 0 {
				units = append(units, in[start:i])
			}
			i += scLen
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < n {
		units = append(units, in[start:n])
	}
	return units
}

func startCodeLen(in []byte, i int) int {
	n := len(in)
	if i+3 <= n && in[i] == 0 && in[i+1] == 0 && in[i+2] == 1 {
		return 3
	}
	if i+4 <= n && in[i] == 0 && in[i+1] == 0 && in[i+2] == 0 && in[i+3] == 1 {
		return 4
	}
	return 0
}

// avccToAnnexB rewrites a buffer of 4-byte-length-prefixed NAL units into
// Annex-B form, each unit preceded by a 4-byte 00 00 00 01 start code.
func avccToAnnexB(in []byte) []byte {
	out := make([]byte, 0, len(in)+4)
	i := 0
	for i+4 <= len(in) {
		l := int(binary.BigEndian.Uint32(in[i : i+4]))
		i += 4
		if l < 0 || i+l > len(in) {
			break
		}
		out = append(out, 0, 0, 0, 1)
		out = append(out, in[i:i+l]...)
		i += l
	}
	return out
}
