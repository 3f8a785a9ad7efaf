package gemini_compat

import (
	"encoding/binary"
	"strconv"
	"strings"
)

// PCMParams describes raw linear PCM as announced by a mime parameter
// string such as "audio/L16;codec=pcm;rate=24000".
type PCMParams struct {
	Channels   int
	SampleRate int
	BitDepth   int
}

// ParsePCMParams infers channel count, sample rate and bit depth from the
// mime type of a headerless PCM payload. Anything unstated falls back to the
// vendor default of mono 24 kHz 16-bit.
func ParsePCMParams(mimeType string) PCMParams {
	p := PCMParams{Channels: 1, SampleRate: 24000, BitDepth: 16}

	parts := strings.Split(mimeType, ";")
	if len(parts) > 0 {
		// "audio/L16" style subtype encodes the bit depth.
		base := strings.ToLower(strings.TrimSpace(parts[0]))
		if idx := strings.Index(base, "/l"); idx >= 0 {
			if bits, err := strconv.Atoi(base[idx+2:]); err == nil && bits > 0 {
				p.BitDepth = bits
			}
		}
	}
	for _, part := range parts[1:] {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		val, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil || val <= 0 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "rate":
			p.SampleRate = val
		case "channels":
			p.Channels = val
		case "bits":
			p.BitDepth = val
		}
	}
	return p
}

// WrapWAV builds a RIFF/WAVE container around raw PCM samples.
func WrapWAV(pcm []byte, p PCMParams) []byte {
	byteRate := p.SampleRate * p.Channels * p.BitDepth / 8
	blockAlign := p.Channels * p.BitDepth / 8

	buf := make([]byte, 0, 44+len(pcm))
	buf = append(buf, []byte("RIFF")...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(36+len(pcm)))
	buf = append(buf, []byte("WAVE")...)
	buf = append(buf, []byte("fmt ")...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1) // PCM format
	buf = binary.LittleEndian.AppendUint16(buf, uint16(p.Channels))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.SampleRate))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(byteRate))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(blockAlign))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(p.BitDepth))
	buf = append(buf, []byte("data")...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(pcm)))
	buf = append(buf, pcm...)
	return buf
}
