package gemini_compat

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestParsePCMParams(t *testing.T) {
	cases := []struct {
		mime string
		want PCMParams
	}{
		{"", PCMParams{Channels: 1, SampleRate: 24000, BitDepth: 16}},
		{"audio/wav", PCMParams{Channels: 1, SampleRate: 24000, BitDepth: 16}},
		{"audio/L16;codec=pcm;rate=24000", PCMParams{Channels: 1, SampleRate: 24000, BitDepth: 16}},
		{"audio/L24;rate=48000;channels=2", PCMParams{Channels: 2, SampleRate: 48000, BitDepth: 24}},
		{"audio/L16; rate=16000", PCMParams{Channels: 1, SampleRate: 16000, BitDepth: 16}},
		{"audio/L16;rate=bogus", PCMParams{Channels: 1, SampleRate: 24000, BitDepth: 16}},
		{"audio/L16;bits=8", PCMParams{Channels: 1, SampleRate: 24000, BitDepth: 8}},
	}
	for _, tc := range cases {
		got := ParsePCMParams(tc.mime)
		if got != tc.want {
			t.Errorf("ParsePCMParams(%q) = %+v, want %+v", tc.mime, got, tc.want)
		}
	}
}

func TestWrapWAV(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x01, 0x02}, 100)
	p := PCMParams{Channels: 1, SampleRate: 24000, BitDepth: 16}
	out := WrapWAV(pcm, p)

	if len(out) != 44+len(pcm) {
		t.Fatalf("wav length = %d, want %d", len(out), 44+len(pcm))
	}
	if string(out[0:4]) != "RIFF" {
		t.Fatalf("missing RIFF marker: %q", out[0:4])
	}
	if got := binary.LittleEndian.Uint32(out[4:8]); got != uint32(36+len(pcm)) {
		t.Fatalf("riff size = %d, want %d", got, 36+len(pcm))
	}
	if string(out[8:12]) != "WAVE" || string(out[12:16]) != "fmt " {
		t.Fatalf("bad chunk markers: %q %q", out[8:12], out[12:16])
	}
	if got := binary.LittleEndian.Uint16(out[20:22]); got != 1 {
		t.Fatalf("format tag = %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint16(out[22:24]); got != 1 {
		t.Fatalf("channels = %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint32(out[24:28]); got != 24000 {
		t.Fatalf("sample rate = %d, want 24000", got)
	}
	if got := binary.LittleEndian.Uint32(out[28:32]); got != 48000 {
		t.Fatalf("byte rate = %d, want 48000", got)
	}
	if got := binary.LittleEndian.Uint16(out[32:34]); got != 2 {
		t.Fatalf("block align = %d, want 2", got)
	}
	if got := binary.LittleEndian.Uint16(out[34:36]); got != 16 {
		t.Fatalf("bit depth = %d, want 16", got)
	}
	if string(out[36:40]) != "data" {
		t.Fatalf("missing data marker: %q", out[36:40])
	}
	if got := binary.LittleEndian.Uint32(out[40:44]); got != uint32(len(pcm)) {
		t.Fatalf("data size = %d, want %d", got, len(pcm))
	}
	if !bytes.Equal(out[44:], pcm) {
		t.Fatal("payload bytes do not match input pcm")
	}
}
