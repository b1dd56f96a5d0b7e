// Package audio implements the WAV/PCM codec utilities used by the call
// orchestrator: RIFF/WAVE parsing, mono downmix, bit-depth widening, and
// linear-interpolation resampling to the switch's slin codec rates.
//
// Wire format throughout the orchestrator is linear signed 16-bit PCM;
// there is no mulaw/G.711 or other codec transcoding here.
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Format describes a linear-PCM buffer's shape.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int // 8 or 16
}

const (
	riffHeaderSize  = 12 // "RIFF" + size + "WAVE"
	chunkHeaderSize = 8  // id + size
)

// ParseWAV parses a RIFF/WAVE byte stream and returns the raw PCM payload
// together with its format. Unknown chunks (LIST, fact, ...) are skipped by
// their declared size rather than rejected.
func ParseWAV(data []byte) ([]byte, Format, error) {
	if len(data) < riffHeaderSize {
		return nil, Format{}, fmt.Errorf("wav: data too short for RIFF header")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, Format{}, fmt.Errorf("wav: missing RIFF/WAVE magic")
	}

	var (
		format    Format
		pcm       []byte
		sawFmt    bool
		sawData   bool
	)

	offset := riffHeaderSize
	for offset+chunkHeaderSize <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + chunkHeaderSize
		if body+size > len(data) {
			// Truncated chunk; clamp rather than fail, some encoders pad
			// the trailing data chunk's declared size past EOF.
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, Format{}, fmt.Errorf("wav: fmt chunk too small")
			}
			chunk := data[body : body+size]
			channels := int(binary.LittleEndian.Uint16(chunk[2:4]))
			sampleRate := int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitDepth := int(binary.LittleEndian.Uint16(chunk[14:16]))
			format = Format{SampleRate: sampleRate, Channels: channels, BitDepth: bitDepth}
			sawFmt = true
		case "data":
			pcm = data[body : body+size]
			sawData = true
		}

		offset = body + size
		if size%2 == 1 {
			offset++ // chunks are word-aligned
		}
	}

	if !sawFmt {
		return nil, Format{}, fmt.Errorf("wav: missing fmt chunk")
	}
	if !sawData {
		return nil, Format{}, fmt.Errorf("wav: missing data chunk")
	}
	return pcm, format, nil
}

// WriteWAV serializes PCM data with the given format into a RIFF/WAVE byte
// stream. It is the inverse of ParseWAV for mono/stereo 8- or 16-bit PCM.
func WriteWAV(pcm []byte, format Format) []byte {
	byteRate := format.SampleRate * format.Channels * (format.BitDepth / 8)
	blockAlign := format.Channels * (format.BitDepth / 8)

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	writeUint32(&buf, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	writeUint32(&buf, 16)
	writeUint16(&buf, 1) // PCM
	writeUint16(&buf, uint16(format.Channels))
	writeUint32(&buf, uint32(format.SampleRate))
	writeUint32(&buf, uint32(byteRate))
	writeUint16(&buf, uint16(blockAlign))
	writeUint16(&buf, uint16(format.BitDepth))

	buf.WriteString("data")
	writeUint32(&buf, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

// Downmix converts interleaved stereo 16-bit PCM to mono by averaging the
// left/right samples: the i-th mono sample equals round((L_i + R_i) / 2)
// clamped to int16.
func Downmix(stereo []byte) []byte {
	numFrames := len(stereo) / 4
	mono := make([]byte, numFrames*2)
	for i := 0; i < numFrames; i++ {
		l := int16(binary.LittleEndian.Uint16(stereo[i*4 : i*4+2]))
		r := int16(binary.LittleEndian.Uint16(stereo[i*4+2 : i*4+4]))
		sum := int32(l) + int32(r)
		// round-half-away-from-zero division by 2
		var avg int32
		if sum >= 0 {
			avg = (sum + 1) / 2
		} else {
			avg = (sum - 1) / 2
		}
		avg = clampInt16(avg)
		binary.LittleEndian.PutUint16(mono[i*2:i*2+2], uint16(int16(avg)))
	}
	return mono
}

// Widen8to16 converts 8-bit unsigned PCM samples to 16-bit signed PCM.
func Widen8to16(pcm8 []byte) []byte {
	out := make([]byte, len(pcm8)*2)
	for i, sample := range pcm8 {
		// unsigned 8-bit (0..255, 128 = silence) -> signed 16-bit
		widened := (int16(sample) - 128) * 256
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(widened))
	}
	return out
}

// Resample resamples 16-bit mono PCM from fromRate to toRate using linear
// interpolation. Resample(x, R, R) returns x unchanged.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out
	}
	numInputSamples := len(pcm) / 2
	if numInputSamples == 0 {
		return nil
	}
	numOutputSamples := (numInputSamples * toRate) / fromRate
	out := make([]byte, numOutputSamples*2)

	ratio := float64(fromRate) / float64(toRate)
	for i := 0; i < numOutputSamples; i++ {
		srcPos := float64(i) * ratio
		srcIndex := int(srcPos)
		if srcIndex >= numInputSamples-1 {
			srcIndex = numInputSamples - 2
		}
		if srcIndex < 0 {
			srcIndex = 0
		}
		fraction := srcPos - float64(srcIndex)

		s1 := int16(binary.LittleEndian.Uint16(pcm[srcIndex*2 : srcIndex*2+2]))
		var s2 int16
		if srcIndex+1 < numInputSamples {
			s2 = int16(binary.LittleEndian.Uint16(pcm[(srcIndex+1)*2 : (srcIndex+1)*2+2]))
		} else {
			s2 = s1
		}

		interpolated := float64(s1)*(1-fraction) + float64(s2)*fraction
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(int16(clampFloat(interpolated))))
	}
	return out
}

func clampInt16(v int32) int32 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return v
}

func clampFloat(v float64) float64 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return v
}

// ApplyGain scales 16-bit PCM samples by gain, clamping to the int16 range.
func ApplyGain(pcm []byte, gain float64) []byte {
	out := make([]byte, len(pcm))
	numSamples := len(pcm) / 2
	for i := 0; i < numSamples; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		amplified := clampFloat(float64(sample) * gain)
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(int16(amplified)))
	}
	return out
}

// SplitIntoFrames splits a PCM buffer into fixed-size byte chunks, used to
// cut a synthesized buffer into the scheduler's 20ms frames.
func SplitIntoFrames(data []byte, frameSize int) [][]byte {
	if frameSize <= 0 {
		frameSize = 640 // 20ms @ 16kHz mono 16-bit
	}
	var frames [][]byte
	for i := 0; i < len(data); i += frameSize {
		end := i + frameSize
		if end > len(data) {
			end = len(data)
		}
		frames = append(frames, data[i:end])
	}
	return frames
}

// ConcatFrames concatenates PCM frames back into one buffer.
func ConcatFrames(frames [][]byte) []byte {
	var buf bytes.Buffer
	for _, f := range frames {
		buf.Write(f)
	}
	return buf.Bytes()
}

// standardRates lists the sample rates with an exact slin codec name,
// ascending.
var standardRates = []int{8000, 16000, 24000, 32000, 44100, 48000, 96000, 192000}

var codecNameByRate = map[int]string{
	8000:   "slin",
	16000:  "slin16",
	24000:  "slin24",
	32000:  "slin32",
	44100:  "slin44",
	48000:  "slin48",
	96000:  "slin96",
	192000: "slin192",
}

// CodecNameForRate returns the slin codec name for an exact standard rate.
func CodecNameForRate(rate int) (string, bool) {
	name, ok := codecNameByRate[rate]
	return name, ok
}

// NearestStandardRateBelow returns the largest standard rate not exceeding
// rate, or the lowest standard rate if rate is below all of them.
func NearestStandardRateBelow(rate int) int {
	best := standardRates[0]
	for _, r := range standardRates {
		if r <= rate {
			best = r
		}
	}
	return best
}
