package audio

import (
	"encoding/binary"
	"fmt"
)

// DecodePCM16 converts 16-bit signed little-endian PCM bytes to normalized
// float32 samples in [-1, 1]. This is the wire format the rehearsal client
// streams for microphone audio.
func DecodePCM16(pcmData []byte) ([]float32, error) {
	if len(pcmData) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}
	if len(pcmData)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}

	samples := make([]float32, len(pcmData)/2)
	for i := range samples {
		raw := int16(binary.LittleEndian.Uint16(pcmData[i*2:]))
		samples[i] = float32(raw) / 32768.0
	}

	return samples, nil
}

// EncodePCM16 converts normalized float32 samples back to 16-bit signed
// little-endian PCM bytes. Out-of-range samples are clipped rather than
// wrapped so a hot microphone cannot corrupt downstream audio.
func EncodePCM16(samples []float32) []byte {
	pcmData := make([]byte, len(samples)*2)
	for i, sample := range samples {
		var raw int16
		switch {
		case sample >= 1.0:
			raw = 32767
		case sample <= -1.0:
			raw = -32768
		default:
			raw = int16(sample * 32767)
		}
		binary.LittleEndian.PutUint16(pcmData[i*2:], uint16(raw))
	}
	return pcmData
}

// Resample performs simple linear interpolation resampling
// This is a basic implementation - for production, consider using a library
// with better quality algorithms (e.g., sinc interpolation)
func Resample(samples []float32, inputRate, outputRate int) []float32 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]float32, outputLength)

	for i := 0; i < outputLength; i++ {
		// Calculate source position
		srcPos := float64(i) / ratio

		// Linear interpolation
		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		// Interpolate between two samples
		fraction := srcPos - float64(idx0)
		output[i] = float32(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}
