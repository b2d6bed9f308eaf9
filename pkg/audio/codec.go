package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Packet is an encoded outbound audio frame as it appears on the wire.
type Packet struct {
	// Data is the base64 encoding of little-endian int16 PCM.
	Data string `json:"data"`

	// MIMEType is always [InputMIMEType] for microphone audio.
	MIMEType string `json:"mimeType"`
}

// DecodeError reports a malformed inbound audio payload. It is non-fatal:
// the offending chunk is dropped and playback continues with the next one.
type DecodeError struct {
	// Len is the length of the payload that failed to decode.
	Len int

	// Err is the underlying cause.
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: decode payload (%d bytes): %v", e.Len, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// errOddLength is wrapped by a [DecodeError] when the PCM byte count cannot
// hold a whole number of int16 samples.
var errOddLength = errors.New("odd byte length for int16 PCM")

// EncodePCM16 quantises each sample to round(s*32768), clamps to the int16
// range and writes it little endian.
func EncodePCM16(frame []float32) []byte {
	out := make([]byte, len(frame)*2)
	for i, s := range frame {
		v := math.Round(float64(s) * 32768)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// Encode converts a mono float frame into a wire [Packet].
func Encode(frame []float32) Packet {
	return Packet{
		Data:     base64.StdEncoding.EncodeToString(EncodePCM16(frame)),
		MIMEType: InputMIMEType,
	}
}

// DecodePCM16 reinterprets little-endian int16 PCM as float samples s/32768.
// An odd byte count yields a [*DecodeError].
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, &DecodeError{Len: len(pcm), Err: errOddLength}
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out, nil
}

// Decode base64-decodes payload and converts the PCM16 bytes to floats.
// Malformed base64 or an odd byte length yields a [*DecodeError].
func Decode(payload string) ([]float32, error) {
	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, &DecodeError{Len: len(payload), Err: err}
	}
	return DecodePCM16(pcm)
}
