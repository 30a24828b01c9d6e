// Package audioconv decodes audio files into the 16 kHz mono float32 PCM that
// the speech recognizer expects.
package audioconv

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	popus "github.com/pekim/opus"
)

const TargetRate = 16000

var ErrUnsupported = errors.New("unsupported audio format")

// Format is a container/codec audioconv can decode.
type Format string

const (
	WAV  Format = "wav"
	MP3  Format = "mp3"
	Ogg  Format = "ogg" // Vorbis, falling back to Opus
	None Format = ""
)

// DecodeFile is Decode for a file on disk. The format is taken from the
// extension, or sniffed when the extension is unknown.
func DecodeFile(ctx context.Context, path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Decode(ctx, f, FormatOf(path))
}

// FormatOf maps a file name to a Format by extension.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		return WAV
	case ".mp3":
		return MP3
	case ".ogg", ".oga", ".opus":
		return Ogg
	default:
		return None
	}
}

// Decode reads r completely. With format None the stream is sniffed by its
// magic bytes.
func Decode(ctx context.Context, r io.ReadSeeker, format Format) ([]float32, error) {
	if format == None {
		var err error
		if format, err = sniff(r); err != nil {
			return nil, err
		}
	}

	var (
		pcm []float32
		err error
	)
	switch format {
	case WAV:
		pcm, err = decodeWAV(r)
	case MP3:
		pcm, err = decodeMP3(r)
	case Ogg:
		pcm, err = decodeOgg(ctx, r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}

	return pcm, ctx.Err()
}

func sniff(r io.ReadSeeker) (Format, error) {
	magic, _ := bufio.NewReader(r).Peek(4)
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return None, err
	}

	switch {
	case string(magic) == "RIFF":
		return WAV, nil
	case string(magic) == "OggS":
		return Ogg, nil
	case len(magic) >= 3 && (string(magic[:3]) == "ID3" || magic[0] == 0xFF && magic[1]&0xE0 == 0xE0):
		return MP3, nil
	default:
		return None, ErrUnsupported
	}
}

func decodeWAV(r io.ReadSeeker) ([]float32, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, errors.New("invalid wav")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, err
	}
	if buf == nil || len(buf.Data) == 0 {
		return nil, errors.New("empty wav")
	}

	return fromIntBuffer(buf, int(dec.BitDepth)), nil
}

// fromIntBuffer scales integer samples to [-1, 1] and brings them to mono at
// TargetRate.
func fromIntBuffer(buf *audio.IntBuffer, bitDepth int) []float32 {
	if bitDepth <= 0 {
		bitDepth = 16
	}
	ch, rate := 1, 44100
	if buf.Format != nil {
		if buf.Format.NumChannels > 0 {
			ch = buf.Format.NumChannels
		}
		if buf.Format.SampleRate > 0 {
			rate = buf.Format.SampleRate
		}
	}

	scale := 1.0 / float64(int64(1)<<(bitDepth-1))
	x := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		x[i] = float32(clamp(float64(v)*scale, -1, 1))
	}

	return toTarget(x, ch, rate)
}

func decodeMP3(r io.Reader) ([]float32, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, err
	}

	var raw bytes.Buffer
	if _, err := io.Copy(&raw, dec); err != nil {
		return nil, err
	}
	ints := make([]int16, raw.Len()/2)
	if err := binary.Read(&raw, binary.LittleEndian, ints); err != nil {
		return nil, err
	}

	rate := dec.SampleRate()
	if rate <= 0 {
		rate = 44100
	}
	// go-mp3 always produces interleaved stereo
	return toTarget(int16ToFloat32(ints), 2, rate), nil
}

func decodeOgg(ctx context.Context, r io.ReadSeeker) ([]float32, error) {
	pcm, vorbisErr := decodeVorbis(r)
	if vorbisErr == nil {
		return pcm, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	pcm, opusErr := decodeOpus(r)
	if opusErr != nil {
		return nil, fmt.Errorf("neither vorbis (%v) nor opus: %w", vorbisErr, opusErr)
	}
	return pcm, nil
}

func decodeVorbis(r io.Reader) ([]float32, error) {
	pcm, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if format == nil || format.Channels <= 0 || format.SampleRate <= 0 {
		return nil, errors.New("invalid ogg/vorbis stream")
	}
	return toTarget(pcm, format.Channels, format.SampleRate), nil
}

func decodeOpus(r io.ReadSeeker) ([]float32, error) {
	const rate = 48000

	dec, err := popus.NewDecoder(r)
	if err != nil {
		return nil, err
	}
	defer dec.Destroy()

	ch := max(dec.ChannelCount(), 1)

	var (
		pcm []float32
		buf = make([]int16, rate*ch/2)
	)
	for {
		n, err := dec.Read(buf) // samples per channel
		if n > 0 {
			pcm = append(pcm, int16ToFloat32(buf[:n*ch])...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	if len(pcm) == 0 {
		return nil, errors.New("empty opus stream")
	}
	return toTarget(pcm, ch, rate), nil
}

func toTarget(x []float32, channels, rate int) []float32 {
	x = downmix(x, channels)
	if rate != TargetRate {
		x = resample(x, rate, TargetRate)
	}
	return x
}
