package audio

import (
	"math"
	"time"

	"github.com/gordonklaus/portaudio"
)

const (
	SampleRate = 16000
	frameSize  = 320 // 20ms
)

// VAD tunes the energy based end-of-utterance detection.
type VAD struct {
	Threshold float64       // frame RMS above which a frame counts as speech
	Trailing  time.Duration // silence after speech that ends the utterance
	Lead      time.Duration // how long to wait for speech to begin at all
}

func DefaultVAD() VAD {
	return VAD{Threshold: 0.015, Trailing: 800 * time.Millisecond, Lead: 5 * time.Second}
}

type Recorder struct {
	vad VAD
}

func NewRecorder(vad VAD) *Recorder {
	if vad.Threshold <= 0 {
		vad.Threshold = DefaultVAD().Threshold
	}
	return &Recorder{vad: vad}
}

func (r *Recorder) Init() error {
	return portaudio.Initialize()
}

func (r *Recorder) Close() {
	portaudio.Terminate()
}

// Listen records from the default input device until the speaker falls silent,
// maxDur passes or stop is closed, whichever comes first. When nobody speaks
// before the lead timeout it returns no samples and no error.
func (r *Recorder) Listen(stop <-chan struct{}, maxDur time.Duration) ([]float32, error) {
	if maxDur <= 0 {
		maxDur = 15 * time.Second
	}

	buf := make([]float32, frameSize)

	stream, err := portaudio.OpenDefaultStream(1, 0, SampleRate, len(buf), buf)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return nil, err
	}
	defer stream.Stop()

	seg := newSegmenter(r.vad, maxDur)

	for !seg.done() {
		select {
		case <-stop:
			return seg.out, nil
		default:
		}

		if err := stream.Read(); err != nil {
			return nil, err
		}
		seg.push(buf)
	}

	return seg.out, nil
}

// segmenter keeps the frames between the first speech frame and the end of
// the utterance. It is separate from the stream so it can be fed synthetic
// frames.
type segmenter struct {
	vad VAD

	frame      time.Duration
	maxFrames  int
	leadFrames int
	tailFrames int

	seen     int
	speaking bool
	silent   int
	finished bool
	out      []float32
}

func newSegmenter(vad VAD, maxDur time.Duration) *segmenter {
	frame := time.Second * frameSize / SampleRate
	s := &segmenter{
		vad:        vad,
		frame:      frame,
		maxFrames:  int(maxDur / frame),
		leadFrames: int(vad.Lead / frame),
		tailFrames: int(vad.Trailing / frame),
	}
	if s.tailFrames < 1 {
		s.tailFrames = 1
	}
	return s
}

func (s *segmenter) done() bool {
	return s.finished || s.seen >= s.maxFrames
}

func (s *segmenter) push(frame []float32) {
	s.seen++

	if frameRMS(frame) > s.vad.Threshold {
		s.speaking = true
		s.silent = 0
		s.out = append(s.out, frame...)
		return
	}

	if !s.speaking {
		if s.leadFrames > 0 && s.seen >= s.leadFrames {
			s.finished = true
		}
		return
	}

	s.silent++
	s.out = append(s.out, frame...)
	if s.silent >= s.tailFrames {
		s.finished = true
	}
}

func frameRMS(f []float32) float64 {
	if len(f) == 0 {
		return 0
	}
	var s float64
	for _, x := range f {
		s += float64(x * x)
	}
	return math.Sqrt(s / float64(len(f)))
}
