package audio

import (
	"fmt"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// FileSource reads a 16-bit WAV file and delivers it as paced capture blocks,
// standing in for a live microphone.
type FileSource struct {
	Path      string
	BlockSize int

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

func (f *FileSource) Start(onBlock func([]float32)) error {
	file, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("open wav source: %w", err)
	}

	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		file.Close()
		return fmt.Errorf("invalid wav file: %s", f.Path)
	}
	sampleRate := int(decoder.SampleRate)

	blockSize := f.BlockSize
	if blockSize <= 0 {
		blockSize = 1024
	}

	f.mu.Lock()
	f.stop = make(chan struct{})
	stop := f.stop
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer file.Close()

		blockDur := time.Duration(blockSize) * time.Second / time.Duration(sampleRate)
		buf := &goaudio.IntBuffer{
			Data:   make([]int, blockSize),
			Format: &goaudio.Format{NumChannels: int(decoder.NumChans), SampleRate: sampleRate},
		}
		for {
			n, err := decoder.PCMBuffer(buf)
			if err != nil || n == 0 {
				return
			}
			samples := make([]float32, n)
			for i := 0; i < n; i++ {
				samples[i] = float32(int16(buf.Data[i])) / 32768.0
			}
			onBlock(samples)

			select {
			case <-stop:
				return
			case <-time.After(blockDur):
			}
		}
	}()
	return nil
}

func (f *FileSource) Stop() {
	f.mu.Lock()
	if f.stop != nil {
		select {
		case <-f.stop:
		default:
			close(f.stop)
		}
	}
	f.mu.Unlock()
	f.wg.Wait()
}

// FileSink accumulates played samples and writes them out as a 16-bit WAV
// file on Stop.
type FileSink struct {
	Path       string
	SampleRate int

	mu      sync.Mutex
	samples []int
	stopped bool
}

func (f *FileSink) Start() error { return nil }

func (f *FileSink) Play(samples []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	for _, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		f.samples = append(f.samples, int(int16(s*0x7fff)))
	}
}

// BargeIn is a no-op for the file sink: samples are committed on arrival.
func (f *FileSink) BargeIn() {}

func (f *FileSink) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	f.stopped = true

	file, err := os.Create(f.Path)
	if err != nil {
		return
	}
	defer file.Close()

	rate := f.SampleRate
	if rate <= 0 {
		rate = 24000
	}
	buffer := &goaudio.IntBuffer{
		Data:   f.samples,
		Format: &goaudio.Format{NumChannels: 1, SampleRate: rate},
	}
	enc := wav.NewEncoder(file, rate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		_ = enc.Close()
		return
	}
	_ = enc.Close()
}
