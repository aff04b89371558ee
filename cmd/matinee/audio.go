package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/veandco/go-sdl2/sdl"
	"golang.org/x/time/rate"

	"github.com/zsiec/matinee/internal/media"
)

// audioSink feeds decoded samples into an SDL audio device. SDL's queueing
// API is safe from any thread, so enqueue may be called straight from the
// audio pipeline's worker; everything else runs on the main thread.
type audioSink struct {
	log     *slog.Logger
	dev     sdl.AudioDeviceID
	warnLog rate.Sometimes
}

// newAudioSink opens the default playback device matching the stream's rate
// and layout. The device starts unpaused, ready for queued samples.
func newAudioSink(info media.StreamInfo, log *slog.Logger) (*audioSink, error) {
	want := &sdl.AudioSpec{
		Freq:     int32(info.SampleRate),
		Format:   sdl.AUDIO_S16SYS,
		Channels: uint8(info.Channels),
		Samples:  1024,
	}
	dev, err := sdl.OpenAudioDevice("", false, want, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("open audio device: %w", err)
	}

	s := &audioSink{
		log:     log.With("component", "audio"),
		dev:     dev,
		warnLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	s.log.Debug("audio device opened",
		"sampleRate", info.SampleRate, "channels", info.Channels)
	sdl.PauseAudioDevice(dev, false)
	return s, nil
}

// enqueue hands one frame's samples to the device queue.
func (s *audioSink) enqueue(f *media.AudioFrame) {
	if err := sdl.QueueAudio(s.dev, f.Data); err != nil {
		s.warnLog.Do(func() {
			s.log.Warn("queue audio", "error", err)
		})
	}
}

// setPaused silences or resumes the device without discarding queued
// samples, mirroring the engine's pause.
func (s *audioSink) setPaused(paused bool) {
	sdl.PauseAudioDevice(s.dev, paused)
}

// queuedBytes reports how much audio is buffered but not yet played.
func (s *audioSink) queuedBytes() uint32 {
	return sdl.GetQueuedAudioSize(s.dev)
}

func (s *audioSink) close() {
	sdl.CloseAudioDevice(s.dev)
}
