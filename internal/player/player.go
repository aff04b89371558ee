// Package player exposes the playback engine's control surface: a state
// machine that wires a container source, per-stream decode pipelines, and
// the packet dispatcher together and broadcasts play/pause to all of them.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/matinee/internal/clock"
	"github.com/zsiec/matinee/internal/demux"
	"github.com/zsiec/matinee/internal/media"
	"github.com/zsiec/matinee/internal/playback"
)

// Sentinel errors returned by the player lifecycle.
var (
	ErrNoVideoStream  = errors.New("player: container has no video stream")
	ErrAlreadyStarted = errors.New("player: already started")
	ErrClosed         = errors.New("player: closed")
)

// State of the player as a whole. Pipeline-level states live in
// internal/playback; this is the coarse, externally visible machine.
type State int32

const (
	StateInitializing State = iota
	StatePlaying
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DecoderOpener builds a decoder bound to one stream's codec parameters.
// internal/codec provides the libav-backed implementation; tests script
// their own.
type DecoderOpener interface {
	OpenDecoder(info media.StreamInfo) (playback.Decoder, error)
}

// Config carries the caller-supplied callbacks and tuning knobs.
// VideoFrameFunc is required. A nil AudioFrameFunc skips the audio pipeline
// even when the container carries audio. Callbacks run on pipeline worker
// goroutines, concurrently across pipelines, and must not call back into
// the Player.
type Config struct {
	VideoFrameFunc func(*media.VideoFrame)
	AudioFrameFunc func(*media.AudioFrame)
	StateFunc      func(playing bool)
	QueueSize      int
	VideoThreads   int
	Logger         *slog.Logger
}

// Player orchestrates playback of one container: it selects the video and
// audio streams, owns their pipelines and the dispatcher, and keeps every
// pipeline on the same logical play/pause state.
type Player struct {
	src     demux.Source
	opener  DecoderOpener
	cfg     Config
	log     *slog.Logger
	session string

	video media.StreamInfo
	audio *media.StreamInfo

	videoStats *playback.Stats
	audioStats *playback.Stats

	mu        sync.Mutex
	state     atomic.Int32
	pipelines []*playback.Pipeline
	dsp       *demux.Dispatcher
	group     *errgroup.Group
	cancel    context.CancelFunc
	started   bool
	closed    bool

	done     chan struct{}
	doneOnce sync.Once
}

// New selects the streams to play from src and prepares a player. Nothing
// runs until Start. The first video stream is mandatory; the first audio
// stream is used when present and an audio callback was supplied.
func New(src demux.Source, opener DecoderOpener, cfg Config) (*Player, error) {
	if src == nil {
		return nil, errors.New("player: nil source")
	}
	if opener == nil {
		return nil, errors.New("player: nil decoder opener")
	}
	if cfg.VideoFrameFunc == nil {
		return nil, errors.New("player: config requires a video frame func")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	session := uuid.NewString()

	p := &Player{
		src:     src,
		opener:  opener,
		cfg:     cfg,
		log:     logger.With("component", "player", "session", session),
		session: session,
		done:    make(chan struct{}),
	}

	for _, info := range src.Streams() {
		switch info.Kind {
		case media.StreamKindVideo:
			if p.videoStats == nil {
				p.video = info
				p.videoStats = playback.NewStats()
			}
		case media.StreamKindAudio:
			if p.audio == nil {
				audio := info
				p.audio = &audio
			}
		}
	}
	if p.videoStats == nil {
		return nil, ErrNoVideoStream
	}
	if p.audio != nil && cfg.AudioFrameFunc == nil {
		p.log.Debug("audio stream present but no audio callback, skipping", "stream", p.audio.Index)
		p.audio = nil
	}
	if p.audio != nil {
		p.audioStats = playback.NewStats()
	}

	return p, nil
}

// SessionID returns the correlation id carried in this player's log lines.
func (p *Player) SessionID() string { return p.session }

// VideoStream returns the selected video stream's descriptor.
func (p *Player) VideoStream() media.StreamInfo { return p.video }

// AudioStream returns the selected audio stream's descriptor; ok is false
// when the container has no audio or no audio callback was supplied.
func (p *Player) AudioStream() (media.StreamInfo, bool) {
	if p.audio == nil {
		return media.StreamInfo{}, false
	}
	return *p.audio, true
}

// State returns the player's current state.
func (p *Player) State() State { return State(p.state.Load()) }

// Done is closed once the dispatcher has exhausted the container and every
// pipeline has stopped, or after Close tears playback down.
func (p *Player) Done() <-chan struct{} { return p.done }

// VideoStats snapshots the video pipeline's telemetry.
func (p *Player) VideoStats() playback.Snapshot { return p.videoStats.Snapshot() }

// AudioStats snapshots the audio pipeline's telemetry; ok is false when no
// audio pipeline exists.
func (p *Player) AudioStats() (playback.Snapshot, bool) {
	if p.audioStats == nil {
		return playback.Snapshot{}, false
	}
	return p.audioStats.Snapshot(), true
}

// Start captures the playback epoch, builds a decoder and pipeline per
// selected stream, and launches the dispatcher. The epoch is shared by all
// pipeline clocks; that shared anchor is what keeps audio and video aligned.
// Construction failures (a decoder that cannot be built) are returned before
// any goroutine is spawned.
func (p *Player) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.started {
		return ErrAlreadyStarted
	}

	epoch := time.Now()
	p.dsp = demux.NewDispatcher(p.src, p.log)

	if err := p.buildPipelines(epoch); err != nil {
		for _, pipe := range p.pipelines {
			pipe.Close()
		}
		p.pipelines = nil
		return err
	}

	for _, pipe := range p.pipelines {
		pipe.Start()
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	p.group = group

	group.Go(func() error {
		return p.dsp.Run(groupCtx)
	})
	group.Go(func() error {
		p.watch()
		return nil
	})
	group.Go(func() error {
		// Abort path: a cancelled context or dispatcher failure stops the
		// pipelines immediately instead of letting their queues drain out.
		// The mutex serializes pipeline closes against control sends.
		select {
		case <-groupCtx.Done():
			p.mu.Lock()
			for _, pipe := range p.pipelines {
				pipe.Close()
			}
			p.mu.Unlock()
		case <-p.done:
		}
		return nil
	})

	p.started = true
	p.state.Store(int32(StatePlaying))
	p.log.Info("playback started",
		"video", p.video.Index, "codec", p.video.Codec,
		"width", p.video.Width, "height", p.video.Height,
		"audio", p.audio != nil)
	return nil
}

func (p *Player) buildPipelines(epoch time.Time) error {
	videoDec, err := p.opener.OpenDecoder(p.video)
	if err != nil {
		return fmt.Errorf("open video decoder: %w", err)
	}
	videoPipe, err := playback.New(playback.Config{
		Stream:  p.video,
		Decoder: videoDec,
		Clock:   clock.New(p.video.TimeBase, epoch),
		FrameFunc: func(f media.Frame) {
			if vf, ok := f.(*media.VideoFrame); ok {
				p.cfg.VideoFrameFunc(vf)
			}
		},
		QueueSize: p.cfg.QueueSize,
		Stats:     p.videoStats,
		Logger:    p.log,
	})
	if err != nil {
		videoDec.Close()
		return fmt.Errorf("video pipeline: %w", err)
	}
	p.pipelines = append(p.pipelines, videoPipe)
	p.dsp.Register(p.video.Index, videoPipe)

	if p.audio == nil {
		return nil
	}

	audioDec, err := p.opener.OpenDecoder(*p.audio)
	if err != nil {
		return fmt.Errorf("open audio decoder: %w", err)
	}
	audioPipe, err := playback.New(playback.Config{
		Stream:  *p.audio,
		Decoder: audioDec,
		Clock:   clock.New(p.audio.TimeBase, epoch),
		FrameFunc: func(f media.Frame) {
			if af, ok := f.(*media.AudioFrame); ok {
				p.cfg.AudioFrameFunc(af)
			}
		},
		QueueSize: p.cfg.QueueSize,
		Stats:     p.audioStats,
		Logger:    p.log,
	})
	if err != nil {
		audioDec.Close()
		return fmt.Errorf("audio pipeline: %w", err)
	}
	p.pipelines = append(p.pipelines, audioPipe)
	p.dsp.Register(p.audio.Index, audioPipe)
	return nil
}

// watch waits for every pipeline to stop, then marks playback finished.
// This is the implicit stop at end of container.
func (p *Player) watch() {
	for _, pipe := range p.pipelines {
		<-pipe.Done()
	}

	p.mu.Lock()
	p.state.Store(int32(StateStopped))
	cancel := p.cancel
	p.mu.Unlock()

	routed, discarded := p.dsp.Counts()
	p.log.Info("playback finished", "routed", routed, "discarded", discarded)
	p.doneOnce.Do(func() { close(p.done) })
	if cancel != nil {
		cancel()
	}
}

// TogglePausePlaying flips between Playing and Paused. Every pipeline
// receives the corresponding command before the call returns, so no toggle
// can leave video and audio on different logical states; the workers apply
// it at their next scheduling point. The state callback is invoked with the
// new state (true = playing). A toggle on a stopped or unstarted player is
// a no-op.
func (p *Player) TogglePausePlaying() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	var cmd playback.Command
	var playing bool
	switch State(p.state.Load()) {
	case StatePlaying:
		cmd, playing = playback.CommandPause, false
	case StatePaused:
		cmd, playing = playback.CommandPlay, true
	default:
		return
	}

	for _, pipe := range p.pipelines {
		pipe.SendControl(cmd)
	}
	if playing {
		p.state.Store(int32(StatePlaying))
	} else {
		p.state.Store(int32(StatePaused))
	}
	p.log.Info("toggled", "playing", playing)

	if p.cfg.StateFunc != nil {
		p.cfg.StateFunc(playing)
	}
}

// Close tears playback down: cancel dispatch, stop every pipeline (their
// workers are joined before their decoders are released), close the source,
// and wait for the support goroutines. Safe to call more than once and
// after natural end of stream.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		started := p.started
		p.mu.Unlock()
		if started {
			<-p.done
		}
		return nil
	}
	p.closed = true
	started := p.started
	cancel := p.cancel
	group := p.group

	// Stop dispatch and join every worker while holding the mutex, so no
	// toggle can race a control send against a closing control channel.
	if cancel != nil {
		cancel()
	}
	for _, pipe := range p.pipelines {
		pipe.Close()
	}
	p.mu.Unlock()

	var runErr error
	if group != nil {
		runErr = group.Wait()
	}
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	closeErr := p.src.Close()

	if !started {
		p.state.Store(int32(StateStopped))
		p.doneOnce.Do(func() { close(p.done) })
	}

	if runErr != nil {
		return runErr
	}
	return closeErr
}
