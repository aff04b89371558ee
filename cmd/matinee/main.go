// Command matinee plays a local media file in an SDL window.
//
// Space toggles pause, F flips between fit and fill scaling, Esc or Q
// quits. Playback stops on its own when the file runs out.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/veandco/go-sdl2/sdl"

	"github.com/zsiec/matinee/internal/config"
	"github.com/zsiec/matinee/internal/media"
	"github.com/zsiec/matinee/internal/player"
)

var version = "dev"

// presentBuffer is how many decoded frames may sit between the pipeline
// worker and the render thread before frames get dropped.
const presentBuffer = 3

// SDL's video and event APIs must stay on the startup thread.
func init() {
	runtime.LockOSThread()
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: matinee [-config file] <media-file>\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	level, _ := cfg.Log.SlogLevel() // validated by Load
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("matinee starting", "version", version, "file", flag.Arg(0))

	if err := run(ctx, flag.Arg(0), cfg); err != nil {
		slog.Error("playback failed", "error", err)
		os.Exit(1)
	}
}

type app struct {
	cfg     config.Config
	log     *slog.Logger
	player  *player.Player
	win     *sdl.Window
	view    *videoView
	audio   *audioSink
	frames  chan *media.VideoFrame
	dropped atomic.Int64
}

func run(ctx context.Context, path string, cfg config.Config) error {
	if err := sdl.Init(sdl.INIT_VIDEO | sdl.INIT_AUDIO | sdl.INIT_EVENTS); err != nil {
		return fmt.Errorf("init SDL: %w", err)
	}
	defer sdl.Quit()

	a := &app{
		cfg:    cfg,
		log:    slog.Default().With("component", "ui"),
		frames: make(chan *media.VideoFrame, presentBuffer),
	}

	p, err := player.Open(path, player.Config{
		VideoFrameFunc: a.onVideoFrame,
		AudioFrameFunc: a.onAudioFrame,
		StateFunc:      a.onStateChange,
		QueueSize:      cfg.Playback.QueueSize,
		VideoThreads:   cfg.Playback.VideoThreads,
		Logger:         slog.Default(),
	})
	if err != nil {
		return err
	}
	defer p.Close()
	a.player = p

	video := p.VideoStream()
	a.log.Info("media opened",
		"video", video.Codec, "width", video.Width, "height", video.Height,
		"duration", video.Duration.Round(time.Second))

	win, err := sdl.CreateWindow(cfg.Window.Title,
		sdl.WINDOWPOS_CENTERED, sdl.WINDOWPOS_CENTERED,
		int32(cfg.Window.Width), int32(cfg.Window.Height),
		sdl.WINDOW_SHOWN|sdl.WINDOW_RESIZABLE)
	if err != nil {
		return fmt.Errorf("create window: %w", err)
	}
	defer win.Destroy()
	a.win = win

	ren, err := sdl.CreateRenderer(win, -1, sdl.RENDERER_ACCELERATED|sdl.RENDERER_PRESENTVSYNC)
	if err != nil {
		return fmt.Errorf("create renderer: %w", err)
	}
	defer ren.Destroy()

	a.view = newVideoView(ren, cfg.Window.Scale, a.log)
	defer a.view.destroy()

	if info, ok := p.AudioStream(); ok {
		sink, err := newAudioSink(info, a.log)
		if err != nil {
			a.log.Warn("audio device unavailable, playing without sound", "error", err)
		} else {
			a.audio = sink
			defer a.audio.close()
		}
	}

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start playback: %w", err)
	}

	err = a.loop(ctx)

	// Stop the pipelines before the SDL sinks go away underneath them.
	p.Close()
	if n := a.dropped.Load(); n > 0 {
		a.log.Info("frames dropped by presentation", "count", n)
	}
	return err
}

// loop is the main thread's event and render loop. It leaves when the user
// quits, the context ends, or playback finishes and the frame queue is
// drained.
func (a *app) loop(ctx context.Context) error {
	stats := time.NewTicker(time.Second)
	defer stats.Stop()
	poll := time.NewTicker(5 * time.Millisecond)
	defer poll.Stop()

	for {
		for ev := sdl.PollEvent(); ev != nil; ev = sdl.PollEvent() {
			switch e := ev.(type) {
			case *sdl.QuitEvent:
				return nil
			case *sdl.KeyboardEvent:
				if e.Type != sdl.KEYDOWN {
					continue
				}
				switch e.Keysym.Sym {
				case sdl.K_SPACE:
					a.player.TogglePausePlaying()
				case sdl.K_f:
					a.view.toggleScale()
				case sdl.K_ESCAPE, sdl.K_q:
					return nil
				}
			case *sdl.WindowEvent:
				if e.Event == sdl.WINDOWEVENT_SIZE_CHANGED || e.Event == sdl.WINDOWEVENT_EXPOSED {
					if err := a.view.redraw(); err != nil {
						a.log.Warn("redraw", "error", err)
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case f := <-a.frames:
			if err := a.view.present(f); err != nil {
				return err
			}
		case <-a.player.Done():
			// Every worker has exited, so the queue holds the final frames.
			for {
				select {
				case f := <-a.frames:
					if err := a.view.present(f); err != nil {
						return err
					}
				default:
					a.log.Info("playback finished")
					return nil
				}
			}
		case <-stats.C:
			a.logStats()
		case <-poll.C:
			// Keep the event loop responsive while paused or between frames.
		}
	}
}

func (a *app) logStats() {
	vs := a.player.VideoStats()
	attrs := []any{
		"fps", fmt.Sprintf("%.1f", vs.FPS),
		"frames", vs.Frames,
		"queueDepth", vs.QueueDepth,
		"dropped", a.dropped.Load(),
	}
	if as, ok := a.player.AudioStats(); ok {
		attrs = append(attrs, "audioFrames", as.Frames)
		if a.audio != nil {
			attrs = append(attrs, "audioQueuedBytes", a.audio.queuedBytes())
		}
	}
	a.log.Debug("stats", attrs...)
}

// onVideoFrame runs on the video pipeline's worker. The frame is cloned for
// the handoff; when the present queue is full it is dropped rather than
// stalling the pipeline behind the render thread.
func (a *app) onVideoFrame(f *media.VideoFrame) {
	select {
	case a.frames <- f.Clone():
	default:
		a.dropped.Add(1)
	}
}

// onAudioFrame runs on the audio pipeline's worker. SDL's queue is
// thread-safe, so samples go straight to the device.
func (a *app) onAudioFrame(f *media.AudioFrame) {
	if a.audio != nil {
		a.audio.enqueue(f)
	}
}

// onStateChange runs on the main thread, inside the toggle that caused it.
func (a *app) onStateChange(playing bool) {
	if a.audio != nil {
		a.audio.setPaused(!playing)
	}
	title := a.cfg.Window.Title
	if !playing {
		title += " (paused)"
	}
	a.win.SetTitle(title)
}
