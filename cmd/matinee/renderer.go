package main

import (
	"fmt"
	"log/slog"

	"github.com/veandco/go-sdl2/sdl"

	"github.com/zsiec/matinee/internal/config"
	"github.com/zsiec/matinee/internal/media"
)

// videoView owns the streaming texture and draws decoded frames into the
// window. Everything here runs on the main thread; SDL's video API is not
// safe anywhere else.
type videoView struct {
	log      *slog.Logger
	renderer *sdl.Renderer
	texture  *sdl.Texture
	texW     int32
	texH     int32
	scale    string
}

func newVideoView(renderer *sdl.Renderer, scale string, log *slog.Logger) *videoView {
	return &videoView{
		log:      log.With("component", "view"),
		renderer: renderer,
		scale:    scale,
	}
}

// present uploads one I420 frame and redraws. The upload copies the planes
// into the texture, which then carries the picture across resize repaints.
func (v *videoView) present(f *media.VideoFrame) error {
	if f.Format != media.PixelFormatI420 || len(f.Data) != 3 || len(f.Stride) != 3 {
		return fmt.Errorf("present: unsupported frame layout %v", f.Format)
	}

	if err := v.ensureTexture(int32(f.Width), int32(f.Height)); err != nil {
		return err
	}
	if err := v.texture.UpdateYUV(nil,
		f.Data[0], f.Stride[0],
		f.Data[1], f.Stride[1],
		f.Data[2], f.Stride[2]); err != nil {
		return fmt.Errorf("present: upload frame: %w", err)
	}
	return v.redraw()
}

// redraw repaints the last uploaded frame, letterboxed or cropped per the
// scale mode. Called on resize and scale toggles too, so a paused frame
// tracks the window.
func (v *videoView) redraw() error {
	if err := v.renderer.SetDrawColor(0, 0, 0, 255); err != nil {
		return fmt.Errorf("redraw: %w", err)
	}
	if err := v.renderer.Clear(); err != nil {
		return fmt.Errorf("redraw: %w", err)
	}
	if v.texture != nil {
		outW, outH, err := v.renderer.GetOutputSize()
		if err != nil {
			return fmt.Errorf("redraw: output size: %w", err)
		}
		dst := displayRect(outW, outH, v.texW, v.texH, v.scale)
		if err := v.renderer.Copy(v.texture, nil, &dst); err != nil {
			return fmt.Errorf("redraw: copy texture: %w", err)
		}
	}
	v.renderer.Present()
	return nil
}

// toggleScale flips between fit and fill and repaints.
func (v *videoView) toggleScale() {
	if v.scale == config.ScaleFit {
		v.scale = config.ScaleFill
	} else {
		v.scale = config.ScaleFit
	}
	v.log.Debug("scale mode changed", "scale", v.scale)
	if err := v.redraw(); err != nil {
		v.log.Warn("redraw after scale change", "error", err)
	}
}

// ensureTexture rebuilds the streaming texture when the frame geometry
// changes, including the very first frame.
func (v *videoView) ensureTexture(w, h int32) error {
	if v.texture != nil && v.texW == w && v.texH == h {
		return nil
	}
	if v.texture != nil {
		v.texture.Destroy()
		v.texture = nil
	}

	tex, err := v.renderer.CreateTexture(sdl.PIXELFORMAT_IYUV, sdl.TEXTUREACCESS_STREAMING, w, h)
	if err != nil {
		return fmt.Errorf("create %dx%d texture: %w", w, h, err)
	}
	v.texture = tex
	v.texW = w
	v.texH = h
	v.log.Debug("texture created", "width", w, "height", h)
	return nil
}

func (v *videoView) destroy() {
	if v.texture != nil {
		v.texture.Destroy()
		v.texture = nil
	}
}

// displayRect computes where the frame lands in the output. Fit bounds the
// frame by its larger relative dimension and centers the rest (letterbox);
// fill bounds by the smaller one and lets the overflow crop.
func displayRect(outW, outH, frameW, frameH int32, scale string) sdl.Rect {
	if frameW <= 0 || frameH <= 0 || outW <= 0 || outH <= 0 {
		return sdl.Rect{W: outW, H: outH}
	}

	frameAspect := float64(frameW) / float64(frameH)
	outAspect := float64(outW) / float64(outH)

	var w, h int32
	if (frameAspect > outAspect) == (scale == config.ScaleFit) {
		w = outW
		h = int32(float64(outW) / frameAspect)
	} else {
		h = outH
		w = int32(float64(outH) * frameAspect)
	}
	return sdl.Rect{X: (outW - w) / 2, Y: (outH - h) / 2, W: w, H: h}
}
