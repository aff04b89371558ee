package player

import (
	"github.com/zsiec/matinee/internal/codec"
	"github.com/zsiec/matinee/internal/container"
	"github.com/zsiec/matinee/internal/demux"
)

// The libav-backed layers must keep satisfying the engine interfaces.
var (
	_ demux.Source  = (*container.File)(nil)
	_ DecoderOpener = (*codec.Opener)(nil)
)

// Open opens the media file at path and binds libav decoders to its
// streams. The returned player owns the file and releases it on Close.
// Nothing plays until Start.
func Open(path string, cfg Config) (*Player, error) {
	f, err := container.Open(path, cfg.Logger)
	if err != nil {
		return nil, err
	}

	opener := codec.NewOpener(f, codec.Options{VideoThreads: cfg.VideoThreads}, cfg.Logger)
	p, err := New(f, opener, cfg)
	if err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}
