package l1frames

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// FrameSource yields frames in presentation order. End of stream is reported
// by ok == false with a nil error; an error means the source is broken.
type FrameSource interface {
	Next() (frame *Frame, ok bool, err error)
}

// SliceSource replays an in-memory sequence of frames.
type SliceSource struct {
	frames []*Frame
	pos    int
}

// NewSliceSource returns a source over frames. Frames without an index are
// numbered by their position.
func NewSliceSource(frames []*Frame) *SliceSource {
	return &SliceSource{frames: frames}
}

// Next implements FrameSource.
func (s *SliceSource) Next() (*Frame, bool, error) {
	if s.pos >= len(s.frames) {
		return nil, false, nil
	}
	f := s.frames[s.pos]
	if f.Index == 0 && s.pos > 0 {
		f = f.WithIndex(s.pos, f.Timestamp)
	}
	s.pos++
	return f, true, nil
}

// Len returns the total number of frames in the source.
func (s *SliceSource) Len() int { return len(s.frames) }

// imageExtensions lists the encodings registered with the image package by
// this file's imports.
var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

// DirSourceConfig selects the frames a DirSource replays.
type DirSourceConfig struct {
	// Dir is the directory inside FS holding one image per frame. Files are
	// ordered by name, so zero-padded frame numbers sort correctly.
	Dir string

	// Start is the first frame index to emit (inclusive).
	Start int

	// End is the last frame index to emit (inclusive). Zero or negative means
	// the end of the directory.
	End int

	// FrameInterval spaces the synthetic timestamps of emitted frames.
	FrameInterval time.Duration
}

// DirSource reads an image sequence from a directory, converting colour
// images to grayscale.
type DirSource struct {
	fsys     fs.FS
	cfg      DirSourceConfig
	names    []string
	pos      int
	origin   time.Time
	interval time.Duration
}

// NewDirSource lists the image files of cfg.Dir within fsys.
func NewDirSource(fsys fs.FS, cfg DirSourceConfig) (*DirSource, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = "."
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list frame directory %q: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if imageExtensions[strings.ToLower(path.Ext(e.Name()))] {
			names = append(names, path.Join(dir, e.Name()))
		}
	}
	sort.Strings(names)

	if cfg.Start < 0 {
		return nil, fmt.Errorf("frame start must be non-negative, got %d", cfg.Start)
	}
	end := len(names) - 1
	if cfg.End > 0 && cfg.End < end {
		end = cfg.End
	}
	if cfg.Start > end {
		names = nil
	} else {
		names = names[:end+1]
	}

	interval := cfg.FrameInterval
	if interval <= 0 {
		interval = time.Second / 30
	}

	return &DirSource{
		fsys:     fsys,
		cfg:      cfg,
		names:    names,
		pos:      cfg.Start,
		origin:   time.Unix(0, 0),
		interval: interval,
	}, nil
}

// Len returns the number of frames the source will emit.
func (s *DirSource) Len() int {
	if s.cfg.Start >= len(s.names) {
		return 0
	}
	return len(s.names) - s.cfg.Start
}

// Next implements FrameSource.
func (s *DirSource) Next() (*Frame, bool, error) {
	if s.pos >= len(s.names) {
		return nil, false, nil
	}
	name := s.names[s.pos]
	idx := s.pos
	s.pos++

	fh, err := s.fsys.Open(name)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open frame %q: %w", name, err)
	}
	defer fh.Close()

	img, _, err := image.Decode(fh)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode frame %q: %w", name, err)
	}
	f, err := FromImage(img)
	if err != nil {
		return nil, false, fmt.Errorf("frame %q: %w", name, err)
	}
	return f.WithIndex(idx, s.origin.Add(time.Duration(idx)*s.interval)), true, nil
}
