// Package thumbnail turns artwork references into small, hashed, re-encoded images.
package thumbnail

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"math"
	"sync"

	"github.com/boxes-ltd/imaging"
	"github.com/cenkalti/dominantcolor"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/mikey-austin/nowbar/internal/ports"
)

// Info is a loaded piece of artwork. Two Infos are the same artwork iff their hashes match.
type Info struct {
	// Hash is the hex SHA-256 of the original artwork bytes.
	Hash   string
	Stream *Stream
	Width  int
	Height int
	// Accent is the dominant colour; zero when the image was not decoded.
	Accent color.RGBA
}

// Close releases the stream. Safe on a nil Info and safe to call more than once.
func (i *Info) Close() error {
	if i == nil || i.Stream == nil {
		return nil
	}
	return i.Stream.Close()
}

// AccentHex returns the accent colour as #rrggbb, or "" when unknown.
func (i *Info) AccentHex() string {
	if i == nil || i.Accent.A == 0 {
		return ""
	}
	return dominantcolor.Hex(i.Accent)
}

// Same reports whether a and b hold the same artwork.
func Same(a, b *Info) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Hash == b.Hash
}

// Stream is an in-memory encoded image owned by exactly one Info.
type Stream struct {
	*bytes.Reader
	mu     sync.Mutex
	data   []byte
	closed bool
}

func newStream(data []byte) *Stream {
	return &Stream{Reader: bytes.NewReader(data), data: data}
}

// Bytes returns the encoded image, or nil once the stream is closed.
func (s *Stream) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.data
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close drops the buffer.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.data = nil
	s.Reader.Reset(nil)
	return nil
}

// Load reads ref and, when maxWidth or maxHeight is positive, scales the image down to fit and
// re-encodes it as PNG. A nil ref or empty artwork yields a nil Info.
func Load(ctx context.Context, ref ports.ArtworkRef, maxWidth, maxHeight int) (*Info, error) {
	if ref == nil {
		return nil, nil
	}
	rc, err := ref.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open artwork %s: %w", ref.Key(), err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("read artwork %s: %w", ref.Key(), err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if maxWidth <= 0 && maxHeight <= 0 {
		info := &Info{Hash: hash, Stream: newStream(data)}
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			info.Width, info.Height = cfg.Width, cfg.Height
		}
		return info, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode artwork %s: %w", ref.Key(), err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	scale := fitScale(width, height, maxWidth, maxHeight)
	if scale >= 1 {
		return &Info{
			Hash:   hash,
			Stream: newStream(data),
			Width:  width,
			Height: height,
			Accent: dominantcolor.Find(img),
		}, nil
	}

	newWidth := max(1, int(math.Round(float64(width)*scale)))
	newHeight := max(1, int(math.Round(float64(height)*scale)))
	scaled := imaging.Resize(img, newWidth, newHeight, imaging.Lanczos)

	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return nil, fmt.Errorf("encode artwork %s: %w", ref.Key(), err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Info{
		Hash:   hash,
		Stream: newStream(buf.Bytes()),
		Width:  newWidth,
		Height: newHeight,
		Accent: dominantcolor.Find(scaled),
	}, nil
}

func fitScale(width, height, maxWidth, maxHeight int) float64 {
	scale := 1.0
	if maxWidth > 0 && width > maxWidth {
		scale = math.Min(scale, float64(maxWidth)/float64(width))
	}
	if maxHeight > 0 && height > maxHeight {
		scale = math.Min(scale, float64(maxHeight)/float64(height))
	}
	return scale
}
