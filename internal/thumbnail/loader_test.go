package thumbnail

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"testing"
)

type memRef struct {
	key  string
	data []byte
	err  error
}

func (m memRef) Key() string { return m.key }

func (m memRef) Open(context.Context) (io.ReadCloser, error) {
	if m.err != nil {
		return nil, m.err
	}
	return io.NopCloser(bytes.NewReader(m.data)), nil
}

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestLoadScalesToFit(t *testing.T) {
	data := solidPNG(t, 100, 50, color.RGBA{R: 220, A: 255})
	info, err := Load(context.Background(), memRef{key: "mem://red", data: data}, 20, 20)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer info.Close()

	if info.Width != 20 || info.Height != 10 {
		t.Fatalf("expected 20x10, got %dx%d", info.Width, info.Height)
	}
	sum := sha256.Sum256(data)
	if info.Hash != hex.EncodeToString(sum[:]) {
		t.Fatalf("hash should cover the original bytes")
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(info.Stream.Bytes()))
	if err != nil {
		t.Fatalf("stream is not a png: %v", err)
	}
	if cfg.Width != 20 || cfg.Height != 10 {
		t.Fatalf("encoded size %dx%d", cfg.Width, cfg.Height)
	}
	if info.Accent.R <= info.Accent.G || info.Accent.R <= info.Accent.B {
		t.Fatalf("expected red accent, got %+v", info.Accent)
	}
	if info.AccentHex() == "" {
		t.Fatalf("expected accent hex")
	}
}

func TestLoadKeepsSmallImagesVerbatim(t *testing.T) {
	data := solidPNG(t, 8, 8, color.White)
	info, err := Load(context.Background(), memRef{key: "k", data: data}, 20, 20)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(info.Stream.Bytes(), data) {
		t.Fatalf("expected original bytes")
	}
	if info.Width != 8 || info.Height != 8 {
		t.Fatalf("unexpected size %dx%d", info.Width, info.Height)
	}
}

func TestLoadWithoutBoundsSkipsDecode(t *testing.T) {
	data := solidPNG(t, 30, 30, color.Black)
	info, err := Load(context.Background(), memRef{key: "k", data: data}, 0, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(info.Stream.Bytes(), data) {
		t.Fatalf("expected original bytes")
	}
	if info.Width != 30 {
		t.Fatalf("expected config width, got %d", info.Width)
	}
	if info.AccentHex() != "" {
		t.Fatalf("accent should be unknown without decoding")
	}
}

func TestLoadNilAndEmpty(t *testing.T) {
	info, err := Load(context.Background(), nil, 20, 20)
	if err != nil || info != nil {
		t.Fatalf("expected nil info for nil ref, got %v %v", info, err)
	}
	info, err = Load(context.Background(), memRef{key: "empty"}, 20, 20)
	if err != nil || info != nil {
		t.Fatalf("expected nil info for empty artwork, got %v %v", info, err)
	}
}

func TestLoadErrors(t *testing.T) {
	boom := errors.New("boom")
	if _, err := Load(context.Background(), memRef{key: "k", err: boom}, 20, 20); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped open error, got %v", err)
	}
	if _, err := Load(context.Background(), memRef{key: "k", data: []byte("not an image")}, 20, 20); err == nil {
		t.Fatalf("expected decode error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	data := solidPNG(t, 4, 4, color.White)
	if _, err := Load(ctx, memRef{key: "k", data: data}, 20, 20); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestSameComparesHashes(t *testing.T) {
	a := &Info{Hash: "abc", Stream: newStream([]byte{1})}
	b := &Info{Hash: "abc", Stream: newStream([]byte{2})}
	c := &Info{Hash: "def"}
	if !Same(a, b) {
		t.Fatalf("same hash should be same artwork")
	}
	if Same(a, c) || Same(a, nil) || Same(nil, c) {
		t.Fatalf("different artwork reported same")
	}
	if !Same(nil, nil) {
		t.Fatalf("nil should equal nil")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	info := &Info{Hash: "x", Stream: newStream([]byte{1, 2, 3})}
	if err := info.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := info.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !info.Stream.Closed() || info.Stream.Bytes() != nil {
		t.Fatalf("stream should be released")
	}
	var nilInfo *Info
	if err := nilInfo.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
