package transcode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"time"

	"photocache/internal/logging"

	// Image format decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"  // BMP format support
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // TIFF format support
	_ "golang.org/x/image/webp" // WebP format support
)

const (
	// DefaultQuality is the JPEG quality used for cached photos.
	DefaultQuality = 92

	// DefaultResizeFactor keeps cached photos 15% larger than the display.
	DefaultResizeFactor = 1.15

	// MaxDecodePixels caps the header dimensions the Go decoder accepts.
	// It allocates the full bitmap, so larger sources are refused before
	// decoding.
	MaxDecodePixels = 100_000_000
)

var (
	// ErrDecode means the source bytes could not be parsed as an image.
	ErrDecode = errors.New("decode failed")
	// ErrEncode means the resized image could not be encoded or written.
	ErrEncode = errors.New("encode failed")
)

var log = logging.For("transcode")

// Writer stores bytes at a path. blobstore.Store implements it.
type Writer interface {
	Write(path string, data []byte) error
}

// Observer receives per-phase timings. Phases are "probe", "decode",
// "resize", "encode", "write" and "fallback".
type Observer interface {
	ObservePhase(phase string, seconds float64)
	ObserveFormat(format string)
}

// Info describes what the optimized path did to one photo.
type Info struct {
	Format       string
	Original     Size
	Target       Size
	SampleFactor int
	Resized      bool
}

// Outcome is the result of TranscodeTo.
type Outcome struct {
	Info     Info
	Size     int64 // bytes written
	Fallback bool  // the source was copied unchanged
	// OptimizeErr is why the optimized path was abandoned, if it was.
	OptimizeErr error
}

// Transcoder shrinks photos to screen size and re-encodes them as JPEG.
// It is safe for concurrent use.
type Transcoder struct {
	Quality      int
	ResizeFactor float64
	Observer     Observer
}

// New returns a Transcoder. Out-of-range values fall back to defaults.
func New(quality int, resizeFactor float64) *Transcoder {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	if resizeFactor <= 0 {
		resizeFactor = DefaultResizeFactor
	}
	return &Transcoder{Quality: quality, ResizeFactor: resizeFactor}
}

func (t *Transcoder) observe(phase string, start time.Time) {
	if t.Observer != nil {
		t.Observer.ObservePhase(phase, time.Since(start).Seconds())
	}
}

// Probe reads only the image header.
func Probe(src []byte) (Size, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return Size{}, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	size := Size{Width: cfg.Width, Height: cfg.Height}
	if !size.Valid() {
		return Size{}, format, fmt.Errorf("%w: invalid dimensions %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}
	return size, format, nil
}

// Optimize decodes src at a power-of-two sample factor, resizes it to the
// target for screen and encodes it as JPEG.
func (t *Transcoder) Optimize(src []byte, screen Size) ([]byte, Info, error) {
	start := time.Now()
	orig, format, err := Probe(src)
	t.observe("probe", start)
	if err != nil {
		return nil, Info{}, err
	}
	if t.Observer != nil {
		t.Observer.ObserveFormat(format)
	}

	target := TargetDimensions(orig, screen, t.ResizeFactor)
	factor := SampleFactor(orig, target)
	info := Info{Format: format, Original: orig, Target: target, SampleFactor: factor}

	start = time.Now()
	img, err := decodeSampled(src, format, orig, factor)
	t.observe("decode", start)
	if err != nil {
		return nil, info, err
	}

	// EXIF orientation may have rotated the decoded bitmap by 90 degrees.
	b := img.Bounds()
	if orig.Width != orig.Height && (b.Dx() > b.Dy()) != (orig.Width > orig.Height) {
		target = target.Transposed()
		info.Target = target
	}

	if b.Dx() != target.Width || b.Dy() != target.Height {
		start = time.Now()
		img = imaging.Resize(img, target.Width, target.Height, imaging.Lanczos)
		t.observe("resize", start)
		info.Resized = true
	}

	start = time.Now()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(t.Quality)); err != nil {
		return nil, info, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	t.observe("encode", start)

	log.Debug("%s %dx%d -> %dx%d (sample 1/%d, %d bytes)",
		format, orig.Width, orig.Height, target.Width, target.Height, factor, buf.Len())
	return buf.Bytes(), info, nil
}

// decodeSampled decodes src at 1/factor scale. libvips shrinks JPEGs while
// decoding; the pure Go path decodes at full resolution and down-samples
// right away so the full-size bitmap is dropped before the Lanczos pass.
// Sources over MaxDecodePixels are refused on the Go path.
func decodeSampled(src []byte, format string, orig Size, factor int) (image.Image, error) {
	if factor > 1 && format == "jpeg" && IsVipsAvailable() {
		img, err := decodeSampledVips(src, factor)
		if err == nil {
			return img, nil
		}
		log.Debug("vips sampled decode failed, using Go decoder: %v", err)
	}

	if err := checkDecodeLimit(orig); err != nil {
		return nil, err
	}
	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if factor <= 1 {
		return img, nil
	}

	sampled := sampledSize(orig, factor)
	b := img.Bounds()
	if orig.Width != orig.Height && (b.Dx() > b.Dy()) != (orig.Width > orig.Height) {
		sampled = sampled.Transposed()
	}
	dst := image.NewNRGBA(image.Rect(0, 0, sampled.Width, sampled.Height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, nil
}

func checkDecodeLimit(orig Size) error {
	if pixels := int64(orig.Width) * int64(orig.Height); pixels > MaxDecodePixels {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, orig.Width, orig.Height, MaxDecodePixels)
	}
	return nil
}

// TranscodeTo optimizes src for screen and writes it to path. If any
// step of the optimized path fails, the source bytes are written unchanged
// instead. The returned error is non-nil only when both writes failed.
func (t *Transcoder) TranscodeTo(w Writer, path string, src []byte, screen Size) (Outcome, error) {
	out, info, err := t.Optimize(src, screen)
	if err == nil {
		start := time.Now()
		err = w.Write(path, out)
		t.observe("write", start)
		if err == nil {
			return Outcome{Info: info, Size: int64(len(out))}, nil
		}
		err = fmt.Errorf("%w: %v", ErrEncode, err)
	}

	log.Debug("optimizing %s failed, copying original: %v", path, err)
	start := time.Now()
	if werr := w.Write(path, src); werr != nil {
		return Outcome{Info: info, OptimizeErr: err}, fmt.Errorf("raw copy failed: %w (optimize: %v)", werr, err)
	}
	t.observe("fallback", start)
	return Outcome{Info: info, Size: int64(len(src)), Fallback: true, OptimizeErr: err}, nil
}
