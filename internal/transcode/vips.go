package transcode

import (
	"bytes"
	"fmt"
	"image"
	"sync"

	"photocache/internal/logging"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/disintegration/imaging"
)

var (
	vipsMu          sync.Mutex
	vipsInitialized bool
)

// vipsLogSettings maps the application log level onto libvips' own.
// glib levels grow less severe as their value grows, and govips drops
// anything above the verbosity passed to LoggingSettings.
func vipsLogSettings() (vips.LogLevel, func(string, vips.LogLevel, string)) {
	handler := func(domain string, level vips.LogLevel, msg string) {
		switch {
		case level <= vips.LogLevelCritical:
			log.Error("[%s] %s", domain, msg)
		case level == vips.LogLevelWarning:
			log.Warn("[%s] %s", domain, msg)
		default:
			log.Debug("[%s] %s", domain, msg)
		}
	}

	switch logging.GetLevel() {
	case logging.LevelDebug:
		return vips.LogLevelInfo, handler
	case logging.LevelWarn:
		return vips.LogLevelCritical, handler
	case logging.LevelError:
		return vips.LogLevelError, handler
	default:
		return vips.LogLevelWarning, handler
	}
}

// InitVips starts libvips. Until it is called every photo goes through the
// pure Go decoder. Call it once at startup, after the log level is set.
func InitVips(concurrency int) error {
	vipsMu.Lock()
	defer vipsMu.Unlock()

	if vipsInitialized {
		return nil
	}
	if concurrency < 1 {
		concurrency = 1
	}

	level, handler := vipsLogSettings()
	vips.LoggingSettings(handler, level)

	vips.Startup(&vips.Config{
		ConcurrencyLevel: concurrency,
		MaxCacheMem:      50 * 1024 * 1024,
		MaxCacheSize:     100,
		ReportLeaks:      false,
		CacheTrace:       false,
		CollectStats:     false,
	})

	vipsInitialized = true
	log.Info("libvips initialized (version: %s, concurrency: %d)", vips.Version, concurrency)
	return nil
}

// ShutdownVips releases libvips resources.
func ShutdownVips() {
	vipsMu.Lock()
	defer vipsMu.Unlock()

	if vipsInitialized {
		vips.Shutdown()
		vipsInitialized = false
		log.Info("libvips shutdown complete")
	}
}

// IsVipsAvailable reports whether InitVips has run.
func IsVipsAvailable() bool {
	vipsMu.Lock()
	defer vipsMu.Unlock()
	return vipsInitialized
}

// decodeSampledVips lets libjpeg skip DCT coefficients so the bitmap is
// produced at 1/factor without ever holding the full-size image.
func decodeSampledVips(src []byte, factor int) (image.Image, error) {
	params := vips.NewImportParams()
	params.AutoRotate.Set(true)
	params.JpegShrinkFactor.Set(factor)

	ref, err := vips.LoadImageFromBuffer(src, params)
	if err != nil {
		return nil, fmt.Errorf("vips load: %w", err)
	}
	defer ref.Close()

	out, _, err := ref.ExportJpeg(&vips.JpegExportParams{
		Quality:       95,
		StripMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("vips export: %w", err)
	}

	img, err := imaging.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("decode vips output: %w", err)
	}
	return img, nil
}
