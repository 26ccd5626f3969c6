// Package transcode shrinks photos to the size of the display they will be
// shown on and re-encodes them as JPEG.
//
// The pipeline for one photo:
//   - Probe: read only the header to learn the original dimensions
//   - Target: fit inside the display scaled by the resize factor, never upscale
//   - Sampled decode: decode at the largest power-of-two reduction that
//     still covers the target (libvips shrink-on-load for JPEG when
//     available, otherwise the Go decoders plus a cheap bilinear pass)
//   - Resize: Lanczos to the exact target dimensions
//   - Encode: JPEG at the configured quality
//
// When any step fails the original bytes are written unchanged, so a photo
// is always cached in some form unless the destination itself is broken.
package transcode
