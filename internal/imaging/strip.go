// Package imaging prepares provider output for delivery.
package imaging

import (
	"bytes"
	"fmt"
	"io"

	"github.com/disintegration/imaging"
)

// StripMetadata decodes an image and re-encodes it as JPEG. Decoding drops
// every ancillary block, so EXIF and GPS data from the source or the provider
// never reach the stored output.
func StripMetadata(r io.Reader) ([]byte, error) {
	img, err := imaging.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("op=imaging.strip_decode: %w", err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		return nil, fmt.Errorf("op=imaging.strip_encode: %w", err)
	}
	return buf.Bytes(), nil
}
