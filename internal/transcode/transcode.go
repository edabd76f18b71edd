// Package transcode turns one input image into one re-encoded output per size
// tier. Transcoding is all-or-nothing: a corrupt or unsupported input yields a
// failure with zero outputs, never a partial tier set.
package transcode

import (
	"bytes"
	"fmt"
	"io"

	"github.com/disintegration/imaging"

	"imagehub/internal/models"
	"imagehub/internal/sizes"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const jpegQuality = 85

// Result holds the encoded output per tier plus the source dimensions.
type Result struct {
	Tiers  map[string][]byte
	Width  int
	Height int
}

type Transcoder struct {
	specs []sizes.Spec
}

func New() *Transcoder {
	return &Transcoder{specs: sizes.All()}
}

// TranscodeAll decodes the input once and produces a JPEG per size tier,
// preserving aspect ratio and never upscaling beyond the source resolution.
func (t *Transcoder) TranscodeAll(r io.Reader) (*Result, error) {
	const op = "transcode.TranscodeAll"

	src, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, models.ErrProcessingFailure, err)
	}

	bounds := src.Bounds()
	res := &Result{
		Tiers:  make(map[string][]byte, len(t.specs)),
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}

	for _, spec := range t.specs {
		img := src
		if bounds.Dx() > spec.Width || bounds.Dy() > spec.Height {
			img = imaging.Fit(src, spec.Width, spec.Height, imaging.Lanczos)
		}
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
			return nil, fmt.Errorf("%s: encode %s: %w: %v", op, spec.Name, models.ErrProcessingFailure, err)
		}
		res.Tiers[spec.Name] = buf.Bytes()
	}

	return res, nil
}
