package extract

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"sort"

	"github.com/ledongthuc/pdf"

	"github.com/incrementventures/adt-studio-sub000/internal/storage"
)

// pageImages decodes the raster XObjects of a page. Only 8-bit Flate
// encoded DeviceRGB and DeviceGray images are decoded; others are skipped.
func pageImages(page pdf.Page, pageID string, logger *slog.Logger) []storage.Image {
	xobjects := page.Resources().Key("XObject")
	if xobjects.IsNull() {
		return nil
	}
	names := xobjects.Keys()
	sort.Strings(names)

	var out []storage.Image
	for _, name := range names {
		x := xobjects.Key(name)
		if x.Key("Subtype").Name() != "Image" {
			continue
		}
		img, err := decodeImage(x)
		if err != nil {
			logger.Debug("skipping page image", "page_id", pageID, "xobject", name, "error", err)
			continue
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			logger.Debug("skipping page image", "page_id", pageID, "xobject", name, "error", err)
			continue
		}
		b := img.Bounds()
		out = append(out, storage.Image{
			ImageID: storage.ImageID(pageID, len(out)+1),
			PageID:  pageID,
			Width:   b.Dx(),
			Height:  b.Dy(),
			MIME:    "image/png",
			Data:    buf.Bytes(),
		})
	}
	return out
}

func decodeImage(x pdf.Value) (img image.Image, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("decoding image stream: %v", p)
		}
	}()

	if f := x.Key("Filter"); f.Name() != "FlateDecode" {
		return nil, fmt.Errorf("unsupported filter %q", f.Name())
	}
	if bpc := x.Key("BitsPerComponent").Int64(); bpc != 8 {
		return nil, fmt.Errorf("unsupported bits per component %d", bpc)
	}
	w, h := int(x.Key("Width").Int64()), int(x.Key("Height").Int64())
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid size %dx%d", w, h)
	}

	var channels int
	switch cs := x.Key("ColorSpace").Name(); cs {
	case "DeviceRGB":
		channels = 3
	case "DeviceGray":
		channels = 1
	default:
		return nil, fmt.Errorf("unsupported color space %q", cs)
	}

	rc := x.Reader()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	if len(data) < w*h*channels {
		return nil, fmt.Errorf("short image data: %d bytes for %dx%d", len(data), w, h)
	}

	if channels == 1 {
		gray := image.NewGray(image.Rect(0, 0, w, h))
		copy(gray.Pix, data[:w*h])
		return gray, nil
	}
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	for py := 0; py < h; py++ {
		for px := 0; px < w; px++ {
			i := (py*w + px) * 3
			rgba.SetRGBA(px, py, color.RGBA{R: data[i], G: data[i+1], B: data[i+2], A: 0xff})
		}
	}
	return rgba, nil
}
