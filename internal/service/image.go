package service

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"net/http"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const jpegQuality = 90

// ErrUnsupportedImage is returned for bytes that are not a decodable image.
var ErrUnsupportedImage = errors.New("unsupported image format")

var allowedMIME = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// decodeImage sniffs and decodes photo bytes. Client-supplied content
// types are never trusted.
func decodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty data", ErrUnsupportedImage)
	}
	if mime := http.DetectContentType(data); !allowedMIME[mime] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedImage, mime)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: zero-sized image", ErrUnsupportedImage)
	}
	return img, nil
}

// fitRGB draws img onto an opaque RGB canvas so that its shorter side is
// edge pixels, then center-crops to edge x edge (the CLIP preprocessing).
// Transparent regions become white.
func fitRGB(img image.Image, edge int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := float64(edge) / float64(min(w, h))
	sw, sh := max(edge, int(float64(w)*scale+0.5)), max(edge, int(float64(h)*scale+0.5))

	scaled := image.NewRGBA(image.Rect(0, 0, sw, sh))
	draw.Draw(scaled, scaled.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), img, b, draw.Over, nil)

	out := image.NewRGBA(image.Rect(0, 0, edge, edge))
	offset := image.Pt((sw-edge)/2, (sh-edge)/2)
	draw.Draw(out, out.Bounds(), scaled, offset, draw.Src)
	return out
}

// preprocessPhoto decodes a photo and re-encodes it as an edge x edge JPEG.
func preprocessPhoto(data []byte, edge int) ([]byte, error) {
	img, err := decodeImage(data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, fitRGB(img, edge), &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encoding JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// toGray downscales img so that its longer side is at most maxSide and
// converts it to 8-bit luminance.
func toGray(img image.Image, maxSide int) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if long := max(w, h); long > maxSide {
		w = w * maxSide / long
		h = h * maxSide / long
	}
	gray := image.NewGray(image.Rect(0, 0, max(w, 1), max(h, 1)))
	draw.CatmullRom.Scale(gray, gray.Bounds(), img, b, draw.Src, nil)
	return gray
}
