package signals

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
)

var ErrBadDepthMap = errors.New("signals: depth map size mismatch")

// FromImage converts img to a luma keyframe.
func FromImage(index uint64, timestampMs int64, img image.Image) Keyframe {
	b := img.Bounds()
	kf := Keyframe{
		Index:       index,
		TimestampMs: timestampMs,
		Width:       b.Dx(),
		Height:      b.Dy(),
	}

	// JPEG decodes to YCbCr; its Y plane is already the luma we want.
	if ycc, ok := img.(*image.YCbCr); ok {
		kf.Luma = make([]byte, kf.Width*kf.Height)
		for y := 0; y < kf.Height; y++ {
			src := ycc.Y[(y+b.Min.Y-ycc.Rect.Min.Y)*ycc.YStride+(b.Min.X-ycc.Rect.Min.X):]
			copy(kf.Luma[y*kf.Width:(y+1)*kf.Width], src[:kf.Width])
		}
		return kf
	}
	if g, ok := img.(*image.Gray); ok {
		kf.Luma = make([]byte, kf.Width*kf.Height)
		for y := 0; y < kf.Height; y++ {
			off := (y+b.Min.Y-g.Rect.Min.Y)*g.Stride + (b.Min.X - g.Rect.Min.X)
			copy(kf.Luma[y*kf.Width:(y+1)*kf.Width], g.Pix[off:off+kf.Width])
		}
		return kf
	}

	kf.Luma = make([]byte, 0, kf.Width*kf.Height)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			kf.Luma = append(kf.Luma, color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)
		}
	}
	return kf
}

// DecodeJPEG decodes a JPEG keyframe.
func DecodeJPEG(index uint64, timestampMs int64, data []byte) (Keyframe, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return Keyframe{}, fmt.Errorf("signals: decode keyframe %d: %w", index, err)
	}
	return FromImage(index, timestampMs, img), nil
}

// EncodeJPEG encodes the luma plane as a grayscale JPEG.
func EncodeJPEG(kf Keyframe, quality int) ([]byte, error) {
	if !kf.HasLuma() {
		return nil, fmt.Errorf("signals: keyframe %d has no luma", kf.Index)
	}
	img := &image.Gray{Pix: kf.Luma, Stride: kf.Width, Rect: image.Rect(0, 0, kf.Width, kf.Height)}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeDepth parses a little-endian float32 depth map of width*height
// values.
func DecodeDepth(data []byte, width, height int) ([]float32, error) {
	if width <= 0 || height <= 0 || len(data) != 4*width*height {
		return nil, fmt.Errorf("%w: %d bytes for %dx%d", ErrBadDepthMap, len(data), width, height)
	}
	out := make([]float32, width*height)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out, nil
}

// EncodeDepth is the inverse of DecodeDepth.
func EncodeDepth(depth []float32) []byte {
	out := make([]byte, 4*len(depth))
	for i, v := range depth {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

// Sampler picks keyframes from the frame stream.
type Sampler struct {
	// Every keeps one frame in Every; frame 0 is always kept.
	Every int
	// Max caps the number of keyframes kept; zero means unlimited.
	Max int

	kept int
}

// Keep reports whether frameIndex should be sampled, and counts it if so.
func (s *Sampler) Keep(frameIndex uint64) bool {
	every := uint64(max(1, s.Every))
	if frameIndex%every != 0 {
		return false
	}
	if s.Max > 0 && s.kept >= s.Max {
		return false
	}
	s.kept++
	return true
}
