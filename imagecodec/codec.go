// Package imagecodec implements uplink.ImageCodec with JPEG and PNG for
// pictures, zstd for depth shifts and snappy as a general lossless fallback.
package imagecodec

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/Zereker/uplink"
)

// ErrSizeMismatch is returned when pixel data does not match the image dimensions.
var ErrSizeMismatch = errors.New("image data does not match dimensions")

// ErrTooLarge is returned when declared dimensions exceed MaxImageBytes.
var ErrTooLarge = errors.New("image too large")

// MaxImageBytes bounds the raw size of a decoded image.
const MaxImageBytes = 64 << 20

// maxWindow bounds the zstd history a peer can make the decoder allocate.
const maxWindow = 16 << 20

// Codec is safe for concurrent use.
type Codec struct {
	encoder *zstd.Encoder

	mu      sync.Mutex
	decoder *zstd.Decoder
}

var _ uplink.ImageCodec = (*Codec)(nil)

// New creates a codec. zstd runs at its fastest level: depth frames are
// latency bound.
func New() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, errors.Wrap(err, "zstd encoder")
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxWindow(maxWindow),
		zstd.WithDecoderMaxMemory(MaxImageBytes),
	)
	if err != nil {
		_ = enc.Close()
		return nil, errors.Wrap(err, "zstd decoder")
	}
	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases the zstd resources.
func (c *Codec) Close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}

// supported reports which formats each codec handles.
func supported(codec uplink.ImageCodecID, format uplink.ImageFormat) bool {
	switch codec {
	case uplink.CodecRaw, uplink.CodecSnappy:
		return format != uplink.FormatEmpty
	case uplink.CodecJPEG:
		return format == uplink.FormatGray || format == uplink.FormatRGB
	case uplink.CodecPNG:
		return format == uplink.FormatGray || format == uplink.FormatRGB || format == uplink.FormatShifts
	case uplink.CodecCompressedShifts:
		return format == uplink.FormatShifts
	default:
		return false
	}
}

func (c *Codec) CanCompress(format uplink.ImageFormat, target uplink.ImageCodecID) bool {
	return supported(target, format)
}

func (c *Codec) CanDecompress(codec uplink.ImageCodecID, format uplink.ImageFormat) bool {
	return supported(codec, format)
}

// Compress encodes raw pixels as target. quality only affects JPEG.
func (c *Codec) Compress(img uplink.Image, target uplink.ImageCodecID, quality float32) (uplink.Image, error) {
	if img.Codec != uplink.CodecRaw {
		return uplink.Image{}, errors.Errorf("compress: input already encoded as %s", img.Codec)
	}
	if !supported(target, img.Format) {
		return uplink.Image{}, errors.Errorf("compress: %s cannot encode format %d", target, img.Format)
	}
	if err := checkSize(img); err != nil {
		return uplink.Image{}, err
	}

	var (
		data []byte
		err  error
	)
	switch target {
	case uplink.CodecRaw:
		data = img.Data
	case uplink.CodecSnappy:
		data = snappy.Encode(nil, img.Data)
	case uplink.CodecCompressedShifts:
		data = c.encoder.EncodeAll(img.Data, nil)
	case uplink.CodecJPEG:
		data, err = encodeJPEG(img, quality)
	case uplink.CodecPNG:
		data, err = encodePNG(img)
	}
	if err != nil {
		return uplink.Image{}, err
	}

	out := img
	out.Codec = target
	out.Data = data
	return out, nil
}

// Decompress decodes img back to raw pixels of its declared format. Output
// is bounded by the declared dimensions before any payload is inflated.
func (c *Codec) Decompress(img uplink.Image) (uplink.Image, error) {
	if !supported(img.Codec, img.Format) {
		return uplink.Image{}, errors.Errorf("decompress: %s cannot decode format %d", img.Codec, img.Format)
	}
	want, err := rawSize(img)
	if err != nil {
		return uplink.Image{}, err
	}

	var data []byte
	switch img.Codec {
	case uplink.CodecRaw:
		data = img.Data
	case uplink.CodecSnappy:
		data, err = decodeSnappy(img, want)
	case uplink.CodecCompressedShifts:
		data, err = c.decodeZstd(img, want)
	case uplink.CodecJPEG:
		data, err = decodePicture(img, jpeg.DecodeConfig, jpeg.Decode)
	case uplink.CodecPNG:
		data, err = decodePicture(img, png.DecodeConfig, png.Decode)
	}
	if err != nil {
		return uplink.Image{}, errors.Wrapf(err, "decompress %s", img.Codec)
	}

	out := img
	out.Codec = uplink.CodecRaw
	out.Data = data
	if err := checkSize(out); err != nil {
		return uplink.Image{}, err
	}
	return out, nil
}

// rawSize is the decoded size img declares, capped at MaxImageBytes.
func rawSize(img uplink.Image) (int, error) {
	n := uint64(img.Width) * uint64(img.Height) * uint64(img.Format.BytesPerPixel())
	if n > MaxImageBytes {
		return 0, errors.Wrapf(ErrTooLarge, "%dx%d: %d bytes", img.Width, img.Height, n)
	}
	return int(n), nil
}

func decodeSnappy(img uplink.Image, want int) ([]byte, error) {
	n, err := snappy.DecodedLen(img.Data)
	if err != nil {
		return nil, err
	}
	if n != want {
		return nil, errors.Wrapf(ErrSizeMismatch, "%dx%d: payload inflates to %d bytes, want %d", img.Width, img.Height, n, want)
	}
	return snappy.Decode(make([]byte, want), img.Data)
}

// decodeZstd reads at most one byte past want, so an oversized payload is
// detected without being inflated.
func (c *Codec) decodeZstd(img uplink.Image, want int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.decoder.Reset(bytes.NewReader(img.Data)); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(c.decoder, int64(want)+1))
	if err != nil {
		return nil, err
	}
	if len(data) > want {
		return nil, errors.Wrapf(ErrSizeMismatch, "%dx%d: payload inflates past %d bytes", img.Width, img.Height, want)
	}
	return data, nil
}

func checkSize(img uplink.Image) error {
	want := int(img.Width) * int(img.Height) * img.Format.BytesPerPixel()
	if len(img.Data) != want {
		return errors.Wrapf(ErrSizeMismatch, "%dx%d: have %d bytes, want %d", img.Width, img.Height, len(img.Data), want)
	}
	return nil
}

func toImage(img uplink.Image) image.Image {
	w, h := int(img.Width), int(img.Height)
	rect := image.Rect(0, 0, w, h)

	switch img.Format {
	case uplink.FormatGray:
		return &image.Gray{Pix: img.Data, Stride: w, Rect: rect}
	case uplink.FormatShifts:
		// image.Gray16 is big-endian.
		g := image.NewGray16(rect)
		for i := 0; i < w*h; i++ {
			binary.BigEndian.PutUint16(g.Pix[2*i:], binary.LittleEndian.Uint16(img.Data[2*i:]))
		}
		return g
	default:
		rgba := image.NewNRGBA(rect)
		for i := 0; i < w*h; i++ {
			copy(rgba.Pix[4*i:4*i+3], img.Data[3*i:3*i+3])
			rgba.Pix[4*i+3] = 0xff
		}
		return rgba
	}
}

func encodeJPEG(img uplink.Image, quality float32) ([]byte, error) {
	q := int(quality * 100)
	if q < 1 {
		q = 1
	}
	if q > 100 {
		q = 100
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, toImage(img), &jpeg.Options{Quality: q}); err != nil {
		return nil, errors.Wrap(err, "jpeg encode")
	}
	return buf.Bytes(), nil
}

func encodePNG(img uplink.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, toImage(img)); err != nil {
		return nil, errors.Wrap(err, "png encode")
	}
	return buf.Bytes(), nil
}

type (
	decodeConfigFunc func(r io.Reader) (image.Config, error)
	decodeFunc       func(r io.Reader) (image.Image, error)
)

// decodePicture checks the encoded dimensions against img, then decodes and
// converts to the raw layout of img.Format.
func decodePicture(img uplink.Image, decodeConfig decodeConfigFunc, decode decodeFunc) ([]byte, error) {
	cfg, err := decodeConfig(bytes.NewReader(img.Data))
	if err != nil {
		return nil, err
	}
	if cfg.Width != int(img.Width) || cfg.Height != int(img.Height) {
		return nil, errors.Wrapf(ErrSizeMismatch, "encoded %dx%d, declared %dx%d", cfg.Width, cfg.Height, img.Width, img.Height)
	}

	src, err := decode(bytes.NewReader(img.Data))
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	rect := image.Rect(0, 0, b.Dx(), b.Dy())

	switch img.Format {
	case uplink.FormatGray:
		g := image.NewGray(rect)
		draw.Draw(g, rect, src, b.Min, draw.Src)
		return g.Pix, nil
	case uplink.FormatShifts:
		g := image.NewGray16(rect)
		draw.Draw(g, rect, src, b.Min, draw.Src)
		out := make([]byte, len(g.Pix))
		for i := 0; i+1 < len(g.Pix); i += 2 {
			binary.LittleEndian.PutUint16(out[i:], binary.BigEndian.Uint16(g.Pix[i:]))
		}
		return out, nil
	default:
		rgba := image.NewNRGBA(rect)
		draw.Draw(rgba, rect, src, b.Min, draw.Src)
		n := rect.Dx() * rect.Dy()
		out := make([]byte, 3*n)
		for i := 0; i < n; i++ {
			copy(out[3*i:3*i+3], rgba.Pix[4*i:4*i+3])
		}
		return out, nil
	}
}
