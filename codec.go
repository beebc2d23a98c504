package uplink

import "github.com/pkg/errors"

// Image codec errors. A codec failure is fatal for the connection.
var (
	ErrCompression   = errors.New("image compression failed")
	ErrDecompression = errors.New("image decompression failed")
)

// ImageCodec compresses outgoing pictures and decompresses incoming ones.
// Implementations must be safe for concurrent use by the two wire loops.
type ImageCodec interface {
	// CanCompress reports whether raw images of format can be encoded as target.
	CanCompress(format ImageFormat, target ImageCodecID) bool
	// CanDecompress reports whether payloads encoded as codec can be decoded to format.
	CanDecompress(codec ImageCodecID, format ImageFormat) bool
	// Compress encodes a raw image. The result carries Codec == target.
	Compress(img Image, target ImageCodecID, quality float32) (Image, error)
	// Decompress decodes an encoded image back to raw pixels.
	Decompress(img Image) (Image, error)
}

// rawCodec only handles uncompressed payloads.
type rawCodec struct{}

func (rawCodec) CanCompress(_ ImageFormat, target ImageCodecID) bool {
	return target == CodecRaw
}

func (rawCodec) CanDecompress(codec ImageCodecID, _ ImageFormat) bool {
	return codec == CodecRaw
}

func (rawCodec) Compress(img Image, target ImageCodecID, _ float32) (Image, error) {
	if target != CodecRaw {
		return Image{}, errors.Wrapf(ErrCompression, "raw codec cannot produce %s", target)
	}
	return img, nil
}

func (rawCodec) Decompress(img Image) (Image, error) {
	if img.Codec != CodecRaw {
		return Image{}, errors.Wrapf(ErrDecompression, "raw codec cannot read %s", img.Codec)
	}
	return img, nil
}
