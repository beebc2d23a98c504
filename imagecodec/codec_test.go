package imagecodec

import (
	"bytes"
	"errors"
	"runtime"
	"testing"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/Zereker/uplink"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func testImage(format uplink.ImageFormat, w, h int) uplink.Image {
	data := make([]byte, w*h*format.BytesPerPixel())
	for i := range data {
		data[i] = byte(i * 7)
	}
	return uplink.Image{Format: format, Codec: uplink.CodecRaw, Width: uint32(w), Height: uint32(h), Timestamp: 4.5, Data: data}
}

func TestCodec_LosslessRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	tests := []struct {
		codec  uplink.ImageCodecID
		format uplink.ImageFormat
	}{
		{uplink.CodecRaw, uplink.FormatRGB},
		{uplink.CodecSnappy, uplink.FormatRGB},
		{uplink.CodecSnappy, uplink.FormatShifts},
		{uplink.CodecCompressedShifts, uplink.FormatShifts},
		{uplink.CodecPNG, uplink.FormatGray},
		{uplink.CodecPNG, uplink.FormatRGB},
		{uplink.CodecPNG, uplink.FormatShifts},
	}

	for _, test := range tests {
		t.Run(test.codec.String(), func(t *testing.T) {
			img := testImage(test.format, 16, 8)

			if !c.CanCompress(test.format, test.codec) || !c.CanDecompress(test.codec, test.format) {
				t.Fatalf("%s should support format %d", test.codec, test.format)
			}

			enc, err := c.Compress(img, test.codec, 0.9)
			if err != nil {
				t.Fatalf("Compress failed: %v", err)
			}
			if enc.Codec != test.codec {
				t.Errorf("Codec = %s, want %s", enc.Codec, test.codec)
			}
			if enc.Width != img.Width || enc.Height != img.Height || enc.Timestamp != img.Timestamp {
				t.Errorf("metadata changed: %+v", enc)
			}

			dec, err := c.Decompress(enc)
			if err != nil {
				t.Fatalf("Decompress failed: %v", err)
			}
			if dec.Codec != uplink.CodecRaw {
				t.Errorf("Codec = %s, want raw", dec.Codec)
			}
			if !bytes.Equal(dec.Data, img.Data) {
				t.Error("pixels changed in a lossless round trip")
			}
		})
	}
}

func TestCodec_JPEG(t *testing.T) {
	c := newTestCodec(t)

	// A flat picture survives JPEG almost unchanged.
	img := testImage(uplink.FormatRGB, 64, 32)
	for i := range img.Data {
		img.Data[i] = 128
	}

	enc, err := c.Compress(img, uplink.CodecJPEG, 0.9)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if len(enc.Data) >= len(img.Data) {
		t.Errorf("jpeg payload %d bytes, raw %d", len(enc.Data), len(img.Data))
	}

	dec, err := c.Decompress(enc)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if len(dec.Data) != len(img.Data) {
		t.Fatalf("decoded %d bytes, want %d", len(dec.Data), len(img.Data))
	}
	for i, v := range dec.Data {
		if v < 120 || v > 136 {
			t.Fatalf("pixel byte %d = %d, want close to 128", i, v)
		}
	}
}

func TestCodec_Unsupported(t *testing.T) {
	c := newTestCodec(t)

	if c.CanCompress(uplink.FormatShifts, uplink.CodecJPEG) {
		t.Error("jpeg must not accept depth shifts")
	}
	if c.CanCompress(uplink.FormatRGB, uplink.CodecCompressedShifts) {
		t.Error("compressed shifts must only accept depth shifts")
	}
	if c.CanDecompress(uplink.ImageCodecID(42), uplink.FormatRGB) {
		t.Error("unknown codec must not be decodable")
	}

	if _, err := c.Compress(testImage(uplink.FormatShifts, 2, 2), uplink.CodecJPEG, 1); err == nil {
		t.Error("expected error compressing shifts as jpeg")
	}
}

func TestCodec_CompressEncodedInput(t *testing.T) {
	c := newTestCodec(t)

	img := testImage(uplink.FormatRGB, 2, 2)
	img.Codec = uplink.CodecSnappy
	if _, err := c.Compress(img, uplink.CodecPNG, 1); err == nil {
		t.Error("expected error compressing an encoded image")
	}
}

func TestCodec_SizeMismatch(t *testing.T) {
	c := newTestCodec(t)

	img := testImage(uplink.FormatRGB, 4, 4)
	img.Data = img.Data[:10]
	if _, err := c.Compress(img, uplink.CodecSnappy, 1); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("expected ErrSizeMismatch, got %v", err)
	}

	enc, err := c.Compress(testImage(uplink.FormatGray, 4, 4), uplink.CodecPNG, 1)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	enc.Width = 8
	if _, err := c.Decompress(enc); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("expected ErrSizeMismatch, got %v", err)
	}
}

func TestCodec_DecompressBoundedByDeclaredSize(t *testing.T) {
	c := newTestCodec(t)

	// A small payload inflating to 256 MiB, declared as 1x1.
	huge := make([]byte, 256<<20)

	zenc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	defer zenc.Close()

	tests := []struct {
		desc  string
		codec uplink.ImageCodecID
		data  []byte
	}{
		{"zstd", uplink.CodecCompressedShifts, zenc.EncodeAll(huge, nil)},
		{"snappy", uplink.CodecSnappy, snappy.Encode(nil, huge)},
		{"one extra byte", uplink.CodecCompressedShifts, zenc.EncodeAll([]byte{1, 2, 3}, nil)},
	}

	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			img := uplink.Image{Format: uplink.FormatShifts, Codec: test.codec, Width: 1, Height: 1, Data: test.data}

			var before, after runtime.MemStats
			runtime.ReadMemStats(&before)
			_, err := c.Decompress(img)
			runtime.ReadMemStats(&after)

			if err == nil {
				t.Fatal("expected an error for a payload larger than its dimensions")
			}
			if grown := after.TotalAlloc - before.TotalAlloc; grown > 48<<20 {
				t.Errorf("allocated %d bytes decoding a 1x1 image", grown)
			}
		})
	}
}

func TestCodec_DeclaredTooLarge(t *testing.T) {
	c := newTestCodec(t)

	img := uplink.Image{Format: uplink.FormatRGB, Codec: uplink.CodecSnappy, Width: 1 << 16, Height: 1 << 16, Data: []byte{0}}
	if _, err := c.Decompress(img); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
}

func TestCodec_PictureDimensionsCheckedFirst(t *testing.T) {
	c := newTestCodec(t)

	enc, err := c.Compress(testImage(uplink.FormatRGB, 16, 16), uplink.CodecJPEG, 0.8)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	enc.Height = 1
	if _, err := c.Decompress(enc); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("expected ErrSizeMismatch, got %v", err)
	}
}

func TestCodec_CorruptPayload(t *testing.T) {
	c := newTestCodec(t)

	for _, codec := range []uplink.ImageCodecID{uplink.CodecSnappy, uplink.CodecCompressedShifts, uplink.CodecPNG, uplink.CodecJPEG} {
		format := uplink.FormatGray
		if codec == uplink.CodecCompressedShifts {
			format = uplink.FormatShifts
		}
		img := uplink.Image{Format: format, Codec: codec, Width: 4, Height: 4, Data: []byte("definitely not an image")}
		if _, err := c.Decompress(img); err == nil {
			t.Errorf("%s: expected error for a corrupt payload", codec)
		}
	}
}

func TestCodec_WithEndpoint(t *testing.T) {
	c := newTestCodec(t)
	ep := uplink.NewEndpoint(uplink.ImageCodecOption(c))

	settings := uplink.DefaultSessionSettings()
	settings.ColorCameraCodec = uplink.CodecJPEG
	settings.DepthCameraCodec = uplink.CodecCompressedShifts
	ep.BeginSession(1, settings)

	frame := &uplink.CameraFrame{
		Envelope:   uplink.Envelope{Session: 1},
		ColorImage: testImage(uplink.FormatRGB, 8, 8),
		DepthImage: testImage(uplink.FormatShifts, 8, 8),
	}
	if err := ep.Enqueue(frame); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	var buf bytes.Buffer
	sent, err := ep.DrainForSend(&buf)
	if err != nil || !sent {
		t.Fatalf("DrainForSend = %v, %v", sent, err)
	}

	m, _, err := ep.Serializer().ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	got := m.(*uplink.CameraFrame)
	if got.ColorImage.Codec != uplink.CodecJPEG || got.DepthImage.Codec != uplink.CodecCompressedShifts {
		t.Errorf("codecs = %s/%s", got.ColorImage.Codec, got.DepthImage.Codec)
	}

	if err := ep.Dispatch(got); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	delivered, ok := ep.Receive(uplink.KindCameraFrame)
	if !ok {
		t.Fatal("frame not delivered")
	}
	if !bytes.Equal(delivered.(*uplink.CameraFrame).DepthImage.Data, frame.DepthImage.Data) {
		t.Error("depth changed through compressed shifts")
	}
}

func TestCodec_EmptyDepthThroughEndpoint(t *testing.T) {
	c := newTestCodec(t)
	sender := uplink.NewEndpoint(uplink.ImageCodecOption(c))
	receiver := uplink.NewEndpoint(uplink.ImageCodecOption(c))

	settings := uplink.DefaultSessionSettings()
	settings.ColorCameraCodec = uplink.CodecPNG
	settings.DepthCameraCodec = uplink.CodecCompressedShifts
	sender.BeginSession(3, settings)
	receiver.BeginSession(3, settings)

	color := testImage(uplink.FormatRGB, 12, 10)
	frame := &uplink.CameraFrame{Envelope: uplink.Envelope{Session: 3}, ColorImage: color}
	if err := sender.Enqueue(frame); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	var buf bytes.Buffer
	if sent, err := sender.DrainForSend(&buf); err != nil || !sent {
		t.Fatalf("DrainForSend = %v, %v", sent, err)
	}

	m, _, err := receiver.Serializer().ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	wire := m.(*uplink.CameraFrame)
	if wire.ColorImage.Codec != uplink.CodecPNG {
		t.Errorf("color codec on the wire = %s, want png", wire.ColorImage.Codec)
	}
	if !wire.DepthImage.IsEmpty() {
		t.Errorf("depth on the wire = %+v, want empty", wire.DepthImage)
	}

	if err := receiver.Dispatch(wire); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	delivered, ok := receiver.Receive(uplink.KindCameraFrame)
	if !ok {
		t.Fatal("frame not delivered")
	}
	got := delivered.(*uplink.CameraFrame)

	if !got.DepthImage.IsEmpty() {
		t.Errorf("depth = %+v, want empty", got.DepthImage)
	}
	if got.ColorImage.Codec != uplink.CodecRaw || got.ColorImage.Format != color.Format {
		t.Errorf("color codec/format = %s/%d, want raw/%d", got.ColorImage.Codec, got.ColorImage.Format, color.Format)
	}
	if got.ColorImage.Width != color.Width || got.ColorImage.Height != color.Height {
		t.Errorf("color size = %dx%d, want %dx%d", got.ColorImage.Width, got.ColorImage.Height, color.Width, color.Height)
	}
	if !bytes.Equal(got.ColorImage.Data, color.Data) {
		t.Error("color pixels changed through png")
	}
}
