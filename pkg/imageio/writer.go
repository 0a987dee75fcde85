package imageio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"
	"os"

	"golang.org/x/image/tiff"

	"github.com/joechalfoun/semantic-segmentation-unet/internal/models"
)

// Width is the integer sample type a mask is stored with
type Width int

const (
	Uint8 Width = iota
	Uint16
	Int32
)

func (w Width) String() string {
	switch w {
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Int32:
		return "int32"
	default:
		return fmt.Sprintf("Width(%d)", int(w))
	}
}

// narrowing thresholds in ascending order; labels above the last fall back to Int32
var widthLimits = []struct {
	max   int32
	width Width
}{
	{math.MaxUint8, Uint8},
	{math.MaxUint16, Uint16},
}

// NarrowWidth returns the smallest sample type that holds every label up to maxLabel
func NarrowWidth(maxLabel int32) Width {
	for _, l := range widthLimits {
		if maxLabel <= l.max {
			return l.width
		}
	}
	return Int32
}

// WriteMask encodes m as a TIFF file at path
func WriteMask(m *models.Mosaic, path string) (Width, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, err
	}

	w, err := EncodeMask(file, m)
	if err != nil {
		file.Close()
		os.Remove(path)
		return 0, fmt.Errorf("encoding mask %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return 0, err
	}
	return w, nil
}

// EncodeMask writes m to out as a single-channel TIFF using the narrowest
// sample type that represents its labels, and returns that type.
func EncodeMask(out io.Writer, m *models.Mosaic) (Width, error) {
	if m.Height <= 0 || m.Width <= 0 || len(m.Labels) != m.Height*m.Width {
		return 0, fmt.Errorf("invalid %dx%d mosaic with %d labels", m.Height, m.Width, len(m.Labels))
	}

	width := NarrowWidth(m.Max())
	rect := image.Rect(0, 0, m.Width, m.Height)
	switch width {
	case Uint8:
		img := image.NewGray(rect)
		for i, v := range m.Labels {
			img.Pix[i] = uint8(v)
		}
		return width, tiff.Encode(out, img, nil)
	case Uint16:
		img := image.NewGray16(rect)
		for i, v := range m.Labels {
			binary.BigEndian.PutUint16(img.Pix[2*i:], uint16(v))
		}
		return width, tiff.Encode(out, img, nil)
	default:
		return width, encodeInt32TIFF(out, m)
	}
}

// TIFF tags used by the signed 32-bit writer
const (
	tagImageWidth                = 256
	tagImageLength               = 257
	tagBitsPerSample             = 258
	tagCompression               = 259
	tagPhotometricInterpretation = 262
	tagStripOffsets              = 273
	tagSamplesPerPixel           = 277
	tagRowsPerStrip              = 278
	tagStripByteCounts           = 279
	tagPlanarConfiguration       = 284
	tagSampleFormat              = 339

	dtShort = 3
	dtLong  = 4

	sampleFormatInt = 2
)

type ifdEntry struct {
	tag   uint16
	dtype uint16
	value uint32
}

// encodeInt32TIFF writes an uncompressed little-endian baseline TIFF with one
// strip of signed 32-bit samples. x/image/tiff only encodes 8 and 16 bit gray.
func encodeInt32TIFF(out io.Writer, m *models.Mosaic) error {
	const headerLen = 8
	byteCount := uint32(len(m.Labels) * 4)

	entries := []ifdEntry{
		{tagImageWidth, dtLong, uint32(m.Width)},
		{tagImageLength, dtLong, uint32(m.Height)},
		{tagBitsPerSample, dtShort, 32},
		{tagCompression, dtShort, 1},
		{tagPhotometricInterpretation, dtShort, 1},
		{tagStripOffsets, dtLong, 0}, // patched below
		{tagSamplesPerPixel, dtShort, 1},
		{tagRowsPerStrip, dtLong, uint32(m.Height)},
		{tagStripByteCounts, dtLong, byteCount},
		{tagPlanarConfiguration, dtShort, 1},
		{tagSampleFormat, dtShort, sampleFormatInt},
	}
	ifdLen := 2 + 12*len(entries) + 4
	entries[5].value = uint32(headerLen + ifdLen)

	w := bufio.NewWriter(out)
	le := binary.LittleEndian

	header := []byte{'I', 'I', 42, 0, 0, 0, 0, 0}
	le.PutUint32(header[4:], headerLen)
	if _, err := w.Write(header); err != nil {
		return err
	}

	ifd := make([]byte, ifdLen)
	le.PutUint16(ifd, uint16(len(entries)))
	for i, e := range entries {
		b := ifd[2+12*i:]
		le.PutUint16(b[0:], e.tag)
		le.PutUint16(b[2:], e.dtype)
		le.PutUint32(b[4:], 1)
		if e.dtype == dtShort {
			le.PutUint16(b[8:], uint16(e.value))
		} else {
			le.PutUint32(b[8:], e.value)
		}
	}
	// next IFD offset stays zero
	if _, err := w.Write(ifd); err != nil {
		return err
	}

	var buf [4]byte
	for _, v := range m.Labels {
		le.PutUint32(buf[:], uint32(v))
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return w.Flush()
}
