package imageio

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/tiff"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/joechalfoun/semantic-segmentation-unet/internal/models"
)

// writeGray16TIFF saves a 16-bit grayscale test image and returns its path
func writeGray16TIFF(t *testing.T, dir string, width, height int, pattern func(x, y int) uint16) string {
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: pattern(x, y)})
		}
	}
	path := filepath.Join(dir, "input.tif")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create test image: %v", err)
	}
	defer f.Close()
	if err := tiff.Encode(f, img, nil); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
	return path
}

func TestLoadGray16TIFF(t *testing.T) {
	path := writeGray16TIFF(t, t.TempDir(), 5, 3, func(x, y int) uint16 {
		return uint16(1000*y + x)
	})

	img, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if img.Height() != 3 || img.Width() != 5 {
		t.Fatalf("Expected 3x5 image, got %dx%d", img.Height(), img.Width())
	}
	if img.Name != "input.tif" {
		t.Errorf("Expected name input.tif, got %q", img.Name)
	}
	if got := img.Data.At(2, 4); got != 2004 {
		t.Errorf("Expected raw intensity 2004 at (2,4), got %v", got)
	}
}

func TestDecodeGray8PNG(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 4, 2))
	for i := range src.Pix {
		src.Pix[i] = uint8(i * 10)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("Failed to encode png: %v", err)
	}

	img, err := Decode(&buf, "upload.png")
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got := img.Data.At(1, 3); got != 70 {
		t.Errorf("Expected 70 at (1,3), got %v", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.tif")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := Decode(bytes.NewReader([]byte("not an image")), "x"); err == nil {
		t.Error("Expected error for undecodable input")
	}
}

func TestNormalize(t *testing.T) {
	data := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	img, _ := models.NewImage(data, "n")
	norm := Normalize(img)

	var values []float64
	for i := 0; i < 2; i++ {
		values = append(values, norm.Data.RawRowView(i)...)
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	if math.Abs(mean) > 1e-12 {
		t.Errorf("Expected zero mean, got %v", mean)
	}
	if math.Abs(std-1) > 1e-12 {
		t.Errorf("Expected unit std, got %v", std)
	}

	// population std of 1..6 is sqrt(35/12)
	want := (1 - 3.5) / math.Sqrt(35.0/12.0)
	if math.Abs(norm.Data.At(0, 0)-want) > 1e-12 {
		t.Errorf("Expected %v at (0,0), got %v", want, norm.Data.At(0, 0))
	}

	if data.At(0, 0) != 1 {
		t.Error("Normalize modified its input")
	}
}

func TestNormalizeConstantImage(t *testing.T) {
	img, _ := models.NewImage(mat.NewDense(3, 3, []float64{7, 7, 7, 7, 7, 7, 7, 7, 7}), "flat")
	norm := Normalize(img)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if v := norm.Data.At(i, j); v != 0 {
				t.Fatalf("Expected 0 at (%d,%d), got %v", i, j, v)
			}
		}
	}
}

func TestNarrowWidth(t *testing.T) {
	cases := []struct {
		max  int32
		want Width
	}{
		{0, Uint8},
		{1, Uint8},
		{255, Uint8},
		{256, Uint16},
		{300, Uint16},
		{65535, Uint16},
		{65536, Int32},
		{70000, Int32},
		{math.MaxInt32, Int32},
	}
	for _, c := range cases {
		if got := NarrowWidth(c.max); got != c.want {
			t.Errorf("NarrowWidth(%d) = %v, want %v", c.max, got, c.want)
		}
	}
}

func mosaicWith(labels ...int32) *models.Mosaic {
	m := models.NewMosaic(2, 2)
	copy(m.Labels, labels)
	return m
}

func TestEncodeMaskUint8(t *testing.T) {
	var buf bytes.Buffer
	w, err := EncodeMask(&buf, mosaicWith(0, 1, 1, 0))
	if err != nil {
		t.Fatalf("EncodeMask failed: %v", err)
	}
	if w != Uint8 {
		t.Errorf("Expected uint8 mask, got %v", w)
	}
	img, err := tiff.Decode(&buf)
	if err != nil {
		t.Fatalf("Failed to decode mask: %v", err)
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		t.Fatalf("Expected *image.Gray, got %T", img)
	}
	if gray.GrayAt(1, 0).Y != 1 || gray.GrayAt(1, 1).Y != 0 {
		t.Errorf("Unexpected mask contents %v", gray.Pix)
	}
}

func TestEncodeMaskUint16(t *testing.T) {
	var buf bytes.Buffer
	w, err := EncodeMask(&buf, mosaicWith(0, 300, 65535, 2))
	if err != nil {
		t.Fatalf("EncodeMask failed: %v", err)
	}
	if w != Uint16 {
		t.Errorf("Expected uint16 mask, got %v", w)
	}
	img, err := tiff.Decode(&buf)
	if err != nil {
		t.Fatalf("Failed to decode mask: %v", err)
	}
	gray, ok := img.(*image.Gray16)
	if !ok {
		t.Fatalf("Expected *image.Gray16, got %T", img)
	}
	if gray.Gray16At(1, 0).Y != 300 || gray.Gray16At(0, 1).Y != 65535 {
		t.Errorf("Unexpected mask contents")
	}
}

func TestEncodeMaskInt32(t *testing.T) {
	var buf bytes.Buffer
	w, err := EncodeMask(&buf, mosaicWith(0, 70000, 5, 65536))
	if err != nil {
		t.Fatalf("EncodeMask failed: %v", err)
	}
	if w != Int32 {
		t.Errorf("Expected int32 mask, got %v", w)
	}

	data := buf.Bytes()
	le := binary.LittleEndian
	if string(data[:2]) != "II" || le.Uint16(data[2:]) != 42 {
		t.Fatalf("Bad TIFF header % x", data[:4])
	}
	ifd := data[le.Uint32(data[4:]):]
	n := int(le.Uint16(ifd))
	tags := map[uint16]uint32{}
	for i := 0; i < n; i++ {
		e := ifd[2+12*i:]
		tag, dtype := le.Uint16(e), le.Uint16(e[2:])
		if dtype == dtShort {
			tags[tag] = uint32(le.Uint16(e[8:]))
		} else {
			tags[tag] = le.Uint32(e[8:])
		}
	}
	if tags[tagImageWidth] != 2 || tags[tagImageLength] != 2 {
		t.Errorf("Unexpected dimensions %dx%d", tags[tagImageWidth], tags[tagImageLength])
	}
	if tags[tagBitsPerSample] != 32 || tags[tagSampleFormat] != sampleFormatInt {
		t.Errorf("Expected signed 32-bit samples, got bits=%d format=%d", tags[tagBitsPerSample], tags[tagSampleFormat])
	}

	strip := data[tags[tagStripOffsets]:]
	if uint32(len(strip)) != tags[tagStripByteCounts] {
		t.Fatalf("Strip is %d bytes, header says %d", len(strip), tags[tagStripByteCounts])
	}
	want := []int32{0, 70000, 5, 65536}
	for i, v := range want {
		if got := int32(le.Uint32(strip[4*i:])); got != v {
			t.Errorf("Sample %d = %d, want %d", i, got, v)
		}
	}
}

func TestWriteMask(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mask.tif")
	if _, err := WriteMask(mosaicWith(1, 1, 0, 0), path); err != nil {
		t.Fatalf("WriteMask failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Mask file missing: %v", err)
	}

	if _, err := WriteMask(&models.Mosaic{}, filepath.Join(t.TempDir(), "empty.tif")); err == nil {
		t.Error("Expected error for empty mosaic")
	}
}
