package annotate

import (
	"bytes"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/up-zero/gotool/imageutil"
)

func maskWithDot(x, y int) *image.Gray {
	m := image.NewGray(image.Rect(0, 0, 8, 6))
	m.SetGray(x, y, color.Gray{Y: 1})
	return m
}

func TestMaskName(t *testing.T) {
	assert.Equal(t, "00001.mask.png", ExportOptions{}.MaskName("/data/seq/00001.jpg"))
	assert.Equal(t, "00001_m.png", ExportOptions{Suffix: "_m.png"}.MaskName("00001.png"))
}

func TestWriteMasksEmpty(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "out")
	frames := []string{"a.png", "b.png"}

	_, err := WriteMasks(outDir, frames, nil, ExportOptions{})
	require.ErrorIs(t, err, ErrEmptyExport)

	empty := []*image.Gray{image.NewGray(image.Rect(0, 0, 8, 6)), image.NewGray(image.Rect(0, 0, 8, 6))}
	_, err = WriteMasks(outDir, frames, empty, ExportOptions{})
	require.ErrorIs(t, err, ErrEmptyExport)

	_, statErr := os.Stat(outDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriteMasksShapeMismatch(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "out")
	_, err := WriteMasks(outDir, []string{"a.png", "b.png"}, []*image.Gray{maskWithDot(1, 1), nil}, ExportOptions{})
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, statErr := os.Stat(outDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriteMasks(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "out")
	frames := []string{"00001.jpg", "00002.jpg"}
	masks := []*image.Gray{maskWithDot(2, 3), image.NewGray(image.Rect(0, 0, 8, 6))}

	n, err := WriteMasks(outDir, frames, masks, ExportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	first, err := imageutil.Open(filepath.Join(outDir, "00001.mask.png"))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 6), first.Bounds())
	assert.Equal(t, uint8(255), color.GrayModel.Convert(first.At(2, 3)).(color.Gray).Y)
	assert.Equal(t, uint8(0), color.GrayModel.Convert(first.At(0, 0)).(color.Gray).Y)

	// 单帧为空也要写出
	_, err = os.Stat(filepath.Join(outDir, "00002.mask.png"))
	assert.NoError(t, err)
}

func TestWriteMasksInvert(t *testing.T) {
	outDir := t.TempDir()
	_, err := WriteMasks(outDir, []string{"f.png"}, []*image.Gray{maskWithDot(4, 4)}, ExportOptions{Invert: true})
	require.NoError(t, err)

	img, err := imageutil.Open(filepath.Join(outDir, "f.mask.png"))
	require.NoError(t, err)
	assert.Equal(t, uint8(0), color.GrayModel.Convert(img.At(4, 4)).(color.Gray).Y)
	assert.Equal(t, uint8(255), color.GrayModel.Convert(img.At(0, 0)).(color.Gray).Y)
}

func TestWriteZip(t *testing.T) {
	var buf bytes.Buffer
	frames := []string{"/seq/00001.png", "/seq/00002.png"}
	masks := []*image.Gray{maskWithDot(1, 1), maskWithDot(5, 5)}

	n, err := WriteZip(&buf, frames, masks, ExportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.Equal(t, "00001.mask.png", zr.File[0].Name)
	assert.Equal(t, "00002.mask.png", zr.File[1].Name)

	_, err = WriteZip(&bytes.Buffer{}, frames, nil, ExportOptions{})
	require.ErrorIs(t, err, ErrEmptyExport)
}
