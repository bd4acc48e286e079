package vision

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomRGBA(r *rand.Rand, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		if i%4 == 3 {
			img.Pix[i] = 255
			continue
		}
		img.Pix[i] = uint8(r.Intn(256))
	}
	return img
}

func TestComposeIdentity(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	src := randomRGBA(r, 8, 6)
	mask := randomRGBA(r, 8, 6)

	assert.Equal(t, src.Pix, Compose(src, mask, 1).Pix, "fac=1 应返回原图")
	assert.Equal(t, mask.Pix, Compose(src, mask, 0).Pix, "fac=0 应返回 Mask")
}

func TestComposeBetween(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	src := randomRGBA(r, 16, 16)
	mask := randomRGBA(r, 16, 16)

	for _, fac := range []float64{0.1, 0.25, 0.5, 0.75, 0.9, 0.333} {
		out := Compose(src, mask, fac)
		for i := range out.Pix {
			lo, hi := src.Pix[i], mask.Pix[i]
			if lo > hi {
				lo, hi = hi, lo
			}
			require.GreaterOrEqual(t, out.Pix[i], lo, "fac=%v idx=%d", fac, i)
			require.LessOrEqual(t, out.Pix[i], hi, "fac=%v idx=%d", fac, i)
		}
	}
}

func TestComposeClampsFactor(t *testing.T) {
	srcImg := image.NewRGBA(image.Rect(0, 0, 1, 1))
	srcImg.Set(0, 0, color.RGBA{R: 100, G: 100, B: 100, A: 255})
	mask := image.NewRGBA(image.Rect(0, 0, 1, 1))
	mask.Set(0, 0, color.RGBA{R: 200, A: 255})

	assert.Equal(t, Compose(srcImg, mask, 1).Pix, Compose(srcImg, mask, 3).Pix)
	assert.Equal(t, Compose(srcImg, mask, 0).Pix, Compose(srcImg, mask, -1).Pix)
}

func TestComposeHalf(t *testing.T) {
	srcImg := image.NewRGBA(image.Rect(0, 0, 1, 1))
	srcImg.Set(0, 0, color.RGBA{R: 100, G: 0, B: 255, A: 255})
	mask := image.NewRGBA(image.Rect(0, 0, 1, 1))
	mask.Set(0, 0, color.RGBA{R: 200, G: 51, B: 0, A: 255})

	got := Compose(srcImg, mask, 0.5).NRGBAAt(0, 0)
	assert.Equal(t, color.NRGBA{R: 150, G: 25, B: 127, A: 255}, got)
}

func TestComposeOffsetBounds(t *testing.T) {
	src := image.NewGray(image.Rect(10, 10, 12, 11))
	src.Pix = []uint8{40, 80}
	mask := image.NewRGBA(image.Rect(0, 0, 2, 1))

	out := Compose(src, mask, 1)
	assert.Equal(t, image.Rect(0, 0, 2, 1), out.Bounds())
	assert.Equal(t, uint8(40), out.NRGBAAt(0, 0).R)
	assert.Equal(t, uint8(80), out.NRGBAAt(1, 0).G)
}

func TestComposeTranslucentSource(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.Pix = []uint8{200, 100, 50, 128, 10, 20, 30, 0}
	mask := image.NewRGBA(image.Rect(0, 0, 2, 1))
	mask.Set(0, 0, color.RGBA{R: 255, A: 255})
	mask.Set(1, 0, color.RGBA{G: 255, A: 255})

	assert.Equal(t, src.Pix, Compose(src, mask, 1).Pix, "fac=1 保留原图的颜色与透明度")
	assert.Equal(t, []uint8{255, 0, 0, 255, 0, 255, 0, 255}, Compose(src, mask, 0).Pix)
}
