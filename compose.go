package vision

import (
	"image"
	"image/color"
)

// DefaultBlendFactor 原图在合成结果中的默认占比
const DefaultBlendFactor = 0.5

// Compose 将彩色 Mask 与原图线性混合
//
// out = fac*img + (1-fac)*mask, 结果截断到 [0,255], 以原图尺寸为准.
// 按非预乘的 NRGBA 通道混合, 透明度同样参与混合
//
// # Params:
//
//	img: 原图
//	colorMask: 彩色 Mask, 与原图同尺寸
//	fac: 原图权重, 取值 [0,1], 超出范围会被截断
func Compose(img image.Image, colorMask image.Image, fac float64) *image.NRGBA {
	fac = min(max(fac, 0), 1)

	bounds := img.Bounds()
	maskBounds := colorMask.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			src := color.NRGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)

			var m color.NRGBA
			mp := image.Pt(maskBounds.Min.X+x, maskBounds.Min.Y+y)
			if mp.In(maskBounds) {
				m = color.NRGBAModel.Convert(colorMask.At(mp.X, mp.Y)).(color.NRGBA)
			}

			dst.SetNRGBA(x, y, color.NRGBA{
				R: blend(src.R, m.R, fac),
				G: blend(src.G, m.G, fac),
				B: blend(src.B, m.B, fac),
				A: blend(src.A, m.A, fac),
			})
		}
	}
	return dst
}

// blend m + fac*(s-m), 与 fac*s + (1-fac)*m 等价且 s==m 时没有舍入误差
func blend(s, m uint8, fac float64) uint8 {
	v := float64(m) + fac*(float64(s)-float64(m))
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}
