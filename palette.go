package vision

import (
	"image"
	"image/color"
	"math"
)

const (
	// PaletteLightness 调色板默认亮度
	PaletteLightness = 0.5
	// PaletteSaturation 调色板默认饱和度
	PaletteSaturation = 0.7
)

// Palette 生成 n 个颜色的调色板
//
// 第一个颜色为黑色(背景), 其余 n-1 个颜色在 HLS 空间按色相均匀分布
//
// # Params:
//
//	n: 颜色数量, 通常为 最大对象索引+1
func Palette(n int) []color.RGBA {
	return HLSPalette(n, PaletteLightness, PaletteSaturation)
}

// HLSPalette 指定亮度与饱和度生成调色板
func HLSPalette(n int, lightness, saturation float64) []color.RGBA {
	palette := []color.RGBA{{A: 255}}
	for i := 1; i < n; i++ {
		hue := float64(i) / float64(n)
		r, g, b := hlsToRGB(hue, lightness, saturation)
		palette = append(palette, color.RGBA{
			R: uint8(255 * r),
			G: uint8(255 * g),
			B: uint8(255 * b),
			A: 255,
		})
	}
	return palette
}

// hlsToRGB HLS 转 RGB, 取值范围均为 [0,1]
func hlsToRGB(h, l, s float64) (float64, float64, float64) {
	if s == 0 {
		return l, l, l
	}
	var m2 float64
	if l <= 0.5 {
		m2 = l * (1 + s)
	} else {
		m2 = l + s - l*s
	}
	m1 := 2*l - m2
	return hueToChannel(m1, m2, h+1.0/3), hueToChannel(m1, m2, h), hueToChannel(m1, m2, h-1.0/3)
}

func hueToChannel(m1, m2, hue float64) float64 {
	hue = hue - math.Floor(hue)
	switch {
	case hue < 1.0/6:
		return m1 + (m2-m1)*hue*6
	case hue < 0.5:
		return m2
	case hue < 2.0/3:
		return m1 + (m2-m1)*(2.0/3-hue)*6
	}
	return m1
}

// MaxIndex 索引 Mask 中的最大值
func MaxIndex(index *image.Gray) int {
	maxIdx := 0
	for _, v := range index.Pix {
		if int(v) > maxIdx {
			maxIdx = int(v)
		}
	}
	return maxIdx
}

// Colorize 将索引 Mask 映射为彩色 Mask
//
// # Params:
//
//	index: 索引 Mask, 像素值为 对象ID+1, 0 为背景
//	palette: 调色板, 超出范围的索引按背景处理
func Colorize(index *image.Gray, palette []color.RGBA) *image.RGBA {
	bounds := index.Bounds()
	dst := image.NewRGBA(bounds)
	black := color.RGBA{A: 255}
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			v := int(index.GrayAt(x, y).Y)
			c := black
			if v < len(palette) {
				c = palette[v]
			}
			dst.SetRGBA(x, y, c)
		}
	}
	return dst
}

// ColorizeAll 使用统一的调色板为一组图片叠加索引 Mask
//
// 返回合成后的图片与彩色 Mask, 两者与输入一一对应
func ColorizeAll(images []image.Image, indexMasks []*image.Gray, fac float64) ([]*image.NRGBA, []*image.RGBA) {
	maxIdx := 0
	for _, m := range indexMasks {
		maxIdx = max(maxIdx, MaxIndex(m))
	}
	palette := Palette(maxIdx + 1)

	n := min(len(images), len(indexMasks))
	frames := make([]*image.NRGBA, 0, n)
	colorMasks := make([]*image.RGBA, 0, n)
	for i := 0; i < n; i++ {
		clr := Colorize(indexMasks[i], palette)
		colorMasks = append(colorMasks, clr)
		frames = append(frames, Compose(images[i], clr, fac))
	}
	return frames, colorMasks
}
