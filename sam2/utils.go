package sam2

import (
	"image"
	"math"
)

// normalizeAndPad 归一化和填充
func normalizeAndPad(src image.Image, targetW, targetH int) []float32 {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	data := make([]float32, 3*targetW*targetH)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := src.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rf := (float32(r)/65535.0 - MeanR) / StdR
			gf := (float32(g)/65535.0 - MeanG) / StdG
			bf := (float32(b)/65535.0 - MeanB) / StdB

			// CHW
			idx := y*targetW + x
			data[idx] = rf
			data[targetW*targetH+idx] = gf
			data[2*targetW*targetH+idx] = bf
		}
	}
	return data
}

// upscaleMaskLogits 将低分辨率 logits 最近邻放大到原图尺寸并二值化
func upscaleMaskLogits(logits []float32, logitsDim, validW, validH, dstW, dstH int) []uint8 {
	output := make([]uint8, dstW*dstH)
	xRatio := float32(validW) / float32(dstW)
	yRatio := float32(validH) / float32(dstH)

	for y := 0; y < dstH; y++ {
		srcY := min(int(float32(y)*yRatio), validH-1)
		for x := 0; x < dstW; x++ {
			srcX := min(int(float32(x)*xRatio), validW-1)
			if logits[srcY*logitsDim+srcX] > maskThreshold {
				output[y*dstW+x] = 255
			}
		}
	}
	return output
}

// bestMask 选出 IoU 分数最高的 Mask
func bestMask(scores []float32) (int, float32) {
	bestIdx := 0
	bestScore := float32(-100.0)
	for i, s := range scores {
		if s > bestScore {
			bestScore = s
			bestIdx = i
		}
	}
	return bestIdx, bestScore
}

// objectPresent 对象存在 Logit 大于 0 时认为对象在画面中, 模型未输出时视为存在
func objectPresent(logits []float32) bool {
	return len(logits) == 0 || logits[0] > 0
}

// suppressAbsent 对象不在画面中时清空 Mask, 返回对象存在的 Logit
func suppressAbsent(mask []uint8, logits []float32) float32 {
	if !objectPresent(logits) {
		clear(mask)
	}
	if len(logits) == 0 {
		return 0
	}
	return logits[0]
}

// isEmptyMask Mask 中没有前景像素
func isEmptyMask(mask *image.Gray) bool {
	if mask == nil {
		return true
	}
	for _, v := range mask.Pix {
		if v != 0 {
			return false
		}
	}
	return true
}

// promptsFromMask 由上一帧的 Mask 生成当前帧的提示
//
// 返回 外接框(左上/右下) 以及 Mask 内距离质心最近的前景点,
// Mask 为空时返回 false
func promptsFromMask(mask *image.Gray) ([]Point, bool) {
	if mask == nil {
		return nil, false
	}
	bounds := mask.Bounds()
	minX, minY := math.MaxInt, math.MaxInt
	maxX, maxY := -1, -1
	var sumX, sumY, n int

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if mask.GrayAt(x, y).Y == 0 {
				continue
			}
			minX, minY = min(minX, x), min(minY, y)
			maxX, maxY = max(maxX, x), max(maxY, y)
			sumX += x
			sumY += y
			n++
		}
	}
	if n == 0 {
		return nil, false
	}

	// 凹形目标的质心可能落在 Mask 外, 取最近的前景像素
	cx, cy := float64(sumX)/float64(n), float64(sumY)/float64(n)
	px, py := int(cx), int(cy)
	if mask.GrayAt(px, py).Y == 0 {
		best := math.MaxFloat64
		for y := minY; y <= maxY; y++ {
			for x := minX; x <= maxX; x++ {
				if mask.GrayAt(x, y).Y == 0 {
					continue
				}
				d := (float64(x)-cx)*(float64(x)-cx) + (float64(y)-cy)*(float64(y)-cy)
				if d < best {
					best = d
					px, py = x, y
				}
			}
		}
	}

	return []Point{
		{X: float32(px), Y: float32(py), Label: LabelForeground},
		{X: float32(minX), Y: float32(minY), Label: LabelBoxTopLeft},
		{X: float32(maxX), Y: float32(maxY), Label: LabelBoxBotRight},
	}, true
}
