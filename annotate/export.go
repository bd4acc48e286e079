package annotate

import (
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"

	vision "github.com/MarcusVH98/SAM2-GUI"
	"github.com/MarcusVH98/SAM2-GUI/metrics"
	"github.com/klauspost/compress/zip"
	"github.com/up-zero/gotool/imageutil"
)

// DefaultMaskSuffix 导出文件名后缀, <帧文件名>.mask.png
const DefaultMaskSuffix = ".mask.png"

// ExportOptions 导出参数
type ExportOptions struct {
	Suffix string // 文件名后缀, 默认 .mask.png
	Invert bool   // 反转前景/背景, 前景写 0 背景写 255
}

func (o ExportOptions) suffix() string {
	if o.Suffix == "" {
		return DefaultMaskSuffix
	}
	return o.Suffix
}

// MaskName 帧路径对应的 Mask 文件名
func (o ExportOptions) MaskName(framePath string) string {
	return vision.Stem(framePath) + o.suffix()
}

// checkExport 导出前校验, 不涉及任何文件写入
func checkExport(masks []*image.Gray) error {
	if len(masks) == 0 {
		return fmt.Errorf("%w: 请先运行跟踪", ErrEmptyExport)
	}
	empty := true
	for i, m := range masks {
		if m == nil || m.Bounds().Empty() {
			return fmt.Errorf("%w: 第 %d 帧", ErrShapeMismatch, i)
		}
		if empty && !isEmpty(m) {
			empty = false
		}
	}
	if empty {
		return fmt.Errorf("%w: 所有 Mask 都为空", ErrEmptyExport)
	}
	return nil
}

// WriteMasks 按帧顺序将 Mask 写为单通道 PNG
//
// 没有 Mask 或全部为空时不写入任何文件. 否则每一帧都会写出, 包括单帧为空的 Mask.
//
// # Params:
//
//	outDir: 输出目录, 不存在时创建
//	framePaths: 源帧路径, 用于生成文件名
//	masks: 与 framePaths 一一对应的二值 Mask
func WriteMasks(outDir string, framePaths []string, masks []*image.Gray, opts ExportOptions) (int, error) {
	if err := checkExport(masks); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return 0, fmt.Errorf("创建输出目录失败: %w", err)
	}

	n := min(len(framePaths), len(masks))
	for i := 0; i < n; i++ {
		outPath := filepath.Join(outDir, opts.MaskName(framePaths[i]))
		if err := imageutil.Save(outPath, binarize(masks[i], opts.Invert), 100); err != nil {
			return i, fmt.Errorf("写入 %s 失败: %w", outPath, err)
		}
		metrics.MasksExportedTotal.Inc()
	}
	return n, nil
}

// WriteZip 将 Mask 打包为 zip 写入 w, 文件名与 WriteMasks 一致
func WriteZip(w io.Writer, framePaths []string, masks []*image.Gray, opts ExportOptions) (int, error) {
	if err := checkExport(masks); err != nil {
		return 0, err
	}

	zw := zip.NewWriter(w)
	n := min(len(framePaths), len(masks))
	for i := 0; i < n; i++ {
		// PNG 本身已压缩
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:   opts.MaskName(framePaths[i]),
			Method: zip.Store,
		})
		if err != nil {
			return i, fmt.Errorf("创建 zip 条目失败: %w", err)
		}
		if err := png.Encode(fw, binarize(masks[i], opts.Invert)); err != nil {
			return i, fmt.Errorf("编码 Mask 失败: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return n, fmt.Errorf("写入 zip 失败: %w", err)
	}
	return n, nil
}

// binarize 非 0 像素视为前景, 输出 0/255
func binarize(m *image.Gray, invert bool) *image.Gray {
	fg, bg := uint8(255), uint8(0)
	if invert {
		fg, bg = bg, fg
	}
	out := image.NewGray(image.Rect(0, 0, m.Bounds().Dx(), m.Bounds().Dy()))
	b := m.Bounds()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			v := bg
			if m.GrayAt(b.Min.X+x, b.Min.Y+y).Y != 0 {
				v = fg
			}
			out.Pix[out.PixOffset(x, y)] = v
		}
	}
	return out
}

func isEmpty(m *image.Gray) bool {
	b := m.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if m.GrayAt(x, y).Y != 0 {
				return false
			}
		}
	}
	return true
}
