package annotate

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"iter"
	"os"
	"path/filepath"
	"testing"

	"github.com/MarcusVH98/SAM2-GUI/sam2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/up-zero/gotool/imageutil"
)

const (
	testW = 32
	testH = 24
)

// fakeModel 不依赖 ONNX 的模型, 每个前景点周围生成 5x5 的 Mask
type fakeModel struct {
	inits   int
	initErr error
	tracker *fakeTracker

	emptyFrames   map[int]bool // 传播时这些帧不返回任何对象
	skippedFrames map[int]bool // 传播时不输出这些帧
}

func (m *fakeModel) InitState(_ context.Context, dir string) (Tracker, error) {
	m.inits++
	if m.initErr != nil {
		return nil, m.initErr
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	m.tracker = &fakeTracker{
		model:   m,
		frames:  len(entries),
		prompts: make(map[int]map[int][]sam2.Point),
	}
	return m.tracker, nil
}

type fakeTracker struct {
	model   *fakeModel
	frames  int
	prompts map[int]map[int][]sam2.Point
	resets  int
	closed  bool
}

func (t *fakeTracker) Reset() {
	t.resets++
	t.prompts = make(map[int]map[int][]sam2.Point)
}

func (t *fakeTracker) Close() {
	t.closed = true
}

func squareMask(points []sam2.Point) *image.Gray {
	m := image.NewGray(image.Rect(0, 0, testW, testH))
	for _, p := range points {
		if !p.Label.Positive() {
			continue
		}
		for y := int(p.Y) - 2; y <= int(p.Y)+2; y++ {
			for x := int(p.X) - 2; x <= int(p.X)+2; x++ {
				if image.Pt(x, y).In(m.Bounds()) {
					m.SetGray(x, y, color.Gray{Y: 255})
				}
			}
		}
	}
	return m
}

func (t *fakeTracker) AddPoints(_ context.Context, frameIdx, objID int, points []sam2.Point) (*sam2.FrameMasks, error) {
	if t.closed {
		return nil, sam2.ErrStateClosed
	}
	if t.prompts[frameIdx] == nil {
		t.prompts[frameIdx] = make(map[int][]sam2.Point)
	}
	t.prompts[frameIdx][objID] = append([]sam2.Point(nil), points...)

	out := &sam2.FrameMasks{
		FrameIndex: frameIdx,
		Bounds:     image.Rect(0, 0, testW, testH),
		Masks:      make(map[int]*image.Gray),
		Scores:     make(map[int]float32),
	}
	for id, pts := range t.prompts[frameIdx] {
		out.Masks[id] = squareMask(pts)
		out.Scores[id] = 0.8
	}
	return out, nil
}

func (t *fakeTracker) Propagate(_ context.Context, start int) iter.Seq2[sam2.FrameMasks, error] {
	return func(yield func(sam2.FrameMasks, error) bool) {
		// 每个对象使用其首次出现的提示
		objects := make(map[int][]sam2.Point)
		for _, objs := range t.prompts {
			for id, pts := range objs {
				objects[id] = pts
			}
		}
		for f := start; f < t.frames; f++ {
			if t.model.skippedFrames[f] {
				continue
			}
			fm := sam2.FrameMasks{FrameIndex: f, Masks: make(map[int]*image.Gray)}
			if !t.model.emptyFrames[f] {
				for id, pts := range objects {
					fm.Masks[id] = squareMask(pts)
					fm.Bounds = fm.Masks[id].Bounds()
				}
			}
			if !yield(fm, nil) {
				return
			}
		}
	}
}

func writeFrames(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, testW, testH))
		for p := range img.Pix {
			img.Pix[p] = 128
			if p%4 == 3 {
				img.Pix[p] = 255
			}
		}
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%05d.png", i+1)))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
	return dir
}

func newLoadedSession(t *testing.T, n int) (*Session, *fakeModel) {
	t.Helper()
	model := &fakeModel{}
	s := New(model, ExportOptions{}, nil)
	count, err := s.LoadDir(writeFrames(t, n))
	require.NoError(t, err)
	require.Equal(t, n, count)
	return s, model
}

func countForeground(m *image.Gray) int {
	n := 0
	for _, v := range m.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}

func TestAddPointBeforeLoad(t *testing.T) {
	s := New(&fakeModel{}, ExportOptions{}, nil)

	_, err := s.AddPoint(context.Background(), 3, 3)
	require.ErrorIs(t, err, ErrNoActiveSession)
	assert.Empty(t, s.Points())

	_, err = s.RunTracker(context.Background())
	require.ErrorIs(t, err, ErrNoActiveSession)

	_, err = s.SelectFrame(0)
	require.ErrorIs(t, err, ErrNoActiveSession)

	_, err = s.ExtractFeatures(context.Background())
	require.ErrorIs(t, err, ErrNoActiveSession)
}

func TestLoadDirInvalid(t *testing.T) {
	s := New(&fakeModel{}, ExportOptions{}, nil)

	_, err := s.LoadDir(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, ErrInvalidDirectory)

	file := filepath.Join(t.TempDir(), "frame.png")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = s.LoadDir(file)
	require.ErrorIs(t, err, ErrInvalidDirectory)
	assert.False(t, s.Active())
}

func TestLoadDirEmpty(t *testing.T) {
	s := New(&fakeModel{}, ExportOptions{}, nil)
	n, err := s.LoadDir(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = s.SelectFrame(0)
	require.ErrorIs(t, err, ErrInvalidFrameIndex)
}

func TestLoadThenReset(t *testing.T) {
	s, model := newLoadedSession(t, 3)
	ctx := context.Background()

	_, err := s.AddPoint(ctx, 5, 5)
	require.NoError(t, err)
	_, err = s.NewObject()
	require.NoError(t, err)
	_, err = s.AddPoint(ctx, 20, 10)
	require.NoError(t, err)
	_, err = s.RunTracker(ctx)
	require.NoError(t, err)

	s.Reset()
	state := s.Snapshot()
	assert.Equal(t, 0, state.ObjectID)
	assert.Empty(t, state.Points)
	assert.Empty(t, state.Objects)
	assert.Equal(t, 0, state.TrackedMasks)
	assert.Equal(t, 0, state.FrameIndex)
	assert.Equal(t, 3, state.NumFrames, "序列在重置后保留")
	assert.Equal(t, 1, model.tracker.resets)

	// 重置后可以继续标注
	_, err = s.AddPoint(ctx, 5, 5)
	require.NoError(t, err)
}

func TestLoadResetsState(t *testing.T) {
	s, model := newLoadedSession(t, 2)
	_, err := s.AddPoint(context.Background(), 5, 5)
	require.NoError(t, err)
	first := model.tracker

	_, err = s.LoadDir(writeFrames(t, 4))
	require.NoError(t, err)
	assert.True(t, first.closed, "加载新序列时释放旧的推理状态")
	assert.Empty(t, s.Points())
	assert.Equal(t, 4, s.Snapshot().NumFrames)
}

func TestAddPoint(t *testing.T) {
	s, model := newLoadedSession(t, 2)
	ctx := context.Background()

	index, err := s.AddPoint(ctx, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, model.inits, "首次点击时创建推理状态")
	assert.Equal(t, uint8(1), index.GrayAt(10, 10).Y)
	assert.Equal(t, uint8(0), index.GrayAt(0, 0).Y)

	s.SetNegative()
	_, err = s.AddPoint(ctx, 11, 11)
	require.NoError(t, err)

	assert.Len(t, s.Points(), 2)
	assert.Len(t, s.Labels(), 2)
	assert.Equal(t, []sam2.Label{sam2.LabelForeground, sam2.LabelBackground}, s.Labels())

	m, score, ok := s.ObjectMask(0)
	require.True(t, ok)
	assert.Equal(t, 25, countForeground(m))
	assert.Equal(t, float32(0.8), score)
	assert.Equal(t, 1, model.inits)
}

func TestAddPointModelFailure(t *testing.T) {
	model := &fakeModel{initErr: errors.New("boom")}
	s := New(model, ExportOptions{}, nil)
	_, err := s.LoadDir(writeFrames(t, 1))
	require.NoError(t, err)

	_, err = s.AddPoint(context.Background(), 1, 1)
	require.Error(t, err)
	assert.Equal(t, len(s.Points()), len(s.Labels()))
}

func TestNewObject(t *testing.T) {
	s, _ := newLoadedSession(t, 1)
	ctx := context.Background()

	_, err := s.AddPoint(ctx, 5, 5)
	require.NoError(t, err)

	msg, err := s.NewObject()
	require.NoError(t, err)
	assert.Contains(t, msg, "1")
	assert.Equal(t, 1, s.ObjectID())
	assert.Empty(t, s.Points())

	index, err := s.AddPoint(ctx, 20, 15)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), index.GrayAt(5, 5).Y)
	assert.Equal(t, uint8(2), index.GrayAt(20, 15).Y)
	assert.Equal(t, []int{0, 1}, s.Snapshot().Objects)
}

func TestTooManyObjects(t *testing.T) {
	s, _ := newLoadedSession(t, 1)
	for i := 1; i < MaxObjects-1; i++ {
		_, err := s.NewObject()
		require.NoError(t, err)
	}
	assert.Equal(t, MaxObjects-2, s.ObjectID())

	_, err := s.NewObject()
	require.NoError(t, err)
	_, err = s.NewObject()
	require.ErrorIs(t, err, ErrTooManyObjects)
	assert.Equal(t, MaxObjects-1, s.ObjectID())
}

func TestSelectFrameClamps(t *testing.T) {
	s, _ := newLoadedSession(t, 3)
	ctx := context.Background()

	_, err := s.AddPoint(ctx, 5, 5)
	require.NoError(t, err)

	img, err := s.SelectFrame(99)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, testW, testH), img.Bounds())
	assert.Equal(t, 2, s.FrameIndex())
	assert.Empty(t, s.Points(), "切换帧清除提示点")

	_, err = s.SelectFrame(-4)
	require.NoError(t, err)
	assert.Equal(t, 0, s.FrameIndex())
}

func TestPolarity(t *testing.T) {
	s, _ := newLoadedSession(t, 1)
	assert.True(t, s.Snapshot().Positive)
	s.SetNegative()
	assert.False(t, s.Snapshot().Positive)
	s.SetPositive()
	assert.True(t, s.Snapshot().Positive)
}

func TestRunTracker(t *testing.T) {
	s, model := newLoadedSession(t, 5)
	model.emptyFrames = map[int]bool{1: true}
	model.skippedFrames = map[int]bool{3: true}
	ctx := context.Background()

	_, err := s.SelectFrame(2)
	require.NoError(t, err)
	_, err = s.AddPoint(ctx, 5, 5)
	require.NoError(t, err)
	_, err = s.NewObject()
	require.NoError(t, err)
	_, err = s.AddPoint(ctx, 20, 15)
	require.NoError(t, err)

	msg, err := s.RunTracker(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg, "5")

	masks := s.TrackedMasks()
	require.Len(t, masks, 5)
	for i, m := range masks {
		require.Equal(t, image.Rect(0, 0, testW, testH), m.Bounds(), "frame %d", i)
		for _, v := range m.Pix {
			require.True(t, v == 0 || v == 255)
		}
	}
	assert.Equal(t, 50, countForeground(masks[0]), "两个对象取并集")
	assert.Equal(t, 0, countForeground(masks[1]), "没有对象的帧为全背景")
	assert.Equal(t, 0, countForeground(masks[3]), "缺失的帧为全背景")
	assert.Equal(t, 50, countForeground(masks[4]))
}

func TestRunTrackerWithoutObjects(t *testing.T) {
	s, _ := newLoadedSession(t, 3)

	_, err := s.RunTracker(context.Background())
	require.NoError(t, err)
	masks := s.TrackedMasks()
	require.Len(t, masks, 3)
	for _, m := range masks {
		assert.Equal(t, 0, countForeground(m))
	}

	_, err = s.SaveMasks(filepath.Join(t.TempDir(), "out"))
	require.ErrorIs(t, err, ErrEmptyExport)
}

func TestSaveMasksBeforeTracking(t *testing.T) {
	s, _ := newLoadedSession(t, 2)
	outDir := filepath.Join(t.TempDir(), "masks")

	_, err := s.SaveMasks(outDir)
	require.ErrorIs(t, err, ErrEmptyExport)
	_, statErr := os.Stat(outDir)
	assert.True(t, os.IsNotExist(statErr), "不应创建输出目录")
}

func TestSaveMasks(t *testing.T) {
	s, _ := newLoadedSession(t, 3)
	ctx := context.Background()
	_, err := s.AddPoint(ctx, 5, 5)
	require.NoError(t, err)
	_, err = s.RunTracker(ctx)
	require.NoError(t, err)

	outDir := filepath.Join(t.TempDir(), "masks")
	msg, err := s.SaveMasks(outDir)
	require.NoError(t, err)
	assert.Contains(t, msg, outDir)

	for i := 1; i <= 3; i++ {
		path := filepath.Join(outDir, fmt.Sprintf("%05d.mask.png", i))
		img, err := imageutil.Open(path)
		require.NoError(t, err)
		assert.Equal(t, uint8(255), color.GrayModel.Convert(img.At(5, 5)).(color.Gray).Y)
		assert.Equal(t, uint8(0), color.GrayModel.Convert(img.At(30, 20)).(color.Gray).Y)
	}
}

func TestEnd(t *testing.T) {
	s, model := newLoadedSession(t, 2)
	_, err := s.AddPoint(context.Background(), 5, 5)
	require.NoError(t, err)

	s.End()
	assert.True(t, model.tracker.closed)
	assert.False(t, s.Active())
	_, err = s.AddPoint(context.Background(), 5, 5)
	require.ErrorIs(t, err, ErrNoActiveSession)
}

func TestExtractFeatures(t *testing.T) {
	s, model := newLoadedSession(t, 2)
	_, err := s.ExtractFeatures(context.Background())
	require.NoError(t, err)
	first := model.tracker
	assert.Equal(t, 1, first.resets)

	_, err = s.ExtractFeatures(context.Background())
	require.NoError(t, err)
	assert.True(t, first.closed)
	assert.Equal(t, 2, model.inits)
	assert.True(t, s.Snapshot().ModelReady)
}

func TestRenderPreview(t *testing.T) {
	s, _ := newLoadedSession(t, 1)
	index, err := s.AddPoint(context.Background(), 16, 12)
	require.NoError(t, err)

	out, err := s.RenderPreview(index, nil)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, testW, testH), out.Bounds())
	// 提示点覆盖在 Mask 之上
	assert.Equal(t, color.RGBA{G: 255, A: 255}, out.RGBAAt(16, 12))
	// 背景为原图与黑色的混合
	assert.Equal(t, uint8(64), out.RGBAAt(0, 0).R)
}

func TestMakeIndexMask(t *testing.T) {
	bounds := image.Rect(0, 0, 4, 1)
	a := image.NewGray(bounds)
	a.Pix = []uint8{255, 255, 0, 0}
	b := image.NewGray(bounds)
	b.Pix = []uint8{0, 255, 255, 0}

	index := MakeIndexMask(map[int]*image.Gray{0: a, 3: b}, image.Rectangle{})
	assert.Equal(t, []uint8{1, 4, 4, 0}, index.Pix)

	empty := MakeIndexMask(nil, bounds)
	assert.Equal(t, []uint8{0, 0, 0, 0}, empty.Pix)
}
