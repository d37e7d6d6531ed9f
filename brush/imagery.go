package brush

import (
	"context"
	"image"
	"image/color"
	"net/url"

	"github.com/pkg/errors"
)

func init() {
	DefaultFactory.RegisterBrush("remote", "imagery", newImageryFromParams)
}

// imageryBrush is the Imagery variant: a texture sampled at each point's
// normalized (u, v) schema fields. Uploading the sampled texture to the
// GPU and perspective-correct sampling are the renderer's job (out of
// scope, per spec §1); this brush only does the CPU-side nearest-neighbor
// lookup that produces the per-point color channel.
type imageryBrush struct {
	uField, vField string
	texture        *image.NRGBA
}

func newImageryFromParams(params url.Values) (Brush, error) {
	u, v := params.Get("u"), params.Get("v")
	if u == "" || v == "" {
		return nil, errors.New("remote://imagery: requires u and v field parameters")
	}
	return &imageryBrush{uField: u, vField: v}, nil
}

// SetTexture installs the sampled texture. The loader is expected to call
// this after construction and before the brush's first Prepare, since the
// brush URI grammar has no way to carry binary texture data inline.
func (b *imageryBrush) SetTexture(img *image.NRGBA) {
	b.texture = img
}

type imageryConfig struct {
	UField, VField string
	Width, Height  int
	Pixels         []byte
}

func (b *imageryBrush) Serialize() (any, error) {
	cfg := imageryConfig{UField: b.uField, VField: b.vField}
	if b.texture != nil {
		cfg.Width = b.texture.Rect.Dx()
		cfg.Height = b.texture.Rect.Dy()
		cfg.Pixels = append([]byte(nil), b.texture.Pix...)
	}
	return cfg, nil
}

func (b *imageryBrush) Deserialize(payload any) error {
	cfg, ok := payload.(imageryConfig)
	if !ok {
		return errors.Errorf("imagery brush: unexpected payload type %T", payload)
	}
	b.uField, b.vField = cfg.UField, cfg.VField
	if cfg.Pixels != nil {
		img := image.NewNRGBA(image.Rect(0, 0, cfg.Width, cfg.Height))
		copy(img.Pix, cfg.Pixels)
		b.texture = img
	} else {
		b.texture = nil
	}
	return nil
}

func (b *imageryBrush) RequiredSchemaFields() []string {
	return []string{b.uField, b.vField}
}

func (b *imageryBrush) BeginTransfer(dir TransferDirection) (any, []TransferableBuffer, error) {
	cfg, err := b.Serialize()
	if err != nil {
		return nil, nil, err
	}
	var transferList []TransferableBuffer
	if b.texture != nil {
		transferList = append(transferList, TransferableBuffer{Name: "imagery.texture", Data: b.texture.Pix})
	}
	return cfg, transferList, nil
}

func (b *imageryBrush) EndTransfer(dir TransferDirection, params any) error {
	return b.Deserialize(params)
}

// Prepare is a no-op: the texture is externally supplied configuration,
// not stats-derived.
func (b *imageryBrush) Prepare(_ context.Context, _ BufferParams, _ any, _ []any) error {
	return nil
}

func (b *imageryBrush) Unprepare(bp BufferParams) {}

func (b *imageryBrush) StagingAttributes(bp BufferParams, parentStaging any, childStaging []any) any {
	return struct{ UField, VField string }{UField: b.uField, VField: b.vField}
}

// NodeSelectionStrategy is NONE: the texture is fixed per tile insert and
// does not depend on aggregate stats or sibling tiles.
func (b *imageryBrush) NodeSelectionStrategy(bp BufferParams) (Strategy, any) {
	return StrategyNone, nil
}

func (b *imageryBrush) BufferNeedsRecolor(bp BufferParams, strategyParams, otherStaging any) bool {
	return false
}

func (b *imageryBrush) ColorPoint(out *[3]uint8, point []float32, fieldIndex map[string]int) {
	if b.texture == nil {
		out[0], out[1], out[2] = 0, 0, 0
		return
	}
	uIdx, uOK := fieldIndex[b.uField]
	vIdx, vOK := fieldIndex[b.vField]
	if !uOK || !vOK || uIdx >= len(point) || vIdx >= len(point) {
		out[0], out[1], out[2] = 0, 0, 0
		return
	}

	bounds := b.texture.Rect
	x := bounds.Min.X + int(float64(point[uIdx])*float64(bounds.Dx()-1))
	y := bounds.Min.Y + int(float64(point[vIdx])*float64(bounds.Dy()-1))
	if x < bounds.Min.X {
		x = bounds.Min.X
	}
	if x >= bounds.Max.X {
		x = bounds.Max.X - 1
	}
	if y < bounds.Min.Y {
		y = bounds.Min.Y
	}
	if y >= bounds.Max.Y {
		y = bounds.Max.Y - 1
	}

	c := b.texture.NRGBAAt(x, y)
	rgb := color.NRGBAModel.Convert(c).(color.NRGBA)
	out[0], out[1], out[2] = rgb.R, rgb.G, rgb.B
}

func (b *imageryBrush) RampConfiguration() RampConfig {
	return RampConfig{Selector: RampNone}
}
