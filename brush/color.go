package brush

import (
	"context"
	"net/url"

	"github.com/pkg/errors"
)

func init() {
	DefaultFactory.RegisterBrush("local", "color", newColorFromParams)
}

// colorBrush is the Color variant: three schema fields, already scaled to
// [0,255], read directly as the R, G, B channels.
type colorBrush struct {
	rField, gField, bField string
}

func newColorFromParams(params url.Values) (Brush, error) {
	r, g, b := params.Get("r"), params.Get("g"), params.Get("b")
	if r == "" || g == "" || b == "" {
		return nil, errors.New("local://color: requires r, g, and b field parameters")
	}
	return &colorBrush{rField: r, gField: g, bField: b}, nil
}

type colorConfig struct {
	R, G, B string
}

func (b *colorBrush) RequiredSchemaFields() []string {
	return []string{b.rField, b.gField, b.bField}
}

func (b *colorBrush) Serialize() (any, error) {
	return colorConfig{R: b.rField, G: b.gField, B: b.bField}, nil
}

func (b *colorBrush) Deserialize(payload any) error {
	cfg, ok := payload.(colorConfig)
	if !ok {
		return errors.Errorf("color brush: unexpected payload type %T", payload)
	}
	b.rField, b.gField, b.bField = cfg.R, cfg.G, cfg.B
	return nil
}

func (b *colorBrush) BeginTransfer(dir TransferDirection) (any, []TransferableBuffer, error) {
	cfg, _ := b.Serialize()
	return cfg, nil, nil
}

func (b *colorBrush) EndTransfer(dir TransferDirection, params any) error {
	return b.Deserialize(params)
}

// Prepare is a no-op: the Color brush needs no aggregate stats, it reads
// pre-scaled channel values directly.
func (b *colorBrush) Prepare(_ context.Context, _ BufferParams, _ any, _ []any) error { return nil }

func (b *colorBrush) StagingAttributes(bp BufferParams, parentStaging any, childStaging []any) any {
	return colorConfig{R: b.rField, G: b.gField, B: b.bField}
}

// NodeSelectionStrategy is NONE: the Color brush's output for a tile
// depends only on that tile's own fields, never on aggregate stats or
// sibling tiles, so no other cached tile is ever invalidated by an
// insert.
func (b *colorBrush) NodeSelectionStrategy(bp BufferParams) (Strategy, any) {
	return StrategyNone, nil
}

func (b *colorBrush) BufferNeedsRecolor(bp BufferParams, strategyParams, otherStaging any) bool {
	return false
}

func (b *colorBrush) ColorPoint(out *[3]uint8, point []float32, fieldIndex map[string]int) {
	out[0] = channelByte(point, fieldIndex, b.rField)
	out[1] = channelByte(point, fieldIndex, b.gField)
	out[2] = channelByte(point, fieldIndex, b.bField)
}

func channelByte(point []float32, fieldIndex map[string]int, field string) uint8 {
	idx, ok := fieldIndex[field]
	if !ok || idx >= len(point) {
		return 0
	}
	return clampByte(float64(point[idx]))
}

func (b *colorBrush) Unprepare(bp BufferParams) {}

func (b *colorBrush) RampConfiguration() RampConfig {
	return RampConfig{Selector: RampNone}
}
