package brush

import (
	"context"
	"math"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
)

func init() {
	DefaultFactory.RegisterBrush("local", "ramp", newRampFromParams)
}

// rampField names which scalar field a ramp brush contours over.
type rampField string

// Ramp fields recognized by the local://ramp URI grammar.
const (
	rampFieldZ         rampField = "z"
	rampFieldIntensity rampField = "intensity"
)

// rampBrush is the stock Ramp brush variant: a scalar field mapped to a
// grayscale contour ramp per spec §4.1's concrete worked behavior.
type rampBrush struct {
	field rampField
	step  int
	start [3]uint8
	end   [3]uint8

	// Prepare-computed state, captured by BeginTransfer/EndTransfer so a
	// worker-side copy can color points without access to the stats
	// accumulator.
	noColor bool
	min     float64
	scalef  float64
}

func newRampFromParams(params url.Values) (Brush, error) {
	field := rampField(params.Get("field"))
	if field != rampFieldZ && field != rampFieldIntensity {
		return nil, errors.Errorf("local://ramp: unsupported field %q, want z or intensity", params.Get("field"))
	}

	step := 1
	if raw := params.Get("step"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "local://ramp: invalid step %q", raw)
		}
		if parsed < 1 {
			parsed = 1
		}
		step = parsed
	}

	start, err := parseHexColor(params.Get("start"))
	if err != nil {
		return nil, errors.Wrap(err, "local://ramp: invalid start color")
	}
	end, err := parseHexColor(params.Get("end"))
	if err != nil {
		return nil, errors.Wrap(err, "local://ramp: invalid end color")
	}

	return &rampBrush{field: field, step: step, start: start, end: end}, nil
}

// rampConfig is the value type persisted by Serialize/Deserialize and
// carried as the configuration part of rampTransferParams.
type rampConfig struct {
	Field rampField
	Step  int
	Start [3]uint8
	End   [3]uint8
}

func (b *rampBrush) RequiredSchemaFields() []string {
	return []string{string(b.field)}
}

func (b *rampBrush) Serialize() (any, error) {
	return rampConfig{Field: b.field, Step: b.step, Start: b.start, End: b.end}, nil
}

func (b *rampBrush) Deserialize(payload any) error {
	cfg, ok := payload.(rampConfig)
	if !ok {
		return errors.Errorf("ramp brush: unexpected payload type %T", payload)
	}
	b.field, b.step, b.start, b.end = cfg.Field, cfg.Step, cfg.Start, cfg.End
	b.noColor, b.min, b.scalef = false, 0, 0
	return nil
}

// rampTransferParams is the full cross-thread state: configuration plus
// whatever Prepare most recently computed, so a worker-side copy can
// color points with no access to the stats accumulator.
type rampTransferParams struct {
	Config  rampConfig
	NoColor bool
	Min     float64
	Scalef  float64
}

func (b *rampBrush) BeginTransfer(dir TransferDirection) (any, []TransferableBuffer, error) {
	return rampTransferParams{
		Config:  rampConfig{Field: b.field, Step: b.step, Start: b.start, End: b.end},
		NoColor: b.noColor,
		Min:     b.min,
		Scalef:  b.scalef,
	}, nil, nil
}

func (b *rampBrush) EndTransfer(dir TransferDirection, params any) error {
	p, ok := params.(rampTransferParams)
	if !ok {
		return errors.Errorf("ramp brush: unexpected transfer params type %T", params)
	}
	b.field, b.step, b.start, b.end = p.Config.Field, p.Config.Step, p.Config.Start, p.Config.End
	b.noColor, b.min, b.scalef = p.NoColor, p.Min, p.Scalef
	return nil
}

// Prepare computes scalef = 255 / (step * (max - min)) from the current
// cumulative field range. When the range is empty (min >= max) the brush
// enters its quiescent no-color mode instead of failing, per spec §4.1.
func (b *rampBrush) Prepare(ctx context.Context, bp BufferParams, parentStaging any, childStaging []any) error {
	min, max, ok := bp.Stats.FieldRange(string(b.field))
	if !ok || min >= max {
		b.noColor = true
		b.min = 0
		b.scalef = 0
		return nil
	}
	b.noColor = false
	b.min = min
	b.scalef = 255 / (float64(b.step) * (max - min))
	return nil
}

func (b *rampBrush) Unprepare(bp BufferParams) {
	b.noColor = false
	b.min = 0
	b.scalef = 0
}

// rampStaging is the value snapshot StagingAttributes returns; it must
// compare correctly with ==, so it holds only comparable fields.
type rampStaging struct {
	NoColor bool
	Min     float64
	Scalef  float64
}

func (b *rampBrush) StagingAttributes(bp BufferParams, parentStaging any, childStaging []any) any {
	return rampStaging{NoColor: b.noColor, Min: b.min, Scalef: b.scalef}
}

// NodeSelectionStrategy impacts every other cached tile (ALL) once this
// brush has a usable range; in its quiescent no-color mode it declares
// NONE, since recoloring other tiles with "no color" would change nothing.
func (b *rampBrush) NodeSelectionStrategy(bp BufferParams) (Strategy, any) {
	if b.noColor {
		return StrategyNone, nil
	}
	return StrategyAll, rampStaging{NoColor: b.noColor, Min: b.min, Scalef: b.scalef}
}

// BufferNeedsRecolor compares the tile's cached scale parameters against
// this brush's current ones; any drift (a now-wider field range, or a
// transition into/out of no-color mode) means the tile is stale.
func (b *rampBrush) BufferNeedsRecolor(bp BufferParams, strategyParams, otherStaging any) bool {
	current, ok := strategyParams.(rampStaging)
	if !ok {
		return true
	}
	other, ok := otherStaging.(rampStaging)
	if !ok {
		return true
	}
	return current != other
}

func (b *rampBrush) ColorPoint(out *[3]uint8, point []float32, fieldIndex map[string]int) {
	if b.noColor {
		out[0], out[1], out[2] = 0, 0, 0
		return
	}
	idx, ok := fieldIndex[string(b.field)]
	if !ok || idx >= len(point) {
		out[0], out[1], out[2] = 0, 0, 0
		return
	}
	value := float64(point[idx])
	h := math.Floor(b.scalef*(value-b.min)) * float64(b.step)
	clamped := clampByte(h)
	out[0], out[1], out[2] = clamped, clamped, clamped
}

func (b *rampBrush) RampConfiguration() RampConfig {
	selector := RampNone
	switch b.field {
	case rampFieldZ:
		selector = RampZRange
	case rampFieldIntensity:
		selector = RampIntensityRange
	}
	return RampConfig{Selector: selector, Start: b.start, End: b.end}
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
