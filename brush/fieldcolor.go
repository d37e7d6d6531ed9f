package brush

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

func init() {
	DefaultFactory.RegisterBrush("local", "field-color", newFieldColorFromParams)
}

// fieldColorBrush is the FieldColor variant: a categorical field (e.g.
// classification code) mapped through an explicit palette. Values with no
// palette entry fall back to a configurable default color.
type fieldColorBrush struct {
	field      string
	palette    map[int][3]uint8
	defaultRGB [3]uint8
}

// newFieldColorFromParams parses local://field-color?field=classification
// &colors=1:#ff0000,2:#00ff00&default=#808080. The colors parameter is a
// comma-separated list of "intValue:#rrggbb" pairs.
func newFieldColorFromParams(params url.Values) (Brush, error) {
	field := params.Get("field")
	if field == "" {
		return nil, errors.New("local://field-color: requires a field parameter")
	}

	palette := make(map[int][3]uint8)
	if raw := params.Get("colors"); raw != "" {
		for _, entry := range strings.Split(raw, ",") {
			parts := strings.SplitN(entry, ":", 2)
			if len(parts) != 2 {
				return nil, errors.Errorf("local://field-color: invalid colors entry %q", entry)
			}
			key, err := strconv.Atoi(strings.TrimSpace(parts[0]))
			if err != nil {
				return nil, errors.Wrapf(err, "local://field-color: invalid colors key %q", parts[0])
			}
			rgb, err := parseHexColor(strings.TrimSpace(parts[1]))
			if err != nil {
				return nil, errors.Wrap(err, "local://field-color: invalid colors value")
			}
			palette[key] = rgb
		}
	}

	defaultRGB := [3]uint8{128, 128, 128}
	if raw := params.Get("default"); raw != "" {
		rgb, err := parseHexColor(raw)
		if err != nil {
			return nil, errors.Wrap(err, "local://field-color: invalid default color")
		}
		defaultRGB = rgb
	}

	return &fieldColorBrush{field: field, palette: palette, defaultRGB: defaultRGB}, nil
}

type fieldColorConfig struct {
	Field      string
	Palette    map[int][3]uint8
	DefaultRGB [3]uint8
}

func (b *fieldColorBrush) RequiredSchemaFields() []string {
	return []string{b.field}
}

func (b *fieldColorBrush) Serialize() (any, error) {
	return fieldColorConfig{Field: b.field, Palette: b.palette, DefaultRGB: b.defaultRGB}, nil
}

func (b *fieldColorBrush) Deserialize(payload any) error {
	cfg, ok := payload.(fieldColorConfig)
	if !ok {
		return errors.Errorf("field-color brush: unexpected payload type %T", payload)
	}
	b.field, b.palette, b.defaultRGB = cfg.Field, cfg.Palette, cfg.DefaultRGB
	return nil
}

func (b *fieldColorBrush) BeginTransfer(dir TransferDirection) (any, []TransferableBuffer, error) {
	cfg, _ := b.Serialize()
	return cfg, nil, nil
}

func (b *fieldColorBrush) EndTransfer(dir TransferDirection, params any) error {
	return b.Deserialize(params)
}

// Prepare is a no-op: the palette is fixed configuration, not derived from
// aggregate stats.
func (b *fieldColorBrush) Prepare(_ context.Context, _ BufferParams, _ any, _ []any) error {
	return nil
}

func (b *fieldColorBrush) Unprepare(bp BufferParams) {}

// paletteFingerprint is a value snapshot of the palette suitable for ==
// comparison: the field name plus the (key, color) pairs, sorted by key
// and encoded into one string.
type paletteFingerprint struct {
	Field   string
	Entries string
}

func (b *fieldColorBrush) fingerprint() paletteFingerprint {
	keys := make([]int, 0, len(b.palette))
	for k := range b.palette {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	var sb strings.Builder
	for _, k := range keys {
		rgb := b.palette[k]
		sb.WriteString(strconv.Itoa(k))
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(int(rgb[0])))
		sb.WriteByte(',')
		sb.WriteString(strconv.Itoa(int(rgb[1])))
		sb.WriteByte(',')
		sb.WriteString(strconv.Itoa(int(rgb[2])))
		sb.WriteByte(';')
	}
	return paletteFingerprint{Field: b.field, Entries: sb.String()}
}

func (b *fieldColorBrush) StagingAttributes(bp BufferParams, parentStaging any, childStaging []any) any {
	return b.fingerprint()
}

// NodeSelectionStrategy is NONE: the palette is static configuration, not
// stats-derived, so an insert never invalidates any other cached tile.
func (b *fieldColorBrush) NodeSelectionStrategy(bp BufferParams) (Strategy, any) {
	return StrategyNone, nil
}

func (b *fieldColorBrush) BufferNeedsRecolor(bp BufferParams, strategyParams, otherStaging any) bool {
	return false
}

func (b *fieldColorBrush) ColorPoint(out *[3]uint8, point []float32, fieldIndex map[string]int) {
	idx, ok := fieldIndex[b.field]
	if !ok || idx >= len(point) {
		out[0], out[1], out[2] = b.defaultRGB[0], b.defaultRGB[1], b.defaultRGB[2]
		return
	}
	key := int(point[idx])
	rgb, ok := b.palette[key]
	if !ok {
		rgb = b.defaultRGB
	}
	out[0], out[1], out[2] = rgb[0], rgb[1], rgb[2]
}

func (b *fieldColorBrush) RampConfiguration() RampConfig {
	return RampConfig{Selector: RampNone}
}
