package brush

import (
	"testing"

	"go.viam.com/test"
)

func TestColorBrushColorsFromFields(t *testing.T) {
	b, err := DefaultFactory.CreateBrush("local://color?r=r&g=g&b=b")
	test.That(t, err, test.ShouldBeNil)

	schema := Schema{{Name: "r"}, {Name: "g"}, {Name: "b"}}
	test.That(t, schema.Has(b.RequiredSchemaFields()...), test.ShouldBeTrue)

	var out [3]uint8
	b.ColorPoint(&out, []float32{10, 200, 300}, FieldIndex(schema))
	test.That(t, out[0], test.ShouldEqual, uint8(10))
	test.That(t, out[1], test.ShouldEqual, uint8(200))
	test.That(t, out[2], test.ShouldEqual, uint8(255)) // clamped

	strategy, _ := b.NodeSelectionStrategy(BufferParams{})
	test.That(t, strategy, test.ShouldEqual, StrategyNone)
}

func TestColorBrushMissingParamsFails(t *testing.T) {
	_, err := DefaultFactory.CreateBrush("local://color?r=r&g=g")
	test.That(t, err, test.ShouldNotBeNil)
}
