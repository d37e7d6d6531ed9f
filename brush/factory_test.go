package brush

import (
	"errors"
	"net/url"
	"testing"

	"go.viam.com/test"
)

func TestCreateBrushUnknown(t *testing.T) {
	f := NewFactory()
	_, err := f.CreateBrush("local://nonexistent")
	test.That(t, err, test.ShouldNotBeNil)
	var unknown *UnknownBrushError
	test.That(t, errors.As(err, &unknown), test.ShouldBeTrue)
}

func TestCreateBrushFromDefaultFactory(t *testing.T) {
	b, err := DefaultFactory.CreateBrush("local://ramp?field=z&step=1&start=%23000000&end=%23ffffff")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b, test.ShouldNotBeNil)
}

func TestAvailableListsRegisteredBrushes(t *testing.T) {
	available := DefaultFactory.Available()
	test.That(t, available, test.ShouldContain, "local://ramp")
	test.That(t, available, test.ShouldContain, "local://color")
	test.That(t, available, test.ShouldContain, "local://field-color")
	test.That(t, available, test.ShouldContain, "remote://imagery")
}

func TestRegisterDeregister(t *testing.T) {
	f := NewFactory()
	f.RegisterBrush("local", "noop", func(params url.Values) (Brush, error) {
		return nil, nil
	})
	test.That(t, f.Available(), test.ShouldResemble, []string{"local://noop"})
	f.DeregisterBrush("local", "noop")
	test.That(t, f.Available(), test.ShouldBeEmpty)
}

func TestSerializeDeserializeBrushesPreservesNullSlots(t *testing.T) {
	uris := []string{"local://ramp?field=z&step=1&start=%23000000&end=%23ffffff", "", "local://color?r=r&g=g&b=b"}
	brushes := make([]Brush, len(uris))
	for i, uri := range uris {
		if uri == "" {
			continue
		}
		b, err := DefaultFactory.CreateBrush(uri)
		test.That(t, err, test.ShouldBeNil)
		brushes[i] = b
	}

	payloads, err := DefaultFactory.SerializeBrushes(brushes)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(payloads), test.ShouldEqual, 3)
	test.That(t, payloads[1], test.ShouldBeNil)

	restored, err := DefaultFactory.DeserializeBrushes(uris, payloads)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(restored), test.ShouldEqual, 3)
	test.That(t, restored[1], test.ShouldBeNil)
	test.That(t, restored[0], test.ShouldNotBeNil)
	test.That(t, restored[2], test.ShouldNotBeNil)
}

func TestBeginEndTransferForBrushesPreservesAlignment(t *testing.T) {
	rb, err := DefaultFactory.CreateBrush("local://ramp?field=z&step=1&start=%23000000&end=%23ffffff")
	test.That(t, err, test.ShouldBeNil)
	brushes := []Brush{nil, rb}

	tp, err := DefaultFactory.BeginTransferForBrushes(brushes, MainToWorker)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(tp.Params), test.ShouldEqual, 2)
	test.That(t, tp.Params[0], test.ShouldBeNil)

	target := []Brush{nil, &rampBrush{}}
	err = DefaultFactory.EndTransferOntoBrushes(target, WorkerToMain, tp)
	test.That(t, err, test.ShouldBeNil)
}
