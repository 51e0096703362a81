package zcl

import (
	"io"
	"log/slog"
	"testing"
)

func testRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := testRegistry()
	r.Register(ClusterDef{
		ID:   ClusterAnalogInput,
		Name: "Analog Input",
		Attributes: []AttributeDef{
			{ID: 0x0055, Name: "presentValue", Type: TypeFloat32, Access: AccessRead | AccessWrite | AccessReport},
		},
	})

	got := r.Get(ClusterAnalogInput)
	if got == nil {
		t.Fatal("cluster not found")
	}
	if got.Name != "Analog Input" {
		t.Errorf("name = %q", got.Name)
	}

	// copies must not leak into the registry
	got.Attributes[0].Name = "changed"
	if r.Get(ClusterAnalogInput).Attributes[0].Name != "presentValue" {
		t.Error("Get returned a shared slice")
	}
}

func TestRegistryMerge(t *testing.T) {
	r := testRegistry()
	r.Register(ClusterDef{
		ID:         ClusterPowerConfiguration,
		Name:       "Power Configuration",
		Attributes: []AttributeDef{{ID: 0x0021, Name: "batteryPercentageRemaining", Type: TypeUint8}},
	})
	r.Register(ClusterDef{
		ID: ClusterPowerConfiguration,
		Attributes: []AttributeDef{
			{ID: 0x0021, Name: "duplicate", Type: TypeUint8},
			{ID: 0x0020, Name: "batteryVoltage", Type: TypeUint8},
		},
	})

	got := r.Get(ClusterPowerConfiguration)
	if len(got.Attributes) != 2 {
		t.Fatalf("attrs = %d, want 2", len(got.Attributes))
	}
	if got.FindAttribute(0x0021).Name != "batteryPercentageRemaining" {
		t.Error("merge overwrote an existing attribute")
	}
}

func TestRegistryAttributeByName(t *testing.T) {
	r := testRegistry()
	r.Register(ClusterDef{
		ID:         ClusterAnalogInput,
		Name:       "Analog Input",
		Attributes: []AttributeDef{{ID: 0x0055, Name: "presentValue", Type: TypeFloat32}},
	})

	a, err := r.Attribute(ClusterAnalogInput, "PresentValue")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != 0x0055 || a.Type != TypeFloat32 {
		t.Errorf("got %+v", a)
	}

	if _, err := r.Attribute(ClusterAnalogInput, "nope"); err == nil {
		t.Error("expected error for unknown attribute")
	}
	if _, err := r.Attribute(0x0300, "presentValue"); err == nil {
		t.Error("expected error for unknown cluster")
	}
}

func TestRegistryNames(t *testing.T) {
	r := testRegistry()
	r.Register(ClusterDef{
		ID:         ClusterAnalogInput,
		Name:       "Analog Input",
		Attributes: []AttributeDef{{ID: 0x0055, Name: "presentValue"}},
	})

	c, a := r.Names(ClusterAnalogInput, 0x0055)
	if c != "Analog Input" || a != "presentValue" {
		t.Errorf("got %q/%q", c, a)
	}
	c, a = r.Names(0x0402, 0x0000)
	if c != "0x0402" || a != "0x0000" {
		t.Errorf("got %q/%q", c, a)
	}
	if len(r.All()) != 1 {
		t.Errorf("All() = %d", len(r.All()))
	}
}
