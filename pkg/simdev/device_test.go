package simdev

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/bitaddr"
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/bitimage"
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/devdesc"
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/fuzz"
)

func loadSim8(t *testing.T) *Device {
	t.Helper()
	p, err := devdesc.NewParser()
	require.NoError(t, err)
	desc, err := p.ParseFile("testdata/sim8.dev")
	require.NoError(t, err)
	dev, err := New(desc)
	require.NoError(t, err)
	return dev
}

func parseDevice(t *testing.T, src string) *Device {
	t.Helper()
	p, err := devdesc.NewParser()
	require.NoError(t, err)
	desc, err := p.ParseString(src)
	require.NoError(t, err)
	dev, err := New(desc)
	require.NoError(t, err)
	return dev
}

func compileOne(t *testing.T, dev *Device, d fuzz.Design) *bitimage.Image {
	t.Helper()
	imgs, err := dev.Compile(context.Background(), []fuzz.Design{d})
	require.NoError(t, err)
	require.Len(t, imgs, 1)
	return imgs[0]
}

func TestTopology(t *testing.T) {
	dev := loadSim8(t)

	assert.Equal(t, "sim8", dev.DeviceName())
	assert.Equal(t, []string{"CFG", "IO", "PLC"}, dev.Kinds())

	plc := dev.Instances("PLC")
	require.Len(t, plc, 4)
	for i, tc := range plc {
		assert.Equal(t, i, tc.Index)
		assert.Equal(t, "PLC", tc.Kind)
	}
	assert.Equal(t, "R1C0", plc[2].Name)
	assert.Empty(t, dev.Instances("DSP"))

	regions, err := dev.TileBits(context.Background(), plc[3])
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.True(t, regions[0].Mirror)
	assert.Equal(t, 3, regions[0].Quadrant)

	_, err = dev.TileBits(context.Background(), fuzz.TileCoord{Kind: "PLC", Name: "nope"})
	assert.Error(t, err)

	shape := dev.Shape()
	require.Len(t, shape.Banks, 2)
	assert.Equal(t, []bool{true, true, true, true, false}, shape.Banks[1].Present)
	assert.Equal(t, map[string]int{"IOSTD": 4}, shape.Banks[0].Registers)
	assert.Equal(t, map[string]int{"CTRL": 8}, shape.Registers)
}

func TestCompileEnumValue(t *testing.T) {
	dev := loadSim8(t)
	base := compileOne(t, dev, fuzz.Design{})
	ram := compileOne(t, dev, fuzz.Design{"R0C1.SLICE.MODE": "RAM"})

	diff, err := bitimage.Compare(base, ram)
	require.NoError(t, err)

	// R0C1 sits in quadrant 1, mirrored in the frame direction: local frame 0
	// is raw frame 7.
	assert.Equal(t, bitimage.Diff{
		bitaddr.FrameBit(0, 7, 1): true,
		bitaddr.FrameBit(0, 7, 2): false,
	}, diff)
}

func TestCompileBitVec(t *testing.T) {
	dev := loadSim8(t)
	base := compileOne(t, dev, fuzz.Design{})
	img := compileOne(t, dev, fuzz.Design{"IOB1.PAD.STD": "10"})

	diff, err := bitimage.Compare(base, img)
	require.NoError(t, err)
	assert.Equal(t, bitimage.Diff{bitaddr.BankRegisterBit(1, "IOSTD", 1): true}, diff)
}

func TestCompileRegisterFeature(t *testing.T) {
	dev := loadSim8(t)
	base := compileOne(t, dev, fuzz.Design{})
	img := compileOne(t, dev, fuzz.Design{"GLOBAL.GLOBAL.WAKE": "FAST"})

	diff, err := bitimage.Compare(base, img)
	require.NoError(t, err)
	assert.Equal(t, bitimage.Diff{bitaddr.RegisterBit("CTRL", 6): true}, diff)
}

func TestDefaultImageHasInvertedBits(t *testing.T) {
	dev := loadSim8(t)
	base := compileOne(t, dev, fuzz.Design{})

	// MODE=RAM clears local bit 0:0:2 in every PLC tile. R0C0 is quadrant 0,
	// so local and raw coordinates agree.
	set, err := base.Get(bitaddr.FrameBit(0, 0, 2))
	require.NoError(t, err)
	assert.True(t, set)
}

func TestValidateDesigns(t *testing.T) {
	dev := loadSim8(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		design  fuzz.Design
		wantErr string
	}{
		{name: "empty", design: fuzz.Design{}},
		{name: "legal", design: fuzz.Design{"R0C0.SLICE.MODE": "RAM", "R0C0.LUT.INIT": "1011"}},
		{name: "malformed key", design: fuzz.Design{"R0C0": "X"}, wantErr: "malformed key"},
		{name: "unknown tile", design: fuzz.Design{"R9C9.SLICE.MODE": "RAM"}, wantErr: "unknown tile"},
		{name: "unknown attribute", design: fuzz.Design{"R0C0.PAD.PULL": "UP"}, wantErr: "has no attribute"},
		{name: "unknown value", design: fuzz.Design{"R0C0.SLICE.MODE": "DSP"}, wantErr: "unknown value"},
		{name: "bad bitvec", design: fuzz.Design{"R0C0.LUT.INIT": "12"}, wantErr: "binary value"},
		{name: "bitvec too wide", design: fuzz.Design{"R0C0.LUT.INIT": "11111"}, wantErr: "binary value"},
		{
			name:    "exclusive resource",
			design:  fuzz.Design{"R0C0.FF.CLKINV": "ON", "R1C1.FF.CLKINV": "ON"},
			wantErr: `resource "GCLK" already claimed`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := dev.Validate(ctx, tt.design)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			_, err = dev.Compile(ctx, []fuzz.Design{tt.design})
			assert.Error(t, err, "compile must reject what validate rejects")
		})
	}
}

func TestSplitKey(t *testing.T) {
	tile, bel, attr, ok := splitKey(DesignKey("X.Y", "BEL", "ATTR"))
	require.True(t, ok)
	assert.Equal(t, "X.Y", tile)
	assert.Equal(t, "BEL", bel)
	assert.Equal(t, "ATTR", attr)

	_, _, _, ok = splitKey(".A.B")
	assert.False(t, ok)
}

func TestOnCompileHook(t *testing.T) {
	dev := loadSim8(t)
	var calls, designs int
	dev.OnCompile = func(n int) {
		calls++
		designs += n
	}

	_, err := dev.Compile(context.Background(), []fuzz.Design{{}, {}, {}})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 3, designs)
}
