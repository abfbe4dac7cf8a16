package units

import (
	"math"
	"testing"

	"github.com/foxet/pbc1109/internal/tract"
)

func TestConvertLength(t *testing.T) {
	tests := []struct {
		name     string
		lengthMM float64
		units    string
		expected float64
	}{
		{"1 mm to um", 1.0, UM, 1000.0},
		{"1 mm to cm", 1.0, CM, 0.1},
		{"1 mm to mm", 1.0, MM, 1.0},
		{"unknown units default to mm", 1.0, "unknown", 1.0},
		{"0 mm to um", 0.0, UM, 0.0},
		{"typical voxel 0.5 mm to um", 0.5, UM, 500.0},
		{"volume extent 256 mm to cm", 256.0, CM, 25.6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ConvertLength(tt.lengthMM, tt.units)
			if math.Abs(result-tt.expected) > 0.0001 {
				t.Errorf("ConvertLength(%f, %s) = %f, want %f", tt.lengthMM, tt.units, result, tt.expected)
			}
		})
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name     string
		unit     string
		expected bool
	}{
		{"valid mm", MM, true},
		{"valid um", UM, true},
		{"valid cm", CM, true},
		{"invalid unit", "invalid", false},
		{"empty string", "", false},
		{"case sensitive", "MM", false},
		{"case sensitive", "Mm", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsValid(tt.unit)
			if result != tt.expected {
				t.Errorf("IsValid(%s) = %v, want %v", tt.unit, result, tt.expected)
			}
		})
	}
}

func TestGetValidUnitsString(t *testing.T) {
	expected := "mm, um, cm"
	result := GetValidUnitsString()
	if result != expected {
		t.Errorf("GetValidUnitsString() = %s, want %s", result, expected)
	}
}

func TestParseVolumeShape(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    tract.VolumeShape
		wantErr bool
	}{
		{"full triple", "128,96,64", tract.VolumeShape{128, 96, 64}, false},
		{"cube shorthand", "64", tract.VolumeShape{64, 64, 64}, false},
		{"spaces tolerated", " 2, 3 ,4 ", tract.VolumeShape{2, 3, 4}, false},
		{"zero dimension", "128,0,64", tract.VolumeShape{}, true},
		{"negative dimension", "128,-1,64", tract.VolumeShape{}, true},
		{"two values", "128,96", tract.VolumeShape{}, true},
		{"not a number", "a,b,c", tract.VolumeShape{}, true},
		{"empty", "", tract.VolumeShape{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVolumeShape(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseVolumeShape(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseVolumeShape(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseVoxelSize(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    tract.VoxelSize
		wantErr bool
	}{
		{"full triple", "1,1.5,2", tract.VoxelSize{1, 1.5, 2}, false},
		{"isotropic shorthand", "0.5", tract.VoxelSize{0.5, 0.5, 0.5}, false},
		{"zero size", "1,0,1", tract.VoxelSize{}, true},
		{"negative size", "1,-2,1", tract.VoxelSize{}, true},
		{"two values", "1,2", tract.VoxelSize{}, true},
		{"not a number", "one", tract.VoxelSize{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVoxelSize(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseVoxelSize(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseVoxelSize(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseVoxelIndex(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    tract.VoxelIndex
		wantErr bool
	}{
		{"origin", "0,0,0", tract.VoxelIndex{0, 0, 0}, false},
		{"typical", "12, 7,3", tract.VoxelIndex{12, 7, 3}, false},
		{"negative coordinate", "1,-1,1", tract.VoxelIndex{}, true},
		{"no shorthand for a single cell", "5", tract.VoxelIndex{}, true},
		{"four values", "1,2,3,4", tract.VoxelIndex{}, true},
		{"not a number", "x,y,z", tract.VoxelIndex{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVoxelIndex(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseVoxelIndex(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseVoxelIndex(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}
