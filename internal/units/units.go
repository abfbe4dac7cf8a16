// Package units provides shared constants and validation for length units,
// plus the comma-triple flag syntax for grid geometry ("dx,dy,dz").
package units

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/foxet/pbc1109/internal/tract"
)

// Unit constants
const (
	MM = "mm"
	UM = "um"
	CM = "cm"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MM, UM, CM}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "mm, um, cm"
}

// ConvertLength converts a length from millimeters to the target units.
// The kernel and database store lengths in mm.
func ConvertLength(lengthMM float64, targetUnits string) float64 {
	switch targetUnits {
	case UM:
		return lengthMM * 1000 // mm to micrometers
	case CM:
		return lengthMM / 10 // mm to centimeters
	case MM:
		return lengthMM // no conversion needed
	default:
		return lengthMM // default to mm if unknown unit
	}
}

// splitTriple splits "a,b,c" into three trimmed fields. A single value
// is expanded to all three axes (isotropic shorthand).
func splitTriple(raw string) ([]string, error) {
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	switch len(parts) {
	case 1:
		return []string{parts[0], parts[0], parts[0]}, nil
	case 3:
		return parts, nil
	}
	return nil, fmt.Errorf("want 1 or 3 comma-separated values, got %d", len(parts))
}

// ParseVolumeShape parses "dx,dy,dz" (or a single value for a cube)
// into a validated volume shape.
func ParseVolumeShape(raw string) (tract.VolumeShape, error) {
	parts, err := splitTriple(raw)
	if err != nil {
		return tract.VolumeShape{}, fmt.Errorf("invalid volume shape %q: %w", raw, err)
	}
	var shape tract.VolumeShape
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return tract.VolumeShape{}, fmt.Errorf("invalid volume shape %q: %v", raw, err)
		}
		shape[i] = n
	}
	if err := shape.Validate(); err != nil {
		return tract.VolumeShape{}, err
	}
	return shape, nil
}

// ParseVoxelSize parses "sx,sy,sz" in mm (or a single value for
// isotropic voxels) into a validated voxel size.
func ParseVoxelSize(raw string) (tract.VoxelSize, error) {
	parts, err := splitTriple(raw)
	if err != nil {
		return tract.VoxelSize{}, fmt.Errorf("invalid voxel size %q: %w", raw, err)
	}
	var size tract.VoxelSize
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return tract.VoxelSize{}, fmt.Errorf("invalid voxel size %q: %v", raw, err)
		}
		size[i] = f
	}
	if err := size.Validate(); err != nil {
		return tract.VoxelSize{}, err
	}
	return size, nil
}

// ParseVoxelIndex parses "x,y,z" into a voxel index. All three
// coordinates are required and must be non-negative.
func ParseVoxelIndex(raw string) (tract.VoxelIndex, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 3 {
		return tract.VoxelIndex{}, fmt.Errorf("invalid voxel %q (want x,y,z)", raw)
	}
	var v tract.VoxelIndex
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return tract.VoxelIndex{}, fmt.Errorf("invalid voxel %q: %v", raw, err)
		}
		if n < 0 {
			return tract.VoxelIndex{}, fmt.Errorf("invalid voxel %q: coordinates must be non-negative", raw)
		}
		v[i] = n
	}
	return v, nil
}
