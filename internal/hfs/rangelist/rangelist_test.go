package rangelist

import (
	"reflect"
	"testing"
)

func TestAddMergesOverlappingAndAdjacent(t *testing.T) {
	tests := []struct {
		name     string
		adds     []Range
		expected []Range
	}{
		{"disjoint stay sorted", []Range{{20, 30}, {0, 5}}, []Range{{0, 5}, {20, 30}}},
		{"adjacent merge", []Range{{0, 5}, {5, 10}}, []Range{{0, 10}}},
		{"bridge two ranges", []Range{{0, 5}, {10, 15}, {4, 11}}, []Range{{0, 15}}},
		{"contained is absorbed", []Range{{0, 100}, {10, 20}}, []Range{{0, 100}}},
		{"empty ignored", []Range{{7, 7}}, []Range{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var l List
			for _, r := range tt.adds {
				l.Add(r.Start, r.End)
			}
			if got := l.Ranges(); !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("Ranges() = %v; want %v", got, tt.expected)
			}
		})
	}
}

func TestRemoveResiduals(t *testing.T) {
	tests := []struct {
		name       string
		start, end uint32
		removed    uint32
		expected   []Range
	}{
		{"whole", 10, 20, 10, []Range{{30, 40}}},
		{"head", 10, 15, 5, []Range{{15, 20}, {30, 40}}},
		{"tail", 15, 20, 5, []Range{{10, 15}, {30, 40}}},
		{"split", 12, 18, 6, []Range{{10, 12}, {18, 20}, {30, 40}}},
		{"across two", 15, 35, 10, []Range{{10, 15}, {35, 40}}},
		{"miss", 20, 30, 0, []Range{{10, 20}, {30, 40}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var l List
			l.Add(10, 20)
			l.Add(30, 40)
			if got := l.Remove(tt.start, tt.end); got != tt.removed {
				t.Errorf("Remove returned %d; want %d", got, tt.removed)
			}
			if got := l.Ranges(); !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("Ranges() = %v; want %v", got, tt.expected)
			}
		})
	}
}

func TestOverlapAndCovers(t *testing.T) {
	var l List
	l.Add(10, 20)
	l.Add(30, 40)

	if r, ok := l.Overlap(18, 32); !ok || r != (Range{10, 20}) {
		t.Errorf("Overlap(18, 32) = %v, %v; want {10 20}, true", r, ok)
	}
	if _, ok := l.Overlap(20, 30); ok {
		t.Error("Overlap(20, 30) reported a hit in the gap")
	}
	if !l.Covers(31, 39) {
		t.Error("Covers(31, 39) = false; want true")
	}
	if l.Covers(15, 31) {
		t.Error("Covers(15, 31) = true across a gap")
	}
	if l.Total() != 20 || l.Len() != 2 {
		t.Errorf("Total/Len = %d/%d; want 20/2", l.Total(), l.Len())
	}
}
