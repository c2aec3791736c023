package domain

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestTilePath(t *testing.T) {
	tile := Tile{Z: 12, X: 650, Y: 1300}
	want := filepath.Join("/cache", "12", "650", "1300.png")
	if got := tile.Path("/cache", "png"); got != want {
		t.Errorf("Path() = %v, want %v", got, want)
	}
}

func TestTileValid(t *testing.T) {
	tests := []struct {
		tile Tile
		want bool
	}{
		{Tile{0, 0, 0}, true},
		{Tile{0, 1, 0}, false},
		{Tile{3, 7, 7}, true},
		{Tile{3, 8, 0}, false},
		{Tile{-1, 0, 0}, false},
		{Tile{2, 0, -1}, false},
	}

	for _, tt := range tests {
		if got := tt.tile.Valid(); got != tt.want {
			t.Errorf("%v.Valid() = %v, want %v", tt.tile, got, tt.want)
		}
	}
}

func TestTileChildren(t *testing.T) {
	got := Tile{Z: 4, X: 3, Y: 5}.Children()
	want := [4]Tile{{5, 6, 10}, {5, 7, 10}, {5, 6, 11}, {5, 7, 11}}
	if got != want {
		t.Errorf("Children() = %v, want %v", got, want)
	}
}

func TestTileSet(t *testing.T) {
	s := TileSet{}
	s.Add(Tile{Z: 1, X: 1, Y: 1})
	s.Add(Tile{Z: 1, X: 0, Y: 1})
	s.Add(Tile{Z: 1, X: 0, Y: 0})
	s.Add(Tile{Z: 0, X: 0, Y: 0})

	if got := s.Count(); got != 4 {
		t.Errorf("Count() = %d, want 4", got)
	}

	want := []Tile{{0, 0, 0}, {1, 0, 1}, {1, 0, 0}, {1, 1, 1}}
	if got := s.Tiles(); !reflect.DeepEqual(got, want) {
		t.Errorf("Tiles() = %v, want %v", got, want)
	}
}

func TestTileLookup(t *testing.T) {
	if Miss.Hit() {
		t.Error("Miss.Hit() = true, want false")
	}
	if !(TileLookup{Data: []byte{1}, Source: TileSourceFile}).Hit() {
		t.Error("Hit() = false, want true")
	}
}

func TestPartitionOutcomes(t *testing.T) {
	a := RetrievalRequest{URL: "a"}
	b := RetrievalRequest{URL: "b"}
	c := RetrievalRequest{URL: "c"}
	done, retry := PartitionOutcomes([]RetrievalOutcome{
		{Request: a, Kind: OutcomeSuccess},
		{Request: b, Kind: OutcomeTransientFailure},
		{Request: c, Kind: OutcomeContentTypeMismatch},
	})

	if !reflect.DeepEqual(done, []RetrievalRequest{a, c}) {
		t.Errorf("done = %v, want [a c]", done)
	}
	if !reflect.DeepEqual(retry, []RetrievalRequest{b}) {
		t.Errorf("retry = %v, want [b]", retry)
	}
}

func TestParseExhaustionPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    ExhaustionPolicy
		wantErr bool
	}{
		{"", ExhaustionSoft, false},
		{"soft", ExhaustionSoft, false},
		{"HARD", ExhaustionHard, false},
		{"fatal", "", true},
	}

	for _, tt := range tests {
		got, err := ParseExhaustionPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseExhaustionPolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseExhaustionPolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
