package frame

import (
	"errors"
	"fmt"
	"testing"
	"testing/quick"
)

// TestNew_ShapeValidation covers the construction invariants.
func TestNew_ShapeValidation(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		width    int
		height   int
		channels int
		wantErr  bool
	}{
		{"color 640x480", 640 * 480 * 3, 640, 480, 3, false},
		{"mono 640x480", 640 * 480, 640, 480, 1, false},
		{"color with mono-sized buffer", 640 * 480 * 1, 640, 480, 3, true},
		{"zero width", 0, 0, 480, 3, true},
		{"negative height", 10, 10, -1, 1, true},
		{"two channels", 2 * 4 * 4, 4, 4, 2, true},
		{"buffer too large", 4*4*3 + 1, 4, 4, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(make([]byte, tt.size), tt.width, tt.height, tt.channels, Meta{Sequence: 1})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got frame %v", f)
				}
				if !errors.Is(err, ErrInvalidShape) {
					t.Errorf("expected ErrInvalidShape, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if f.Width() != tt.width || f.Height() != tt.height || f.Channels() != tt.channels {
				t.Errorf("dimensions not preserved: %v", f)
			}
		})
	}
}

// TestNew_Property_LengthMatchesShape checks that New accepts exactly the
// buffers whose length equals width*height*channels.
func TestNew_Property_LengthMatchesShape(t *testing.T) {
	property := func(w, h uint8, mono bool, delta int8) bool {
		width, height := int(w%32)+1, int(h%32)+1
		channels := 3
		if mono {
			channels = 1
		}
		size := width*height*channels + int(delta)
		if size < 0 {
			size = 0
		}
		_, err := New(make([]byte, size), width, height, channels, Meta{})
		return (err == nil) == (size == width*height*channels)
	}

	if err := quick.Check(property, nil); err != nil {
		t.Error(err)
	}
}

func TestFrame_CloneIsIndependent(t *testing.T) {
	f, err := New([]byte{1, 2, 3}, 1, 1, 3, Meta{Sequence: 7, Timestamp: 1.5, TraceID: "abc"})
	if err != nil {
		t.Fatal(err)
	}

	c := f.Clone()
	c.pixels[0] = 99

	if f.Pixels()[0] != 1 {
		t.Errorf("clone shares pixel buffer with source")
	}
	if c.Sequence() != 7 || c.Timestamp() != 1.5 || c.TraceID() != "abc" {
		t.Errorf("clone lost metadata: %v", c)
	}
}

func TestFrame_WithPixelsKeepsMetadata(t *testing.T) {
	f, _ := New(make([]byte, 4), 2, 2, 1, Meta{Sequence: 3, Timestamp: 2})

	g, err := f.WithPixels([]byte{9, 9, 9, 9})
	if err != nil {
		t.Fatal(err)
	}
	if g.Sequence() != 3 || g.Timestamp() != 2 {
		t.Errorf("metadata changed: %v", g)
	}
	if _, err := f.WithPixels([]byte{1}); err == nil {
		t.Error("expected shape error for short buffer")
	}
}

func TestSwapRB(t *testing.T) {
	px := []byte{1, 2, 3, 4, 5, 6}
	SwapRB(px)
	want := []byte{3, 2, 1, 6, 5, 4}
	for i := range want {
		if px[i] != want[i] {
			t.Fatalf("SwapRB = %v, want %v", px, want)
		}
	}
}

func TestFlipVertical(t *testing.T) {
	// 2x3 mono image, rows 0..2
	px := []byte{
		0, 0,
		1, 1,
		2, 2,
	}
	FlipVertical(px, 2, 3, 1)
	want := []byte{2, 2, 1, 1, 0, 0}
	for i := range want {
		if px[i] != want[i] {
			t.Fatalf("FlipVertical = %v, want %v", px, want)
		}
	}
}

func TestNow_Monotonic(t *testing.T) {
	a := Now()
	b := Now()
	if b < a {
		t.Errorf("clock went backwards: %f -> %f", a, b)
	}
}

func ExampleNew() {
	f, err := New(make([]byte, 640*480*3), 640, 480, 3, Meta{Sequence: 1})
	fmt.Println(f.Width(), f.Height(), f.Channels(), err)

	_, err = New(make([]byte, 640*480), 640, 480, 3, Meta{Sequence: 1})
	fmt.Println(err != nil)
	// Output:
	// 640 480 3 <nil>
	// true
}
