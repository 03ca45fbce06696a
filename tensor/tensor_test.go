package tensor

import (
	"testing"
)

func TestParseDevice(t *testing.T) {
	cases := map[string]Device{
		"cpu":    {Type: CPU, Index: -1},
		"cuda":   {Type: CUDA, Index: -1},
		"cuda:3": {Type: CUDA, Index: 3},
		"GPU:0":  {Type: CUDA, Index: 0},
	}
	for in, want := range cases {
		got, err := ParseDevice(in)
		if err != nil {
			t.Fatalf("ParseDevice(%q) failed: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseDevice(%q) = %+v, want %+v", in, got, want)
		}
	}

	for _, bad := range []string{"tpu", "cuda:x", "cuda:-1", ""} {
		if _, err := ParseDevice(bad); err == nil {
			t.Errorf("ParseDevice(%q) should fail", bad)
		}
	}

	dev, _ := ParseDevice("cuda:1")
	if !dev.IsAccelerator() || dev.String() != "cuda:1" {
		t.Errorf("unexpected device %s", dev)
	}
}

func TestNewRejectsShapeMismatch(t *testing.T) {
	if _, err := New([]int{2, 3}, make([]float32, 5)); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestSliceAndConcatRows(t *testing.T) {
	x, err := New([]int{4, 2}, []float32{0, 1, 2, 3, 4, 5, 6, 7})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	a := x.SliceRows(0, 1)
	b := x.SliceRows(1, 4)
	if a.Rows() != 1 || b.Rows() != 3 {
		t.Fatalf("unexpected slice rows %d/%d", a.Rows(), b.Rows())
	}
	if got := b.Row(0); got[0] != 2 || got[1] != 3 {
		t.Errorf("unexpected row content %v", got)
	}

	joined, err := ConcatRows([]*Tensor{a, b})
	if err != nil {
		t.Fatalf("ConcatRows failed: %v", err)
	}
	if !joined.SameShape(x) {
		t.Fatalf("shape %v, want %v", joined.Shape, x.Shape)
	}
	for i := range x.Data {
		if joined.Data[i] != x.Data[i] {
			t.Fatalf("element %d = %v, want %v", i, joined.Data[i], x.Data[i])
		}
	}

	if _, err := ConcatRows([]*Tensor{a, Zeros(1, 3)}); err == nil {
		t.Error("expected row size mismatch")
	}
}

func TestCloneIsDeep(t *testing.T) {
	x := Zeros(2, 2)
	y := x.Clone()
	y.Data[0] = 5
	if x.Data[0] != 0 {
		t.Error("Clone shares storage")
	}
}
