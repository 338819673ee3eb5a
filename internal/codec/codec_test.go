package codec

import (
	"bytes"
	"errors"
	"testing"
)

type sample struct {
	Stage  string                       `cbor:"stage"`
	Assets map[string]map[string][]byte `cbor:"assets"`
}

func TestMarshalDeterministic(t *testing.T) {
	v := map[string]int{"b": 2, "a": 1, "c": 3}
	first, err := Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding is not stable: %x vs %x", first, again)
		}
	}
}

func TestPackUnpack(t *testing.T) {
	in := sample{
		Stage: "briefing",
		Assets: map[string]map[string][]byte{
			"A1": {"color": []byte("red")},
		},
	}
	blob, err := Pack(in)
	if err != nil {
		t.Fatal(err)
	}
	var out sample
	if err := Unpack(blob, &out); err != nil {
		t.Fatal(err)
	}
	if out.Stage != in.Stage || string(out.Assets["A1"]["color"]) != "red" {
		t.Fatalf("unexpected result %+v", out)
	}
}

func TestUnpackRejectsGarbage(t *testing.T) {
	var out sample
	if err := Unpack(nil, &out); !errors.Is(err, ErrEmptyBlob) {
		t.Fatalf("expected ErrEmptyBlob, got %v", err)
	}
	if err := Unpack([]byte{0x01, 0x02, 0x03}, &out); err == nil {
		t.Fatal("expected an error for a non-zstd blob")
	}
}

func TestUnmarshalAnyUsesStringMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"host": "u1"})
	if err != nil {
		t.Fatal(err)
	}
	var out any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if _, ok := out.(map[string]any); !ok {
		t.Fatalf("expected map[string]any, got %T", out)
	}
}

func TestDigestStable(t *testing.T) {
	a := sample{Stage: "x", Assets: map[string]map[string][]byte{"A1": {"c": []byte("1")}, "A2": {"c": []byte("2")}}}
	b := sample{Stage: "x", Assets: map[string]map[string][]byte{"A2": {"c": []byte("2")}, "A1": {"c": []byte("1")}}}
	da, err := Digest(a)
	if err != nil {
		t.Fatal(err)
	}
	db, _ := Digest(b)
	if da != db || len(da) != 64 {
		t.Fatalf("digests differ: %s %s", da, db)
	}
	b.Stage = "y"
	if dc, _ := Digest(b); dc == da {
		t.Fatal("different values share a digest")
	}
}
