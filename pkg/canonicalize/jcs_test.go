package canonicalize

import "testing"

func TestJCS_SortsKeys(t *testing.T) {
	got, err := JCSString(map[string]interface{}{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("JCSString: %v", err)
	}
	if got != `{"a":1,"b":2}` {
		t.Fatalf("got %q", got)
	}
}

func TestJCS_Deterministic(t *testing.T) {
	v := map[string]interface{}{
		"goal":    "read public weather",
		"context": map[string]interface{}{"recordCount": 50000, "region": "eu"},
	}
	h1, err := CanonicalHash(v)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CanonicalHash(v)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("hash not stable: %s != %s", h1, h2)
	}
}

func TestJCS_KeyOrderIrrelevant(t *testing.T) {
	a := map[string]interface{}{"x": 1, "y": 2}
	b := map[string]interface{}{"y": 2, "x": 1}
	ha, _ := CanonicalHash(a)
	hb, _ := CanonicalHash(b)
	if ha != hb {
		t.Fatalf("expected identical hashes regardless of map iteration order")
	}
}
