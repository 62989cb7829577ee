package melange

import "testing"

func Test_NewLeafBloom_Nil_Below_MinKeys(t *testing.T) {
	keys := [][]byte{[]byte("a"), []byte("b")}

	if b := newLeafBloom(keys, 0.01); b != nil {
		t.Fatalf("newLeafBloom with %d keys = non-nil, want nil (below bloomMinKeys)", len(keys))
	}
}

func Test_LeafBloom_Never_False_Negative(t *testing.T) {
	keys := make([][]byte, 0, 200)
	for i := 0; i < 200; i++ {
		keys = append(keys, []byte{byte(i), byte(i >> 8)})
	}

	b := newLeafBloom(keys, 0.01)
	if b == nil {
		t.Fatalf("newLeafBloom returned nil for %d keys", len(keys))
	}

	for _, k := range keys {
		if !b.maybeContains(k) {
			t.Fatalf("maybeContains(%v) = false, want true (no false negatives allowed)", k)
		}
	}
}

func Test_LeafBloom_Nil_Receiver_Always_Maybe_Contains(t *testing.T) {
	var b *leafBloom

	if !b.maybeContains([]byte("anything")) {
		t.Fatalf("nil *leafBloom.maybeContains = false, want true")
	}
}
