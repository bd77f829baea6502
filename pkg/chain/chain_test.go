package chain

import "testing"

func buildChain(n int) []VerifiableRecord {
	records := make([]VerifiableRecord, 0, n)
	prev := Genesis
	for i := 1; i <= n; i++ {
		fields := map[string]interface{}{"event_type": "intent.submitted", "n": i}
		h, _ := ComputeHash(Link{Sequence: uint64(i), Fields: fields, PreviousHash: prev})
		records = append(records, VerifiableRecord{
			Sequence:     uint64(i),
			Fields:       fields,
			PreviousHash: prev,
			RecordHash:   h,
		})
		prev = h
	}
	return records
}

func TestVerifyChain_Valid(t *testing.T) {
	result := VerifyChain(buildChain(5))
	if !result.Valid || result.TotalVerified != 5 {
		t.Fatalf("expected valid chain of 5, got %+v", result)
	}
}

func TestVerifyChain_DetectsTamper(t *testing.T) {
	records := buildChain(5)
	records[2].RecordHash = "tampered"
	result := VerifyChain(records)
	if result.Valid {
		t.Fatal("expected tamper to be detected")
	}
	if result.FirstInvalidSeq != 3 {
		t.Fatalf("expected first invalid at sequence 3, got %d", result.FirstInvalidSeq)
	}
}

func TestVerifyChain_DetectsGap(t *testing.T) {
	records := buildChain(5)
	records = append(records[:2], records[3:]...)
	result := VerifyChain(records)
	if result.Valid {
		t.Fatal("expected gap to be detected")
	}
}

func TestSignAndVerify(t *testing.T) {
	key := []byte("tenant-signing-key")
	sig := Sign(key, "deadbeef")
	if !VerifySignature(key, "deadbeef", sig) {
		t.Fatal("expected signature to verify")
	}
	if VerifySignature([]byte("wrong-key"), "deadbeef", sig) {
		t.Fatal("expected signature with wrong key to fail")
	}
}
