package cashu

import (
	"strings"
	"testing"
)

func TestQRFragmentRoundTrip(t *testing.T) {
	tokenstr := "cashuA" + strings.Repeat("b64databytes", 50)

	frames := EncodeQRFragments(tokenstr, "deadbeef")
	if len(frames) < 2 {
		t.Fatalf("expected more than one fragment for a %d-byte token, got %d", len(tokenstr), len(frames))
	}

	r := NewQRReassembler()
	for i, frame := range frames {
		if r.Complete() {
			t.Fatalf("reassembler reported complete after %d of %d fragments", i, len(frames))
		}
		if err := r.AddFragment(frame); err != nil {
			t.Fatalf("AddFragment: %v", err)
		}
	}

	if !r.Complete() {
		t.Fatal("expected reassembler to be complete after all fragments added")
	}
	if r.Progress() != 1 {
		t.Fatalf("expected progress 1, got %v", r.Progress())
	}

	// DecodeToken will fail on this fixture since it isn't a real token, but
	// the reassembled bytes should still match byte for byte.
	var sb strings.Builder
	for i := 1; i <= len(frames); i++ {
		sb.WriteString(r.fragments[i])
	}
	if sb.String() != tokenstr {
		t.Fatalf("reassembled bytes don't match original:\ngot:  %v\nwant: %v", sb.String(), tokenstr)
	}
}

func TestQRReassemblerDiscardsMismatchedMsgId(t *testing.T) {
	r := NewQRReassembler()
	if err := r.AddFragment("ur:cashu-token/1-2/aaaa/6162"); err != nil {
		t.Fatalf("AddFragment: %v", err)
	}
	if err := r.AddFragment("ur:cashu-token/1-1/bbbb/6364"); err != nil {
		t.Fatalf("AddFragment for mismatched msg_id should not error: %v", err)
	}
	if r.Complete() {
		t.Fatal("mismatched msg_id fragment must not count toward completion")
	}
	if err := r.AddFragment("ur:cashu-token/2-2/aaaa/6364"); err != nil {
		t.Fatalf("AddFragment: %v", err)
	}
	if !r.Complete() {
		t.Fatal("expected completion once both fragments of the pinned msg_id arrive")
	}
}

func TestQRReassemblerRejectsMalformedFrame(t *testing.T) {
	r := NewQRReassembler()
	if err := r.AddFragment("not-a-ur-frame"); err == nil {
		t.Fatal("expected an error for a frame missing the ur:cashu-token/ prefix")
	}
	if err := r.AddFragment("ur:cashu-token/bad-index/aaaa/6162"); err == nil {
		t.Fatal("expected an error for a non-numeric index field")
	}
}
