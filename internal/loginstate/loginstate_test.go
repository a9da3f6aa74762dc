package loginstate

import "github.com/openbbs/logind/internal/terminput"

import "testing"

func typeString(ctx *Context, s string) {
	for _, r := range []byte(s) {
		Handle(ctx, terminput.Event{Key: terminput.KeyPrintable, Rune: r})
	}
}

func TestUseridTypeAndEnter(t *testing.T) {
	ctx := NewContext("127.0.0.1", 23)
	typeString(ctx, "alice")
	res := Handle(ctx, terminput.Event{Key: terminput.KeyEnter})
	if res.Action != ActionPromptPasswd {
		t.Fatalf("expected ActionPromptPasswd, got %v", res.Action)
	}
	if ctx.State != StatePasswd {
		t.Fatalf("expected StatePasswd, got %v", ctx.State)
	}
	if ctx.Userid() != "alice" {
		t.Fatalf("expected userid 'alice', got %q", ctx.Userid())
	}
	if ctx.Encoding != EncodingDefault {
		t.Fatalf("expected default encoding, got %v", ctx.Encoding)
	}
}

func TestUseridEncodingTrailingDot(t *testing.T) {
	ctx := NewContext("127.0.0.1", 23)
	typeString(ctx, "bob.")
	Handle(ctx, terminput.Event{Key: terminput.KeyEnter})
	if ctx.Encoding != EncodingGB {
		t.Fatalf("expected GB encoding, got %v", ctx.Encoding)
	}
	if ctx.Userid() != "bob" {
		t.Fatalf("expected trailing '.' stripped, got %q", ctx.Userid())
	}
}

func TestUseridEncodingTrailingComma(t *testing.T) {
	ctx := NewContext("127.0.0.1", 23)
	typeString(ctx, "bob,")
	Handle(ctx, terminput.Event{Key: terminput.KeyEnter})
	if ctx.Encoding != EncodingUTF8 {
		t.Fatalf("expected UTF8 encoding, got %v", ctx.Encoding)
	}
	if ctx.Userid() != "bob" {
		t.Fatalf("expected trailing ',' stripped, got %q", ctx.Userid())
	}
}

func TestUseridEncodingLastCharWinsOnAmbiguity(t *testing.T) {
	// Open question (a): order is undefined in general, but the last
	// character deterministically wins.
	ctx := NewContext("127.0.0.1", 23)
	typeString(ctx, "bob,.")
	Handle(ctx, terminput.Event{Key: terminput.KeyEnter})
	if ctx.Encoding != EncodingGB {
		t.Fatalf("expected last-char '.' to select GB, got %v", ctx.Encoding)
	}
	if ctx.Userid() != "bob," {
		t.Fatalf("expected only trailing '.' stripped, got %q", ctx.Userid())
	}
}

func TestUseridBackspaceAtColumnZeroBeeps(t *testing.T) {
	ctx := NewContext("127.0.0.1", 23)
	res := Handle(ctx, terminput.Event{Key: terminput.KeyBS})
	if res.Action != ActionBeep {
		t.Fatalf("expected ActionBeep, got %v", res.Action)
	}
}

func TestUseridBackspaceAtEndIsSimpleBS(t *testing.T) {
	ctx := NewContext("127.0.0.1", 23)
	typeString(ctx, "ab")
	res := Handle(ctx, terminput.Event{Key: terminput.KeyBS})
	if res.Action != ActionBS {
		t.Fatalf("expected ActionBS, got %v", res.Action)
	}
	if ctx.Userid() != "a" {
		t.Fatalf("expected 'a' after backspace, got %q", ctx.Userid())
	}
}

func TestUseridBackspaceMidBufferRedraws(t *testing.T) {
	ctx := NewContext("127.0.0.1", 23)
	typeString(ctx, "abc")
	ctx.Cursor = 1
	res := Handle(ctx, terminput.Event{Key: terminput.KeyBS})
	if res.Action != ActionRedrawUserid {
		t.Fatalf("expected ActionRedrawUserid, got %v", res.Action)
	}
	if ctx.Userid() != "bc" {
		t.Fatalf("expected 'bc', got %q", ctx.Userid())
	}
}

func TestUseridCapacityRejectsFurtherInsertion(t *testing.T) {
	ctx := NewContext("127.0.0.1", 23)
	for i := 0; i < IdMax; i++ {
		typeString(ctx, "a")
	}
	res := Handle(ctx, terminput.Event{Key: terminput.KeyPrintable, Rune: 'x'})
	if res.Action != ActionBeep {
		t.Fatalf("expected ActionBeep at capacity, got %v", res.Action)
	}
	// BS and ENTER must still be accepted at capacity.
	res = Handle(ctx, terminput.Event{Key: terminput.KeyBS})
	if res.Action != ActionBS {
		t.Fatalf("expected ActionBS to be accepted at capacity, got %v", res.Action)
	}
	typeString(ctx, "a")
	res = Handle(ctx, terminput.Event{Key: terminput.KeyEnter})
	if res.Action != ActionPromptPasswd {
		t.Fatalf("expected ENTER to be accepted at capacity, got %v", res.Action)
	}
}

func TestUseridSpaceRejected(t *testing.T) {
	ctx := NewContext("127.0.0.1", 23)
	res := Handle(ctx, terminput.Event{Key: terminput.KeyPrintable, Rune: ' '})
	if res.Action != ActionBeep {
		t.Fatalf("expected ActionBeep for space, got %v", res.Action)
	}
}

func TestPasswdFlow(t *testing.T) {
	ctx := NewContext("127.0.0.1", 23)
	typeString(ctx, "alice")
	Handle(ctx, terminput.Event{Key: terminput.KeyEnter})

	typeString(ctx, "secret")
	res := Handle(ctx, terminput.Event{Key: terminput.KeyEnter})
	if res.Action != ActionStartAuth {
		t.Fatalf("expected ActionStartAuth, got %v", res.Action)
	}
	if ctx.State != StateAuth {
		t.Fatalf("expected StateAuth, got %v", ctx.State)
	}
	if ctx.Passwd() != "secret" {
		t.Fatalf("expected passwd 'secret', got %q", ctx.Passwd())
	}
}

func TestPasswdEmptyStillStartsAuth(t *testing.T) {
	ctx := NewContext("127.0.0.1", 23)
	typeString(ctx, "alice")
	Handle(ctx, terminput.Event{Key: terminput.KeyEnter})
	res := Handle(ctx, terminput.Event{Key: terminput.KeyEnter})
	if res.Action != ActionStartAuth {
		t.Fatalf("expected ActionStartAuth even with empty password, got %v", res.Action)
	}
}

func TestPasswdBackspaceEmptyBeeps(t *testing.T) {
	ctx := NewContext("127.0.0.1", 23)
	typeString(ctx, "alice")
	Handle(ctx, terminput.Event{Key: terminput.KeyEnter})
	res := Handle(ctx, terminput.Event{Key: terminput.KeyBS})
	if res.Action != ActionBeep {
		t.Fatalf("expected ActionBeep for backspace on empty password, got %v", res.Action)
	}
}

func TestResetForRetryPreservesConnectionMetadata(t *testing.T) {
	ctx := NewContext("10.0.0.1", 23)
	ctx.ClientCode = 0xdeadbeef
	ctx.TermRows, ctx.TermCols = 24, 80
	typeString(ctx, "alice")
	Handle(ctx, terminput.Event{Key: terminput.KeyEnter})
	typeString(ctx, "wrong")
	Handle(ctx, terminput.Event{Key: terminput.KeyEnter})

	ctx.ResetForRetry()

	if ctx.State != StateStart {
		t.Fatalf("expected StateStart after retry reset, got %v", ctx.State)
	}
	if ctx.Userid() != "" || ctx.Passwd() != "" || ctx.Cursor != 0 {
		t.Fatalf("expected buffers cleared, got userid=%q passwd=%q cursor=%d", ctx.Userid(), ctx.Passwd(), ctx.Cursor)
	}
	if ctx.HostIP != "10.0.0.1" || ctx.ClientCode != 0xdeadbeef || ctx.TermRows != 24 || ctx.TermCols != 80 {
		t.Fatalf("expected connection metadata preserved across retry reset")
	}
}
