package codec_test

import (
	"testing"

	"github.com/vokalis/vokalis/internal/codec"
)

func connectedAdv() codec.Advertisement {
	return codec.Advertisement{
		Connected:   true,
		Alpha:       codec.BitstreamAlpha,
		Beta:        codec.BitstreamBeta,
		PreferAlpha: true,
	}
}

func TestSelectOpusWhenAdvertised(t *testing.T) {
	adv := connectedAdv()
	adv.Opus = true
	if got := codec.Select(codec.None, false, adv, false); got != codec.Opus {
		t.Fatalf("got %v, want opus", got)
	}
}

func TestSelectOpusForLocalLoopback(t *testing.T) {
	adv := connectedAdv()
	if got := codec.Select(codec.None, false, adv, true); got != codec.Opus {
		t.Fatalf("got %v, want opus in local loopback", got)
	}
}

func TestSelectOpusWithoutSession(t *testing.T) {
	if got := codec.Select(codec.None, false, codec.Advertisement{}, false); got != codec.Opus {
		t.Fatalf("got %v, want opus without a session", got)
	}
}

func TestSelectPreferredCelt(t *testing.T) {
	adv := connectedAdv()
	if got := codec.Select(codec.None, false, adv, false); got != codec.CeltAlpha {
		t.Fatalf("got %v, want celt-alpha (preferred)", got)
	}

	adv.PreferAlpha = false
	if got := codec.Select(codec.None, false, adv, false); got != codec.CeltBeta {
		t.Fatalf("got %v, want celt-beta (preferred)", got)
	}
}

func TestSelectFallbackCelt(t *testing.T) {
	adv := connectedAdv()
	adv.Alpha = 0 // preferred generation not negotiated
	if got := codec.Select(codec.None, false, adv, false); got != codec.CeltBeta {
		t.Fatalf("got %v, want celt-beta fallback", got)
	}
}

func TestSelectNoneWhenNothingNegotiated(t *testing.T) {
	adv := codec.Advertisement{Connected: true}
	if got := codec.Select(codec.None, false, adv, false); got != codec.None {
		t.Fatalf("got %v, want none", got)
	}
}

func TestSelectStableDuringUtterance(t *testing.T) {
	// Mid-utterance the advertisement is ignored entirely.
	adv := connectedAdv()
	adv.Opus = true
	if got := codec.Select(codec.CeltAlpha, true, adv, false); got != codec.CeltAlpha {
		t.Fatalf("got %v, want celt-alpha kept mid-utterance", got)
	}
}

func TestIDStrings(t *testing.T) {
	cases := map[codec.ID]string{
		codec.None:      "none",
		codec.Opus:      "opus",
		codec.CeltAlpha: "celt-alpha",
		codec.CeltBeta:  "celt-beta",
	}
	for id, want := range cases {
		if got := id.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", id, got, want)
		}
	}
	if codec.Opus.IsCelt() {
		t.Error("opus reported as celt")
	}
	if !codec.CeltBeta.IsCelt() {
		t.Error("celt-beta not reported as celt")
	}
}
