package generation

import (
	"io/ioutil"
	"log"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testLogger() *log.Logger {
	return log.New(ioutil.Discard, "", 0)
}

func TestParseCurrentGeneration(t *testing.T) {
	gens, err := Parse("42 2024-01-01 12:00:00 (current)", "h1", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	want := List{{ID: 42, Current: true, DateTime: "2024-01-01 12:00:00"}}
	if diff := cmp.Diff(want, gens); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseNonCurrentGeneration(t *testing.T) {
	gens, err := Parse("41 2023-12-31 11:00:00", "h1", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	want := List{{ID: 41, Current: false, DateTime: "2023-12-31 11:00:00"}}
	if diff := cmp.Diff(want, gens); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestCurrentRejectsTwoMarked(t *testing.T) {
	gens, err := Parse("40 2023-01-01 00:00:00 (current)\n41 2023-02-01 00:00:00 (current)", "h1", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gens.Current("h1"); err == nil {
		t.Fatal("expected MalformedListing, got nil")
	} else if _, ok := err.(*MalformedListing); !ok {
		t.Fatalf("expected *MalformedListing, got %T: %v", err, err)
	}
}

func TestCurrentRejectsZeroMarked(t *testing.T) {
	gens, err := Parse("40 2023-01-01 00:00:00\n41 2023-02-01 00:00:00", "h1", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gens.Current("h1"); err == nil {
		t.Fatal("expected NoCurrentGeneration, got nil")
	} else if _, ok := err.(*NoCurrentGeneration); !ok {
		t.Fatalf("expected *NoCurrentGeneration, got %T: %v", err, err)
	}
}

func TestParseSkipsNonNumericID(t *testing.T) {
	gens, err := Parse("abc 2023-01-01 00:00:00\n41 2023-02-01 00:00:00 (current)", "h1", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(gens) != 1 {
		t.Fatalf("expected 1 valid generation, got %d: %+v", len(gens), gens)
	}
	got, err := gens.Current("h1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != 41 {
		t.Fatalf("got generation %d, want 41", got.ID)
	}
}

func TestParseSkipsUnknownTrailingToken(t *testing.T) {
	gens, err := Parse("41 2023-02-01 00:00:00 (bogus)\n42 2023-03-01 00:00:00 (current)", "h1", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(gens) != 1 || gens[0].ID != 42 {
		t.Fatalf("expected only generation 42 to survive, got %+v", gens)
	}
}

func TestParseAcceptsExtraTrailingTokens(t *testing.T) {
	gens, err := Parse("41 2023-02-01 00:00:00 (current) extra-garbage", "h1", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(gens) != 1 || !gens[0].Current {
		t.Fatalf("expected one current generation despite trailing garbage, got %+v", gens)
	}
}
