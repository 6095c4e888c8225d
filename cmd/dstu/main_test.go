package main

import (
	"testing"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
)

func TestBuildDeck(t *testing.T) {
	spec := &deckSpec{
		Name: "Physics",
		Notes: []noteSpec{
			{Type: "basic", Front: "F=?", Back: "ma"},
			{Front: "E=?", Back: "mc^2"}, // type defaults to basic
			{Type: "cloze", Text: "{{c1::Newton}} wrote the Principia"},
		},
	}
	deck, err := buildDeck(spec)
	if err != nil {
		t.Fatalf("buildDeck: %v", err)
	}
	if len(deck.Notes) != 3 {
		t.Fatalf("notes = %d", len(deck.Notes))
	}
	if deck.Notes[0].Model.Name != "Basic" || deck.Notes[2].Model.Name != "Cloze" {
		t.Errorf("models = %s, %s", deck.Notes[0].Model.Name, deck.Notes[2].Model.Name)
	}

	_, err = buildDeck(&deckSpec{Name: "Bad", Notes: []noteSpec{{Type: "cloze"}}})
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("cloze without text: err = %v", err)
	}
	_, err = buildDeck(&deckSpec{Name: "Bad", Notes: []noteSpec{{Type: "matrix"}}})
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("unknown type: err = %v", err)
	}
}

func TestStableIDDeterministic(t *testing.T) {
	if stableID("deck") != stableID("deck") {
		t.Error("id not stable")
	}
	if stableID("deck") == stableID("other") {
		t.Error("distinct names collide")
	}
	if stableID("deck") < 0 {
		t.Error("id must be positive")
	}
}

func TestMimeForExt(t *testing.T) {
	cases := map[string]string{
		".md":  "text/plain",
		".PDF": "application/pdf",
		".bin": "application/octet-stream",
	}
	for ext, want := range cases {
		if got := mimeForExt(ext); got != want {
			t.Errorf("mimeForExt(%q) = %q, want %q", ext, got, want)
		}
	}
}
