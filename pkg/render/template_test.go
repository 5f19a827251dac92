package render

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSubstituteAllSpellings(t *testing.T) {
	in := `<p>{{ClaimNumber}}|{ClaimNumber}|{{ ClaimNumber }}|{ ClaimNumber }|{{PolicyNumber}}</p>`
	got := Substitute(in, map[string]string{"ClaimNumber": "C26000099"})
	want := `<p>C26000099|C26000099|C26000099|C26000099|{{PolicyNumber}}</p>`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestSubstituteIsLiteralAndCaseSensitive(t *testing.T) {
	in := `{claimnumber} {InsuredName}`
	got := Substitute(in, map[string]string{"ClaimNumber": "x", "InsuredName": "<b>A & B</b>"})
	if got != `{claimnumber} <b>A & B</b>` {
		t.Fatalf("got %q", got)
	}
}

func TestLoadTemplateDecodesWindows1252(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.html")
	// 0x93/0x94 are curly quotes and 0xE9 is e-acute in cp1252.
	if err := os.WriteFile(path, []byte{'<', 'p', '>', 0x93, 'R', 0xE9, 0x94, '<', '/', 'p', '>'}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := LoadTemplate(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != "<p>“Ré”</p>" {
		t.Fatalf("got %q", got)
	}
}

func TestLoadTemplateMissing(t *testing.T) {
	_, err := LoadTemplate(filepath.Join(t.TempDir(), "nope.html"))
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestPlaceholders(t *testing.T) {
	in := `Dear {{ AddresseeName }}, re {ClaimNumber} / {{ClaimNumber}} on {LossDate}. {not a key} {{9bad}}`
	got := Placeholders(in)
	want := []string{"AddresseeName", "ClaimNumber", "LossDate"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestValidateHTML(t *testing.T) {
	if err := ValidateHTML("<html><body><p>Hi</p></body></html>"); err != nil {
		t.Fatalf("valid doc rejected: %v", err)
	}
	if err := ValidateHTML("plain words"); err != nil {
		t.Fatalf("text body rejected: %v", err)
	}
	for _, bad := range []string{"", "   ", "<!-- only a comment -->", "<html><head><title>x</title></head></html>"} {
		if err := ValidateHTML(bad); !errors.Is(err, ErrInvalidHTML) {
			t.Fatalf("%q: expected ErrInvalidHTML, got %v", bad, err)
		}
	}
}
