package lang

import (
	"testing"
)

func TestEnumerator(t *testing.T) {
	for _, tt := range []struct {
		elements []string
		expected string
	}{
		{nil, ""},
		{[]string{"a"}, "a"},
		{[]string{"a", "b"}, "a and b"},
		{[]string{"a", "b", "c"}, "a, b and c"},
	} {
		if got := (Enumerator{}).Do(tt.elements...); got != tt.expected {
			t.Errorf("Do(%q) = %q, want %q", tt.elements, got, tt.expected)
		}
	}
	e := Enumerator{Pattern: "`%s`", Operator: "or"}
	if got, want := e.Do("info", "cars", "extra"), "`info`, `cars` or `extra`"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPlural(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"car", "cars"},
		{"figure", "figures"},
		{"bus", "buses"},
		{"child", "children"},
		{"sheep", "sheep"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Plural(tt.input); got != tt.expected {
				t.Errorf("Plural(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestCount(t *testing.T) {
	for _, tt := range []struct {
		n        int
		word     string
		expected string
	}{
		{1, "car", "1 car"},
		{3, "car", "3 cars"},
		{0, "cars", "0 cars"},
		{1, "members", "1 member"},
	} {
		if got := Count(tt.n, tt.word); got != tt.expected {
			t.Errorf("Count(%d, %q) = %q, want %q", tt.n, tt.word, got, tt.expected)
		}
	}
}

func TestCapitalize(t *testing.T) {
	for input, expected := range map[string]string{
		"":    "",
		"car": "Car",
		"été": "Été",
		"Car": "Car",
	} {
		if got := Capitalize(input); got != expected {
			t.Errorf("Capitalize(%q) = %q, want %q", input, got, expected)
		}
	}
}

func TestTruncate(t *testing.T) {
	for _, tt := range []struct {
		s        string
		n        int
		expected string
	}{
		{"short", 10, "short"},
		{"a long description", 9, "a long..."},
		{"abcdef", 3, "abc"},
	} {
		if got := Truncate(tt.s, tt.n); got != tt.expected {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.s, tt.n, got, tt.expected)
		}
	}
}
