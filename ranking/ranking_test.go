package ranking

import (
	"bytes"
	"testing"

	"github.com/carfigures/carfigures/structs"
	"github.com/google/go-cmp/cmp"
)

func guilds() []*structs.Guild {
	return []*structs.Guild{
		{ID: 1, Name: "A", MemberCount: 50},
		{ID: 2, Name: "B", MemberCount: 200},
		{ID: 3, Name: "C", MemberCount: 10},
	}
}

func TestTop(t *testing.T) {
	for _, tc := range []struct {
		name string
		n    int
		want []Entry
	}{
		{
			name: "two",
			n:    2,
			want: []Entry{{Rank: 1, Name: "B", MemberCount: 200}, {Rank: 2, Name: "A", MemberCount: 50}},
		},
		{
			name: "more than known",
			n:    10,
			want: []Entry{{Rank: 1, Name: "B", MemberCount: 200}, {Rank: 2, Name: "A", MemberCount: 50}, {Rank: 3, Name: "C", MemberCount: 10}},
		},
		{
			name: "zero",
			n:    0,
			want: []Entry{},
		},
		{
			name: "negative",
			n:    -1,
			want: []Entry{},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, Top(guilds(), tc.n)); diff != "" {
				t.Errorf("Top mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTopIsStableAndPure(t *testing.T) {
	input := []*structs.Guild{
		{Name: "first", MemberCount: 5},
		{Name: "second", MemberCount: 5},
		{Name: "big", MemberCount: 9},
	}
	got := Top(input, 3)
	want := []string{"big", "first", "second"}
	for i, entry := range got {
		if entry.Name != want[i] {
			t.Errorf("position %d got %q, want %q", i, entry.Name, want[i])
		}
	}
	if input[0].Name != "first" || input[2].Name != "big" {
		t.Errorf("Top reordered its input")
	}
}

func TestRender(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := Render(buf, 2, Top(guilds(), 2)); err != nil {
		t.Fatal(err)
	}
	want := "Top 2 Servers\n**B** - 200 members\n**A** - 50 members\n"
	if got := buf.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
