// Package ranking orders guilds by size.
package ranking

import (
	"fmt"
	"io"
	"sort"

	"github.com/carfigures/carfigures/structs"
)

type Entry struct {
	Rank        int
	Name        string
	MemberCount int
}

// Top returns the n largest guilds, largest first. Guilds of equal size
// keep their input order. n <= 0 gives no entries.
func Top(guilds []*structs.Guild, n int) []Entry {
	if n <= 0 {
		return []Entry{}
	}
	sorted := make([]*structs.Guild, len(guilds))
	copy(sorted, guilds)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MemberCount > sorted[j].MemberCount
	})
	if n > len(sorted) {
		n = len(sorted)
	}
	result := make([]Entry, n)
	for i, guild := range sorted[:n] {
		result[i] = Entry{
			Rank:        i + 1,
			Name:        guild.Name,
			MemberCount: guild.MemberCount,
		}
	}
	return result
}

// Render writes the ranking under a title naming the requested amount.
func Render(w io.Writer, requested int, entries []Entry) error {
	if _, err := fmt.Fprintf(w, "Top %d Servers\n", requested); err != nil {
		return err
	}
	for _, entry := range entries {
		if _, err := fmt.Fprintf(w, "**%s** - %d members\n", entry.Name, entry.MemberCount); err != nil {
			return err
		}
	}
	return nil
}
