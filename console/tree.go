package console

import (
	"sort"
	"strings"
	"sync/atomic"
)

// TreeEntry is one command advertised to sessions.
type TreeEntry struct {
	Name        string
	Usage       string
	Description string
	OwnerOnly   bool
	// Extension is empty for core commands.
	Extension string
}

type treeSnapshot struct {
	entries []TreeEntry
}

// Tree is the published list of commands used for help and completion.
// It only changes when rebuilt, so newly loaded extension commands are
// dispatchable before they are advertised.
type Tree struct {
	current atomic.Pointer[treeSnapshot]
}

func newTree() *Tree {
	t := &Tree{}
	t.current.Store(&treeSnapshot{})
	return t
}

func (t *Tree) publish(entries []TreeEntry) {
	sorted := append([]TreeEntry{}, entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})
	t.current.Store(&treeSnapshot{entries: sorted})
}

// Visible returns the entries the invoker may use.
func (t *Tree) Visible(owner bool) []TreeEntry {
	result := []TreeEntry{}
	for _, entry := range t.current.Load().entries {
		if owner || !entry.OwnerOnly {
			result = append(result, entry)
		}
	}
	return result
}

// Complete returns the visible command names starting with prefix.
func (t *Tree) Complete(prefix string, owner bool) []string {
	result := []string{}
	for _, entry := range t.Visible(owner) {
		if strings.HasPrefix(entry.Name, prefix) {
			result = append(result, entry.Name)
		}
	}
	return result
}
