package importer

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SuggestTitle derives a document title from a file name: the extension is
// dropped, underscores and dashes become spaces, and runs of whitespace
// collapse. An unusable name yields "Untitled".
func SuggestTitle(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.Map(func(r rune) rune {
		if r == '_' || r == '-' {
			return ' '
		}
		return r
	}, name)
	name = strings.Join(strings.Fields(name), " ")
	if name == "" || name == "." {
		return "Untitled"
	}
	return name
}

// DisambiguateTitles appends " 2", " 3", ... to titles that repeat earlier
// ones in the slice, comparing case-insensitively. The input is not modified.
func DisambiguateTitles(titles []string) []string {
	out := make([]string, len(titles))
	used := make(map[string]struct{}, len(titles))
	for i, title := range titles {
		out[i] = uniqueTitle(title, used)
	}
	return out
}

// uniqueTitle returns title, or the first numbered variant not in used, and
// records the result.
func uniqueTitle(title string, used map[string]struct{}) string {
	candidate := title
	for n := 2; ; n++ {
		if _, taken := used[strings.ToLower(candidate)]; !taken {
			break
		}
		candidate = fmt.Sprintf("%s %d", title, n)
	}
	used[strings.ToLower(candidate)] = struct{}{}
	return candidate
}

// fillTitles suggests titles for items that have none. Caller-supplied
// titles are kept as given; suggested ones are numbered around them and
// around each other.
func fillTitles(items []Item) []Item {
	out := make([]Item, len(items))
	copy(out, items)
	used := make(map[string]struct{}, len(items))
	for _, it := range out {
		if it.Title != "" {
			used[strings.ToLower(it.Title)] = struct{}{}
		}
	}
	for i := range out {
		if out[i].Title == "" {
			out[i].Title = uniqueTitle(SuggestTitle(out[i].SourcePath), used)
		}
	}
	return out
}

// ItemsFromPaths builds import items with suggested, de-duplicated titles.
func ItemsFromPaths(paths []string) []Item {
	titles := make([]string, len(paths))
	for i, p := range paths {
		titles[i] = SuggestTitle(p)
	}
	titles = DisambiguateTitles(titles)

	items := make([]Item, len(paths))
	for i, p := range paths {
		items[i] = Item{SourcePath: p, Title: titles[i]}
	}
	return items
}
