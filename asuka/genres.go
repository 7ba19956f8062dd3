package asuka

import "strings"

// Genres is the catalog of theme tags an exchange may be restricted to.
// Suggestion metadata genres are matched against these case-insensitively.
var Genres = []string{
	"ACTION",
	"ADVENTURE",
	"COMEDY",
	"DRAMA",
	"ECCHI",
	"FANTASY",
	"HORROR",
	"MAHOU_SHOUJO",
	"MECHA",
	"MUSIC",
	"MYSTERY",
	"PSYCHOLOGICAL",
	"ROMANCE",
	"SCI-FI",
	"SLICE_OF_LIFE",
	"SPORTS",
	"SUPERNATURAL",
	"THRILLER",
}

// ValidGenre reports whether s names a catalog genre, ignoring case.
func ValidGenre(s string) bool {
	for _, g := range Genres {
		if strings.EqualFold(g, s) {
			return true
		}
	}
	return false
}
