package paginate

import (
	"fmt"
	"strings"
)

// Sort selects the list ordering. Keyset paging composes with recency
// (created_at/id is monotonic) but not with distance, which reorders rows
// as the viewer moves.
type Sort string

const (
	SortRecency  Sort = "recency"
	SortDistance Sort = "distance"
)

// Coords is the viewer position attached to a fetch.
type Coords struct {
	Lat float64
	Lng float64
}

// Filters narrow a list fetch. Zero values mean "no filter".
type Filters struct {
	Category      string
	ItemType      string // "listing" or "request" for unified marketplace rows
	VerifiedOnly  bool
	Search        string
	MaxDistanceKM float64

	// Location hierarchy for request lists.
	State    string
	District string
	City     string
}

// signature folds filters, sort, and rounded coordinates into a stable
// string. Coordinates are rounded to 2 decimal places (~1.1 km) so GPS
// jitter does not fragment the cache.
func signature(f Filters, sort Sort, coords *Coords) string {
	var b strings.Builder
	fmt.Fprintf(&b, "s=%s", sort)
	if f.Category != "" {
		fmt.Fprintf(&b, "|cat=%s", f.Category)
	}
	if f.ItemType != "" {
		fmt.Fprintf(&b, "|type=%s", f.ItemType)
	}
	if f.VerifiedOnly {
		b.WriteString("|ver=1")
	}
	if f.Search != "" {
		fmt.Fprintf(&b, "|q=%s", f.Search)
	}
	if f.MaxDistanceKM > 0 {
		fmt.Fprintf(&b, "|d=%g", f.MaxDistanceKM)
	}
	if f.State != "" || f.District != "" || f.City != "" {
		fmt.Fprintf(&b, "|loc=%s/%s/%s", f.State, f.District, f.City)
	}
	if coords != nil {
		fmt.Fprintf(&b, "|lat=%.2f|lng=%.2f", coords.Lat, coords.Lng)
	} else {
		b.WriteString("|nocoords")
	}
	return b.String()
}

// PageKey is the cache key for one page of one filter/sort/location
// combination.
func PageKey(namespace string, f Filters, sort Sort, coords *Coords, page int) string {
	return fmt.Sprintf("%s%s:p%d", namespace, signature(f, sort, coords), page)
}
