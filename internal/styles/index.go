package styles

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"

	"github.com/exteriorp/designex/internal/log"
)

// Recommendation describes one design suggestion for a region under a style.
type Recommendation struct {
	Color    string   `json:"color"`
	Texture  string   `json:"texture"`
	Material string   `json:"material"`
	Finish   string   `json:"finish"`
	Rating   float64  `json:"rating"`
	Keywords []string `json:"keywords"`
}

// catalog maps region type -> style name -> recommendations.
type catalog map[string]map[string][]Recommendation

// snapshot is an immutable view of the loaded catalog. Readers hold a
// snapshot for the duration of a call; Reload swaps the whole thing.
type snapshot struct {
	regions catalog
	// regionNames and styleNames are precomputed sorted views.
	regionNames []string
	styleNames  []string
}

// Index answers read-only queries against the style catalog. All methods
// are safe for concurrent use; the snapshot is replaced wholesale on
// Reload and never mutated in place.
type Index struct {
	catalogPath string
	logger      *slog.Logger
	current     atomic.Pointer[snapshot]
}

// NewIndex loads the catalog at catalogPath. A load failure does not fail
// construction: the index degrades to empty (every StyleExists call
// returns false) and the failure is logged once.
func NewIndex(catalogPath string) *Index {
	idx := &Index{
		catalogPath: catalogPath,
		logger:      log.WithComponent("styles"),
	}
	if err := idx.Reload(); err != nil {
		idx.logger.Error("style catalog load failed, serving empty index", "path", catalogPath, "error", err)
		idx.current.Store(emptySnapshot())
	}
	return idx
}

// Reload re-reads the catalog file and atomically replaces the snapshot.
// On error the previous snapshot (or the empty one) stays in place.
func (idx *Index) Reload() error {
	data, err := os.ReadFile(idx.catalogPath)
	if err != nil {
		return fmt.Errorf("read style catalog: %w", err)
	}

	var regions catalog
	if err := json.Unmarshal(data, &regions); err != nil {
		return fmt.Errorf("parse style catalog: %w", err)
	}

	snap := buildSnapshot(regions)
	idx.current.Store(snap)
	idx.logger.Info("style catalog loaded", "path", idx.catalogPath,
		"regions", len(snap.regionNames), "styles", len(snap.styleNames))
	return nil
}

// StyleExists reports whether name appears under at least one region.
func (idx *Index) StyleExists(name string) bool {
	snap := idx.current.Load()
	for _, regionMap := range snap.regions {
		if _, ok := regionMap[name]; ok {
			return true
		}
	}
	return false
}

// AllRegionTypes returns the region identifiers in sorted order.
func (idx *Index) AllRegionTypes() []string {
	return idx.current.Load().regionNames
}

// AllStyles returns the distinct style names in sorted order.
func (idx *Index) AllStyles() []string {
	return idx.current.Load().styleNames
}

// RecommendationsFor returns the recommendations for region under style.
// Unknown regions or styles yield an empty slice, never nil.
func (idx *Index) RecommendationsFor(region, style string) []Recommendation {
	snap := idx.current.Load()
	regionMap, ok := snap.regions[region]
	if !ok {
		return []Recommendation{}
	}
	recs, ok := regionMap[style]
	if !ok || recs == nil {
		return []Recommendation{}
	}
	return recs
}

func buildSnapshot(regions catalog) *snapshot {
	if regions == nil {
		regions = catalog{}
	}

	regionNames := make([]string, 0, len(regions))
	styleSet := make(map[string]struct{})
	for region, regionMap := range regions {
		regionNames = append(regionNames, region)
		for style := range regionMap {
			styleSet[style] = struct{}{}
		}
	}
	sort.Strings(regionNames)

	styleNames := make([]string, 0, len(styleSet))
	for style := range styleSet {
		styleNames = append(styleNames, style)
	}
	sort.Strings(styleNames)

	return &snapshot{
		regions:     regions,
		regionNames: regionNames,
		styleNames:  styleNames,
	}
}

func emptySnapshot() *snapshot {
	return buildSnapshot(nil)
}
