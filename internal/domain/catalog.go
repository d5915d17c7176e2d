package domain

// RouteCatalog is the seeded route dataset used to answer route questions.
type RouteCatalog struct {
	Districts    []District    `json:"districts" bson:"districts"`
	BusProviders []BusProvider `json:"bus_providers" bson:"bus_providers"`
}

type District struct {
	Name           string          `json:"name" bson:"name"`
	DroppingPoints []DroppingPoint `json:"dropping_points" bson:"dropping_points"`
}

type DroppingPoint struct {
	Name  string  `json:"name" bson:"name"`
	Price float64 `json:"price,omitempty" bson:"price,omitempty"`
}

type BusProvider struct {
	Name              string   `json:"name" bson:"name"`
	CoverageDistricts []string `json:"coverage_districts" bson:"coverage_districts"`
}

// Empty reports whether the catalog holds no data at all.
func (c RouteCatalog) Empty() bool {
	return len(c.Districts) == 0 && len(c.BusProviders) == 0
}

// Merge appends districts and providers from other whose names are not
// already present. It returns the merged catalog and how many entries were added.
func (c RouteCatalog) Merge(other RouteCatalog) (RouteCatalog, int) {
	out := RouteCatalog{
		Districts:    append([]District(nil), c.Districts...),
		BusProviders: append([]BusProvider(nil), c.BusProviders...),
	}
	added := 0
	seenDistricts := make(map[string]bool, len(c.Districts))
	for _, d := range c.Districts {
		seenDistricts[d.Name] = true
	}
	for _, d := range other.Districts {
		if d.Name == "" || seenDistricts[d.Name] {
			continue
		}
		seenDistricts[d.Name] = true
		out.Districts = append(out.Districts, d)
		added++
	}
	seenProviders := make(map[string]bool, len(c.BusProviders))
	for _, p := range c.BusProviders {
		seenProviders[p.Name] = true
	}
	for _, p := range other.BusProviders {
		if p.Name == "" || seenProviders[p.Name] {
			continue
		}
		seenProviders[p.Name] = true
		out.BusProviders = append(out.BusProviders, p)
		added++
	}
	return out, added
}

// KnowledgeChunk is one retrieved passage of provider information.
type KnowledgeChunk struct {
	ID      string
	Source  string
	Content string
	Score   float64
}
