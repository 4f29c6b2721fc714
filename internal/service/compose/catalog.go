package compose

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Product is one entry of the product catalog.
type Product struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Category string   `yaml:"category"`
	Aliases  []string `yaml:"aliases"`
}

type catalogFile struct {
	Products []Product `yaml:"products"`
}

type matcher struct {
	re      *regexp.Regexp
	product *Product
}

// Catalog holds all products plus the subset with unique display names.
type Catalog struct {
	all      []Product
	byID     map[string]*Product
	unique   map[string]*Product
	matchers []matcher
}

// LoadCatalog reads a YAML catalog. An empty path yields an empty catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read product catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product catalog: %w", err)
	}
	for i, p := range f.Products {
		if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Name) == "" {
			return nil, fmt.Errorf("product %d: id and name are required", i)
		}
	}
	return NewCatalog(f.Products), nil
}

// NewCatalog indexes products. Names shared by several products are kept in
// All but excluded from Unique and from query matching.
func NewCatalog(products []Product) *Catalog {
	c := &Catalog{
		all:    products,
		byID:   make(map[string]*Product, len(products)),
		unique: make(map[string]*Product, len(products)),
	}
	counts := make(map[string]int)
	for i := range c.all {
		p := &c.all[i]
		c.byID[p.ID] = p
		for _, name := range p.names() {
			counts[strings.ToLower(name)]++
		}
	}
	for i := range c.all {
		p := &c.all[i]
		for _, name := range p.names() {
			key := strings.ToLower(name)
			if counts[key] == 1 {
				c.unique[key] = p
			}
		}
	}

	keys := make([]string, 0, len(c.unique))
	for k := range c.unique {
		keys = append(keys, k)
	}
	// Longest names first so "widget pro" wins over "widget".
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		c.matchers = append(c.matchers, matcher{
			re:      regexp.MustCompile(`(?i)` + boundary(k[:1]) + regexp.QuoteMeta(k) + boundary(k[len(k)-1:])),
			product: c.unique[k],
		})
	}
	return c
}

var wordChar = regexp.MustCompile(`^\w$`)

func boundary(edge string) string {
	if wordChar.MatchString(edge) {
		return `\b`
	}
	return ""
}

func (p *Product) names() []string {
	out := make([]string, 0, 1+len(p.Aliases))
	for _, n := range append([]string{p.Name}, p.Aliases...) {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// All returns every product in file order.
func (c *Catalog) All() []Product {
	return c.all
}

// Unique returns the products reachable through an unambiguous name.
func (c *Catalog) Unique() []Product {
	seen := make(map[string]bool)
	var out []Product
	for _, p := range c.all {
		for _, name := range p.names() {
			if c.unique[strings.ToLower(name)] != nil && !seen[p.ID] {
				seen[p.ID] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// Lookup finds a product by id.
func (c *Catalog) Lookup(id string) (Product, bool) {
	if c == nil {
		return Product{}, false
	}
	p, ok := c.byID[id]
	if !ok {
		return Product{}, false
	}
	return *p, true
}

// Mentions returns the products named in text, in order of first appearance.
func (c *Catalog) Mentions(text string) []Product {
	if c == nil {
		return nil
	}
	type hit struct {
		pos     int
		product *Product
	}
	var hits []hit
	seen := make(map[string]bool)
	taken := make([]bool, len(text))
	for _, m := range c.matchers {
		for _, loc := range m.re.FindAllStringIndex(text, -1) {
			if taken[loc[0]] {
				continue
			}
			for i := loc[0]; i < loc[1]; i++ {
				taken[i] = true
			}
			if !seen[m.product.ID] {
				seen[m.product.ID] = true
				hits = append(hits, hit{pos: loc[0], product: m.product})
			}
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	out := make([]Product, 0, len(hits))
	for _, h := range hits {
		out = append(out, *h.product)
	}
	return out
}

// PrepareQuery turns a working language question into the query sent to the
// knowledge graph. Product names and aliases found in the question are
// resolved to their catalog entries and appended as a hint.
func PrepareQuery(query string, catalog *Catalog) string {
	query = strings.TrimSpace(query)
	mentioned := catalog.Mentions(query)
	if len(mentioned) == 0 {
		return query
	}
	parts := make([]string, 0, len(mentioned))
	for _, p := range mentioned {
		label := fmt.Sprintf("%s (id %s", p.Name, p.ID)
		if p.Category != "" {
			label += ", category " + p.Category
		}
		parts = append(parts, label+")")
	}
	return query + "\n\nProducts referenced: " + strings.Join(parts, "; ")
}
