package migration

import (
	"cmp"
	"slices"
	"sync"
)

// Catalog is the registry of all known migration definitions. It is the only
// source for numbering and validation, regardless of where the definitions
// are stored.
type Catalog struct {
	mx   sync.RWMutex
	defs []*Definition
}

// NewCatalog returns a catalog with the given definitions registered.
func NewCatalog(defs ...*Definition) *Catalog {
	c := &Catalog{}
	c.Register(defs...)
	return c
}

// Register adds definitions to the catalog. Definitions without an ID get
// one derived from their number and description, and definitions without a
// checksum get one derived from their ID.
//
// Register doesn't reject invalid definitions. They are reported together by
// Validate.
func (c *Catalog) Register(defs ...*Definition) {
	c.mx.Lock()
	defer c.mx.Unlock()

	for _, d := range defs {
		if d.ID == "" {
			d.ID = FormatID(d.Number, d.Description)
		}
		if d.Checksum == "" {
			d.Checksum = Checksum([]byte(d.ID))
		}
		c.defs = append(c.defs, d)
	}
}

// Definitions returns all definitions in registration order.
func (c *Catalog) Definitions() []*Definition {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return slices.Clone(c.defs)
}

// Sorted returns all definitions in ascending numeric order. Definitions with
// the same number are ordered by ID.
func (c *Catalog) Sorted() []*Definition {
	defs := c.Definitions()
	sortDefinitions(defs, Up)
	return defs
}

// Numbers returns the numbers of all definitions.
func (c *Catalog) Numbers() []int {
	c.mx.RLock()
	defer c.mx.RUnlock()

	nums := make([]int, 0, len(c.defs))
	for _, d := range c.defs {
		nums = append(nums, d.Number)
	}
	return nums
}

// Lookup returns the definition with the given ID.
func (c *Catalog) Lookup(id string) (*Definition, bool) {
	c.mx.RLock()
	defer c.mx.RUnlock()

	for _, d := range c.defs {
		if d.ID == id {
			return d, true
		}
	}
	return nil, false
}

// Len returns the number of registered definitions.
func (c *Catalog) Len() int {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return len(c.defs)
}

// sortDefinitions sorts numerically, ascending for Up and descending for Down.
// Never by discovery or lexical order, which breaks past a fixed digit width.
func sortDefinitions(defs []*Definition, dir Direction) {
	slices.SortStableFunc(defs, func(a, b *Definition) int {
		if a.Number != b.Number {
			if dir == Down {
				return cmp.Compare(b.Number, a.Number)
			}
			return cmp.Compare(a.Number, b.Number)
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
