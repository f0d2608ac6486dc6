package subscription

import (
	"errors"
	"fmt"
)

var ErrInvalidPlan = errors.New("invalid plan")

// Catalog is the immutable list of purchasable plans.
type Catalog struct {
	plans []Plan
	byID  map[string]Plan
}

func NewCatalog(plans []Plan) (*Catalog, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("%w: catalog is empty", ErrInvalidPlan)
	}

	c := &Catalog{
		plans: make([]Plan, 0, len(plans)),
		byID:  make(map[string]Plan, len(plans)),
	}
	for _, p := range plans {
		if p.ID == "" {
			return nil, fmt.Errorf("%w: empty id", ErrInvalidPlan)
		}
		if !p.FiatPrice.IsPositive() {
			return nil, fmt.Errorf("%w: %s has non-positive price", ErrInvalidPlan, p.ID)
		}
		if p.DurationDays <= 0 {
			return nil, fmt.Errorf("%w: %s has non-positive duration", ErrInvalidPlan, p.ID)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidPlan, p.ID)
		}
		c.byID[p.ID] = p
		c.plans = append(c.plans, p)
	}
	return c, nil
}

// List returns the plans in catalog order.
func (c *Catalog) List() []Plan {
	out := make([]Plan, len(c.plans))
	copy(out, c.plans)
	return out
}

func (c *Catalog) Get(id string) (Plan, bool) {
	p, ok := c.byID[id]
	return p, ok
}
