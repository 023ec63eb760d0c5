package domain

type ProductStatus string

const (
	ProductStatusDraft    ProductStatus = "draft"
	ProductStatusActive   ProductStatus = "active"
	ProductStatusArchived ProductStatus = "archived"
)

type Product struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Slug        string        `json:"slug"`
	Description string        `json:"description"`
	PriceCents  int64         `json:"price_cents"`
	Category    string        `json:"category"`
	Status      ProductStatus `json:"status"`
	Images      []string      `json:"images"`
}

func (p Product) Purchasable() bool {
	return p.Status == ProductStatusActive
}
