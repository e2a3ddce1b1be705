package httpapi

// Product is one entry of the items listing.
type Product struct {
	ID          string
	Name        string
	Description string
	Price       float64
}

// defaultCatalog lists the handmade goods shown on the landing page.
func defaultCatalog() []Product {
	return []Product{
		{ID: "tote-woven", Name: "Woven Tote", Description: "Hand-loomed cotton, lined", Price: 42},
		{ID: "scarf-silk", Name: "Silk Scarf", Description: "Hand-rolled edges", Price: 35.5},
		{ID: "coaster-set", Name: "Coaster Set", Description: "Four embroidered coasters", Price: 18},
		{ID: "pouch-mini", Name: "Mini Pouch", Description: "Fits keys and cards", Price: 12.75},
	}
}

// findProduct looks up a catalog entry by id.
func findProduct(catalog []Product, id string) (Product, bool) {
	for _, p := range catalog {
		if p.ID == id {
			return p, true
		}
	}
	return Product{}, false
}
