package schema

// Builtin returns a registry pre-loaded with the warehouse entities this
// service syncs. One descriptor per destination table; the unique key and
// the identity/mutable split mirror the warehouse constraints.
//
// Edge cases:
//   - order_items and variants carry foreign-key checks so that orphaned
//     child rows are dropped (and counted) instead of failing the batch.
//   - inventory is keyed on (sku, source) because the same SKU exists in
//     more than one fulfillment platform.
func Builtin() *Registry {
	r := NewRegistry()
	for _, e := range builtinEntities() {
		// Builtins are validated by tests; a registration failure here is a
		// programming error, so fail fast.
		if err := r.Register(e); err != nil {
			panic(err)
		}
	}
	return r
}

func builtinEntities() []Entity {
	return []Entity{
		{
			Name:      "orders",
			Table:     "orders",
			UniqueKey: []string{"order_id"},
			Columns: []Column{
				{Name: "order_id", Type: "text"},
				{Name: "source", Type: "text"},
				{Name: "purchase_date", Type: "timestamptz"},
				{Name: "status", Type: "text", Nullable: true},
				{Name: "customer_id", Type: "text", Nullable: true},
				{Name: "total", Type: "numeric(12,2)", Nullable: true},
				{Name: "currency", Type: "text", Nullable: true},
				{Name: "marketplace_id", Type: "text", Nullable: true},
				{Name: "first_seen_at", Type: "timestamptz", Nullable: true},
			},
			Identity: []string{"first_seen_at"},
			Required: []string{"source", "purchase_date"},
		},
		{
			Name:      "order_items",
			Table:     "order_items",
			UniqueKey: []string{"order_id", "sku"},
			Columns: []Column{
				{Name: "order_id", Type: "text"},
				{Name: "sku", Type: "text"},
				{Name: "asin", Type: "text", Nullable: true},
				{Name: "qty", Type: "integer"},
				{Name: "price", Type: "numeric(12,2)", Nullable: true},
				{Name: "tax", Type: "numeric(12,2)", Nullable: true},
				{Name: "fee_estimate", Type: "numeric(12,2)", Nullable: true},
			},
			Required:    []string{"qty"},
			ForeignKeys: []ForeignKey{{Column: "order_id", References: "orders"}},
		},
		{
			Name:      "inventory",
			Table:     "inventory",
			UniqueKey: []string{"sku", "source"},
			Columns: []Column{
				{Name: "sku", Type: "text"},
				{Name: "source", Type: "text"},
				{Name: "quantity_on_hand", Type: "integer", Nullable: true},
				{Name: "quantity_available", Type: "integer", Nullable: true},
				{Name: "quantity_reserved", Type: "integer", Nullable: true},
				{Name: "quantity_incoming", Type: "integer", Nullable: true},
				{Name: "fulfillment_center", Type: "text", Nullable: true},
				{Name: "last_updated", Type: "timestamptz", Nullable: true},
			},
		},
		{
			Name:      "invoices",
			Table:     "invoices",
			UniqueKey: []string{"invoice_id"},
			Columns: []Column{
				{Name: "invoice_id", Type: "text"},
				{Name: "source", Type: "text"},
				{Name: "reference", Type: "text", Nullable: true},
				{Name: "contact_id", Type: "text", Nullable: true},
				{Name: "dated_on", Type: "timestamptz", Nullable: true},
				{Name: "due_on", Type: "timestamptz", Nullable: true},
				{Name: "amount", Type: "numeric(12,2)", Nullable: true},
				{Name: "currency", Type: "text", Nullable: true},
				{Name: "invoice_status", Type: "text", Nullable: true},
				{Name: "first_seen_at", Type: "timestamptz", Nullable: true},
			},
			Identity: []string{"first_seen_at"},
			Required: []string{"source"},
		},
		{
			Name:      "contacts",
			Table:     "contacts",
			UniqueKey: []string{"contact_id"},
			Columns: []Column{
				{Name: "contact_id", Type: "text"},
				{Name: "organisation_name", Type: "text", Nullable: true},
				{Name: "first_name", Type: "text", Nullable: true},
				{Name: "last_name", Type: "text", Nullable: true},
				{Name: "email", Type: "text", Nullable: true},
				{Name: "phone_number", Type: "text", Nullable: true},
				{Name: "contact_type", Type: "text", Nullable: true},
				{Name: "account_balance", Type: "numeric(12,2)", Nullable: true},
				{Name: "updated_at_api", Type: "timestamptz", Nullable: true},
			},
		},
		{
			Name:      "products",
			Table:     "products",
			UniqueKey: []string{"product_id"},
			Columns: []Column{
				{Name: "product_id", Type: "text"},
				{Name: "title", Type: "text", Nullable: true},
				{Name: "vendor", Type: "text", Nullable: true},
				{Name: "product_type", Type: "text", Nullable: true},
				{Name: "created_at", Type: "timestamptz", Nullable: true},
				{Name: "updated_at", Type: "timestamptz", Nullable: true},
			},
			Identity: []string{"created_at"},
		},
		{
			Name:      "variants",
			Table:     "variants",
			UniqueKey: []string{"variant_id"},
			Columns: []Column{
				{Name: "variant_id", Type: "text"},
				{Name: "product_id", Type: "text"},
				{Name: "sku", Type: "text", Nullable: true},
				{Name: "price", Type: "numeric(12,2)", Nullable: true},
				{Name: "inventory_item_id", Type: "text", Nullable: true},
				{Name: "created_at", Type: "timestamptz", Nullable: true},
				{Name: "updated_at", Type: "timestamptz", Nullable: true},
			},
			Identity:    []string{"created_at"},
			Required:    []string{"product_id"},
			ForeignKeys: []ForeignKey{{Column: "product_id", References: "products"}},
		},
		{
			Name:      "customers",
			Table:     "customers",
			UniqueKey: []string{"customer_id"},
			Columns: []Column{
				{Name: "customer_id", Type: "text"},
				{Name: "email", Type: "text", Nullable: true},
				{Name: "first_name", Type: "text", Nullable: true},
				{Name: "last_name", Type: "text", Nullable: true},
				{Name: "total_spent", Type: "numeric(12,2)", Nullable: true},
				{Name: "orders_count", Type: "integer", Nullable: true},
				{Name: "state", Type: "text", Nullable: true},
				{Name: "tags", Type: "text", Nullable: true},
				{Name: "created_at", Type: "timestamptz", Nullable: true},
				{Name: "updated_at", Type: "timestamptz", Nullable: true},
			},
			Identity: []string{"created_at"},
		},
	}
}
