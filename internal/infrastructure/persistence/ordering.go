package persistence

import (
	"strings"

	"gorm.io/gorm/clause"
)

// journalEntryOrderColumns whitelists the order_by values accepted for
// journal entry listings
var journalEntryOrderColumns = map[string]string{
	"created_at":   "created_at",
	"updated_at":   "updated_at",
	"date":         "date",
	"entry_number": "entry_number",
	"status":       "status",
}

// journalEntryOrder builds the ORDER BY for a listing. Unknown columns fall
// back to created_at and anything but "asc" sorts descending. entry_number
// breaks ties so pages are stable.
func journalEntryOrder(orderBy, orderDir string) clause.OrderBy {
	column, ok := journalEntryOrderColumns[strings.TrimSpace(orderBy)]
	if !ok {
		column = "created_at"
	}
	desc := !strings.EqualFold(strings.TrimSpace(orderDir), "asc")

	order := clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: column}, Desc: desc},
	}}
	if column != "entry_number" {
		order.Columns = append(order.Columns, clause.OrderByColumn{
			Column: clause.Column{Name: "entry_number"}, Desc: desc,
		})
	}
	return order
}
