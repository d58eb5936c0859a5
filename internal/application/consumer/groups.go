package consumer

import (
	"fmt"

	"github.com/erp/ledger/internal/domain/projection"
	"github.com/erp/ledger/internal/infrastructure/scheduler"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Consumer groups, one per downstream service
const (
	GroupPayables    = "payables"
	GroupReceivables = "receivables"
	GroupInventory   = "inventory"
	GroupReporting   = "reporting"
)

// AllGroups lists every known consumer group
var AllGroups = []string{GroupPayables, GroupReceivables, GroupInventory, GroupReporting}

// Projections holds what the projectors of all groups need
type Projections struct {
	Books    projection.BookRepository
	Views    projection.EntryViewRepository
	Tasks    *scheduler.TaskQueue
	Accounts map[projection.Book]projection.AccountSet
}

// HandlerFor returns the projector that serves group
func (p Projections) HandlerFor(group string, logger *zap.Logger) (MessageHandler, error) {
	switch group {
	case GroupPayables:
		return NewBookProjector(projection.BookPayables, p.Accounts[projection.BookPayables], p.Books, logger), nil
	case GroupReceivables:
		return NewBookProjector(projection.BookReceivables, p.Accounts[projection.BookReceivables], p.Books, logger), nil
	case GroupInventory:
		return NewBookProjector(projection.BookInventory, p.Accounts[projection.BookInventory], p.Books, logger), nil
	case GroupReporting:
		return NewReportingProjector(p.Views, p.Tasks, logger), nil
	}
	return nil, fmt.Errorf("unknown consumer group %q", group)
}

// ParseAccountSet builds an account set from configured account ids
func ParseAccountSet(ids []string) (projection.AccountSet, error) {
	parsed := make([]uuid.UUID, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid account id %q: %w", raw, err)
		}
		parsed = append(parsed, id)
	}
	return projection.NewAccountSet(parsed...), nil
}
