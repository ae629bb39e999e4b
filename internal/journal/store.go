package journal

import (
	"github.com/starford/arbor/internal/event"
	"github.com/starford/arbor/internal/model"
)

// Store is what the document service needs from the journal. Consumers
// depend on it rather than on *DB.
type Store interface {
	Record(ev event.Event) error
	Document(id string) (*DocumentRow, error)
	Transactions(id string) ([]TransactionRow, error)
	Replay(id string, schema *model.Schema) (*model.Tree, int64, error)
	Search(query string, limit int) ([]SearchResult, error)
	Close() error
}

var _ Store = (*DB)(nil)
