package status

import (
	"github.com/tildaslashalef/innkeep/internal/connectivity"
	"github.com/tildaslashalef/innkeep/internal/queue"
	"github.com/tildaslashalef/innkeep/internal/sync"
	"github.com/tildaslashalef/innkeep/internal/update"
)

type (
	// ConnectivityMsg carries a new monitor state
	ConnectivityMsg connectivity.State

	// CountsMsg carries fresh queue counts
	CountsMsg queue.Counts

	// UpdateMsg carries a new self-update status
	UpdateMsg update.Status

	// SyncCompleteMsg is sent when a manual pass started from the view ends
	SyncCompleteMsg struct {
		Result *sync.SyncResult
		Error  error
	}

	// eventsClosedMsg means the subscription feed has been shut down
	eventsClosedMsg struct{}
)
