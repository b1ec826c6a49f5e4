package registry

import (
	"sync"

	"github.com/golang/glog"

	"github.com/treesync/host/internal/document"
	apperrors "github.com/treesync/host/internal/errors"
	"github.com/treesync/host/internal/session"
	"github.com/treesync/host/internal/storage"
)

// connectionAudit records a session's connections in the connection log.
// Session connection IDs restart with every session, so each one is
// mapped to the ULID the log assigned it.
type connectionAudit struct {
	document string
	log      storage.ConnectionLog

	mu      sync.Mutex
	records map[session.ConnectionID]string
}

func newConnectionAudit(document string, log storage.ConnectionLog) *connectionAudit {
	return &connectionAudit{
		document: document,
		log:      log,
		records:  make(map[session.ConnectionID]string),
	}
}

// ConnectionOpened implements session.ConnectionListener.
func (a *connectionAudit) ConnectionOpened(_ *document.Document, id session.ConnectionID, info session.ConnectionInfo) {
	recID, err := a.log.OpenConnection(&storage.ConnectionRecord{
		Document:     a.document,
		ConnectionID: uint32(id),
		Subprotocol:  info.Subprotocol,
		RemoteAddr:   info.RemoteAddr,
		Subject:      info.Subject,
	})
	if err != nil {
		glog.Warningf("registry: audit open %s #%d: %v", a.document, id, err)
		return
	}
	a.mu.Lock()
	a.records[id] = recID
	a.mu.Unlock()
}

// ConnectionClosed implements session.ConnectionListener.
func (a *connectionAudit) ConnectionClosed(_ *document.Document, id session.ConnectionID, reason error) {
	a.mu.Lock()
	recID, ok := a.records[id]
	delete(a.records, id)
	a.mu.Unlock()
	if ok {
		a.close(recID, reason)
	}
}

// closeAll closes records still open, used when the session stops before
// its close callbacks could run.
func (a *connectionAudit) closeAll(reason error) {
	a.mu.Lock()
	open := a.records
	a.records = make(map[session.ConnectionID]string)
	a.mu.Unlock()
	for _, recID := range open {
		a.close(recID, reason)
	}
}

func (a *connectionAudit) close(recID string, reason error) {
	code := "closed"
	if reason != nil {
		code = apperrors.GetCode(reason)
	}
	if err := a.log.CloseConnection(recID, code); err != nil {
		glog.Warningf("registry: audit close %s: %v", recID, err)
	}
}
