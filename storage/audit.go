package storage

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/carfigures/carfigures"

	goccy "github.com/goccy/go-json"
)

// SystemActor is recorded for events caused by the process itself.
const SystemActor = "system"

// AuditLogger writes security-relevant events as JSON lines.
type AuditLogger struct {
	mu  sync.Mutex
	out io.WriteCloser
	enc *goccy.Encoder
}

// AuditData is the interface for typed audit event data.
type AuditData interface {
	auditData()
}

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	Time      string    `json:"time"`
	SessionID string    `json:"session_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Event     string    `json:"event"`
	Data      AuditData `json:"data"`
}

// AuditLogin is logged on console or panel logins, successful or not.
type AuditLogin struct {
	User    string `json:"user"`
	Remote  string `json:"remote"`
	Surface string `json:"surface"`
}

func (AuditLogin) auditData() {}

// AuditReload is logged for every extension load, reload or unload attempt.
type AuditReload struct {
	Extension string `json:"extension"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
}

func (AuditReload) auditData() {}

// AuditCacheRefresh is logged when the model cache is rebuilt.
type AuditCacheRefresh struct {
	Generation uint64 `json:"generation"`
	Records    int    `json:"records"`
	Error      string `json:"error,omitempty"`
}

func (AuditCacheRefresh) auditData() {}

// AuditAnalyze is logged when database statistics are refreshed.
type AuditAnalyze struct {
	Millis int64  `json:"millis"`
	Error  string `json:"error,omitempty"`
}

func (AuditAnalyze) auditData() {}

// AuditSpawn is logged when an operator spawns collectibles.
type AuditSpawn struct {
	Channel string `json:"channel"`
	Count   int    `json:"count"`
	Name    string `json:"name,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (AuditSpawn) auditData() {}

// AuditRecordChange is logged when the panel writes to a table.
type AuditRecordChange struct {
	Table  string `json:"table"`
	ID     int64  `json:"id"`
	Action string `json:"action"`
}

func (AuditRecordChange) auditData() {}

// NewAuditLogger creates an audit logger writing to out.
func NewAuditLogger(out io.WriteCloser) *AuditLogger {
	return &AuditLogger{
		out: out,
		enc: goccy.NewEncoder(out),
	}
}

// Log writes a structured audit entry.
// Panics if encoding fails (indicates a bug in the typed AuditData structs).
func (a *AuditLogger) Log(ctx context.Context, event string, data AuditData) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sessionID, _ := SessionID(ctx)
	actor, found := Actor(ctx)
	if !found && carfigures.IsMainContext(ctx) {
		actor = SystemActor
	}
	if err := a.enc.Encode(AuditEntry{
		Time:      time.Now().UTC().Format(time.RFC3339Nano),
		SessionID: sessionID,
		Actor:     actor,
		Event:     event,
		Data:      data,
	}); err != nil {
		panic(fmt.Sprintf("audit log encode failed: %v", err))
	}
}

func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return carfigures.WithStack(a.out.Close())
}
