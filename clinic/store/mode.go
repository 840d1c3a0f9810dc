package store

import (
	"context"
	"fmt"

	"github.com/warp/clinic-engine/clinic"
	"github.com/warp/clinic-engine/store/sqlite"
)

// Opened is a port bundle plus whatever must be released afterwards.
type Opened struct {
	Ports clinic.Ports
	Mode  clinic.StorageMode
	close func() error
	reset func(context.Context) error
}

// Reset wipes every record. Used by the demo scenarios.
func (o *Opened) Reset(ctx context.Context) error {
	return o.reset(ctx)
}

func (o *Opened) Close() error {
	if o.close == nil {
		return nil
	}
	return o.close()
}

// Open builds the ports for mode. dsn is the SQLite path and is ignored in
// memory mode.
func Open(mode clinic.StorageMode, dsn string) (*Opened, error) {
	switch mode {
	case clinic.StorageMemory, "":
		m := NewMemory()
		return &Opened{Ports: m.Ports(), Mode: clinic.StorageMemory, reset: m.Reset}, nil
	case clinic.StorageSQLite:
		if dsn == "" {
			return nil, &clinic.ValidationError{Field: "dsn", Reason: "required for sqlite storage"}
		}
		s, err := sqlite.New(dsn)
		if err != nil {
			return nil, &clinic.PersistenceError{Op: "store.open", Err: err}
		}
		return &Opened{Ports: s.Ports(), Mode: mode, close: s.Close, reset: s.Reset}, nil
	default:
		return nil, &clinic.ValidationError{Field: "storage", Reason: fmt.Sprintf("unknown storage mode %q", mode)}
	}
}
