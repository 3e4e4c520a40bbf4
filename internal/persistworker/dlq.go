package persistworker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/openmates/synccore/pkg/queue"
)

// deadLetterList is an in-process queue.DLQStore: PersistenceWorker
// runs as a single instance per process, so a durable external DLQ
// backend isn't wired here — the contract is the teacher's, the
// storage is a guarded map.
type deadLetterList struct {
	mu      sync.Mutex
	records map[string]queue.DLQRecord
}

func newDeadLetterList() *deadLetterList {
	return &deadLetterList{records: make(map[string]queue.DLQRecord)}
}

func (d *deadLetterList) Put(ctx context.Context, rec queue.DLQRecord) error {
	_ = ctx
	if rec.RecordID == "" {
		rec.RecordID = recordID(rec)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records[rec.RecordID] = rec
	return nil
}

func (d *deadLetterList) Get(ctx context.Context, recordID string) (queue.DLQRecord, error) {
	_ = ctx
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[recordID]
	if !ok {
		return queue.DLQRecord{}, fmt.Errorf("%w: unknown record", queue.ErrDLQInvalid)
	}
	return rec, nil
}

func (d *deadLetterList) List(ctx context.Context, q queue.QueueName, limit int) ([]queue.DLQRecord, error) {
	_ = ctx
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]queue.DLQRecord, 0, limit)
	for _, rec := range d.records {
		if rec.Queue != q {
			continue
		}
		out = append(out, rec)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (d *deadLetterList) Delete(ctx context.Context, recordID string) error {
	_ = ctx
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, recordID)
	return nil
}

func recordID(rec queue.DLQRecord) string {
	sum := sha256.Sum256([]byte(string(rec.Queue) + "|" + string(rec.Envelope.ID) + "|" + rec.Envelope.Type + "|" + rec.DeadLetteredAt.String()))
	return hex.EncodeToString(sum[:16])
}
