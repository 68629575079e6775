// Package archive implements BrokerArchive: a compacted sink for
// BrokerRecords that have left the retention window, supplementing
// spec.md's lifecycle note ("BrokerRecord ... may be purged to a
// compacted archive after a retention window"). Default is a local WAL
// file; a Mongo-backed implementation is also provided, generalizing
// storage/mongo.go's collection-per-table shape into a single
// compacted-archive collection.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/wal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/tomasquin2003/ballot-delivery/broker/log"
)

// Archive accepts compacted BrokerRecords once their retention window
// elapses. Archival is best-effort: it never blocks the hot delivery
// path and a failure here does not affect Tally correctness.
type Archive interface {
	Store(rec log.Record) error
	Close() error
}

// WALArchive is the default: an append-only local log, the same
// storage primitive BrokerLog uses, so a broker with no external
// services configured still gets a durable archive.
type WALArchive struct {
	mu  sync.Mutex
	wl  *wal.Log
	lsn uint64
}

// OpenWAL opens or creates a WALArchive rooted at dir.
func OpenWAL(dir string) (*WALArchive, error) {
	wl, err := wal.Open(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("opening archive log at %s: %w", dir, err)
	}
	last, err := wl.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("reading archive log index: %w", err)
	}
	return &WALArchive{wl: wl, lsn: last}, nil
}

func (a *WALArchive) Store(rec log.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding archived record: %w", err)
	}
	a.lsn++
	if err := a.wl.Write(a.lsn, data); err != nil {
		a.lsn--
		return fmt.Errorf("writing archived record: %w", err)
	}
	return nil
}

func (a *WALArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.wl.Close()
}

// mongoArchived mirrors log.Record with bson tags; Mongo is schemaless
// but the driver still needs field-by-field tags to avoid falling back
// to Go's default (capitalized) bson key names.
type mongoArchived struct {
	BallotID   string     `bson:"_id"`
	Ballot     log.Record `bson:"record"`
	ArchivedAt time.Time  `bson:"archivedAt"`
}

// MongoArchive persists compacted records to a Mongo collection,
// generalizing storage/mongo.go's MongoDB: one database per broker
// instance, one collection ("archive") per retention-expired record
// stream, rather than one-collection-per-YCSB-table.
type MongoArchive struct {
	ctx        context.Context
	client     *mongo.Client
	collection *mongo.Collection
}

// OpenMongo connects to uri and selects database/"archive".
func OpenMongo(uri, database string) (*MongoArchive, error) {
	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to archive store: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("pinging archive store: %w", err)
	}
	return &MongoArchive{
		ctx:        ctx,
		client:     client,
		collection: client.Database(database).Collection("archive"),
	}, nil
}

func (m *MongoArchive) Store(rec log.Record) error {
	doc := mongoArchived{BallotID: rec.Ballot.BallotID, Ballot: rec, ArchivedAt: time.Now()}
	_, err := m.collection.ReplaceOne(m.ctx, bson.M{"_id": doc.BallotID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("archiving %s: %w", rec.Ballot.BallotID, err)
	}
	return nil
}

func (m *MongoArchive) Close() error {
	return m.client.Disconnect(m.ctx)
}
