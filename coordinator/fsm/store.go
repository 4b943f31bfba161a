package fsm

import (
	"fmt"
	"sort"

	memdb "github.com/hashicorp/go-memdb"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/thatguystone/kafkalocal/coordinator/structs"
)

const (
	tableIndex   = "index"
	tableBrokers = "brokers"
	tableMeta    = "meta"
)

// schemaFn is an interface function used to create and return
// new memdb schema structs for constructing an in-memory db.
type schemaFn func() *memdb.TableSchema

// schemas is used to register schemas with the state store.
var schemas []schemaFn

// registerSchema registers a new schema with the state store. This should
// get called at package init() time.
func registerSchema(fn schemaFn) {
	schemas = append(schemas, fn)
}

func init() {
	registerSchema(indexTableSchema)
	registerSchema(brokersTableSchema)
	registerSchema(metaTableSchema)
}

type Store struct {
	schema *memdb.DBSchema
	db     *memdb.MemDB
	// abandonCh is used to signal watchers this store has been abandoned
	// (usually during a restore).
	abandonCh chan struct{}
	tracer    opentracing.Tracer
}

func NewStore(tracer opentracing.Tracer) (*Store, error) {
	dbSchema := &memdb.DBSchema{
		Tables: make(map[string]*memdb.TableSchema),
	}
	for _, fn := range schemas {
		schema := fn()
		if _, ok := dbSchema.Tables[schema.Name]; ok {
			panic(fmt.Sprintf("duplicate table name: %s", schema.Name))
		}
		dbSchema.Tables[schema.Name] = schema
	}
	db, err := memdb.NewMemDB(dbSchema)
	if err != nil {
		return nil, err
	}
	if tracer == nil {
		tracer = opentracing.NoopTracer{}
	}
	return &Store{
		schema:    dbSchema,
		db:        db,
		abandonCh: make(chan struct{}),
		tracer:    tracer,
	}, nil
}

// Abandon is used to signal that the given state store has been abandoned.
// Calling this more than one time will panic.
func (s *Store) Abandon() {
	close(s.abandonCh)
}

// AbandonCh returns a channel you can wait on to know if the state store was
// abandoned.
func (s *Store) AbandonCh() <-chan struct{} {
	return s.abandonCh
}

// GetBroker returns the broker registered under id, or nil.
func (s *Store) GetBroker(id int32) (uint64, *structs.Broker, error) {
	sp := s.tracer.StartSpan("store: get broker")
	sp.SetTag("id", id)
	defer sp.Finish()

	tx := s.db.Txn(false)
	defer tx.Abort()

	idx := maxIndexTxn(tx, tableBrokers)
	broker, err := tx.First(tableBrokers, "id", id)
	if err != nil {
		return 0, nil, fmt.Errorf("broker lookup failed: %s", err)
	}
	if broker != nil {
		return idx, broker.(*structs.Broker), nil
	}
	return idx, nil, nil
}

// GetBrokers returns every registered broker ordered by id.
func (s *Store) GetBrokers() (uint64, []*structs.Broker, error) {
	sp := s.tracer.StartSpan("store: get brokers")
	defer sp.Finish()

	tx := s.db.Txn(false)
	defer tx.Abort()

	idx := maxIndexTxn(tx, tableBrokers)
	it, err := tx.Get(tableBrokers, "id")
	if err != nil {
		return 0, nil, fmt.Errorf("broker lookup failed: %s", err)
	}
	var brokers []*structs.Broker
	for next := it.Next(); next != nil; next = it.Next() {
		brokers = append(brokers, next.(*structs.Broker))
	}
	sort.Slice(brokers, func(i, j int) bool { return brokers[i].ID < brokers[j].ID })
	return idx, brokers, nil
}

// Controller returns the alive broker that registered first, or -1.
func (s *Store) Controller() (int32, error) {
	_, brokers, err := s.GetBrokers()
	if err != nil {
		return -1, err
	}
	controller := int32(-1)
	var created uint64
	for _, b := range brokers {
		if b.Status != structs.BrokerAlive {
			continue
		}
		if controller == -1 || b.CreateIndex < created {
			controller, created = b.ID, b.CreateIndex
		}
	}
	return controller, nil
}

// EnsureBroker is used to upsert brokers.
func (s *Store) EnsureBroker(idx uint64, broker *structs.Broker) error {
	sp := s.tracer.StartSpan("store: ensure broker")
	sp.SetTag("id", broker.ID)
	defer sp.Finish()

	tx := s.db.Txn(true)
	defer tx.Abort()

	existing, err := tx.First(tableBrokers, "id", broker.ID)
	if err != nil {
		return fmt.Errorf("broker lookup failed: %s", err)
	}
	// A broker that comes back keeps its place in the controller order.
	if existing != nil {
		broker.CreateIndex = existing.(*structs.Broker).CreateIndex
	} else {
		broker.CreateIndex = idx
	}
	broker.ModifyIndex = idx

	if err := tx.Insert(tableBrokers, broker); err != nil {
		return fmt.Errorf("failed inserting broker: %s", err)
	}
	if err := tx.Insert(tableIndex, &IndexEntry{tableBrokers, idx}); err != nil {
		return fmt.Errorf("failed updating index: %s", err)
	}

	tx.Commit()
	return nil
}

// DeleteBroker is used to delete brokers.
func (s *Store) DeleteBroker(idx uint64, id int32) error {
	sp := s.tracer.StartSpan("store: delete broker")
	sp.SetTag("id", id)
	defer sp.Finish()

	tx := s.db.Txn(true)
	defer tx.Abort()

	broker, err := tx.First(tableBrokers, "id", id)
	if err != nil {
		return fmt.Errorf("broker lookup failed: %s", err)
	}
	if broker == nil {
		return nil
	}
	if err := tx.Delete(tableBrokers, broker); err != nil {
		return fmt.Errorf("failed deleting broker: %s", err)
	}
	if err := tx.Insert(tableIndex, &IndexEntry{tableBrokers, idx}); err != nil {
		return fmt.Errorf("failed updating index: %s", err)
	}

	tx.Commit()
	return nil
}

// GetMeta returns the value stored under key and whether it was set.
func (s *Store) GetMeta(key string) (string, bool, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	meta, err := tx.First(tableMeta, "id", key)
	if err != nil {
		return "", false, fmt.Errorf("meta lookup failed: %s", err)
	}
	if meta == nil {
		return "", false, nil
	}
	return meta.(*structs.Meta).Value, true, nil
}

// EnsureMeta is used to upsert cluster metadata.
func (s *Store) EnsureMeta(idx uint64, meta *structs.Meta) error {
	sp := s.tracer.StartSpan("store: ensure meta")
	sp.SetTag("key", meta.Key)
	defer sp.Finish()

	tx := s.db.Txn(true)
	defer tx.Abort()

	existing, err := tx.First(tableMeta, "id", meta.Key)
	if err != nil {
		return fmt.Errorf("meta lookup failed: %s", err)
	}
	if existing != nil {
		meta.CreateIndex = existing.(*structs.Meta).CreateIndex
	} else {
		meta.CreateIndex = idx
	}
	meta.ModifyIndex = idx

	if err := tx.Insert(tableMeta, meta); err != nil {
		return fmt.Errorf("failed inserting meta: %s", err)
	}
	if err := tx.Insert(tableIndex, &IndexEntry{tableMeta, idx}); err != nil {
		return fmt.Errorf("failed updating index: %s", err)
	}

	tx.Commit()
	return nil
}

// IndexEntry keeps a record of the last index per-table.
type IndexEntry struct {
	Key   string
	Value uint64
}

// maxIndexTxn is a helper used to retrieve the highest known index
// amongst a set of tables in the db.
func maxIndexTxn(tx *memdb.Txn, tables ...string) uint64 {
	var lindex uint64
	for _, table := range tables {
		ti, err := tx.First(tableIndex, "id", table)
		if err != nil {
			panic(fmt.Sprintf("unknown index: %s err: %s", table, err))
		}
		if idx, ok := ti.(*IndexEntry); ok && idx.Value > lindex {
			lindex = idx.Value
		}
	}
	return lindex
}

// indexTableSchema returns a new table schema used for tracking various indexes for the Raft log.
func indexTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableIndex,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:   "id",
				Unique: true,
				Indexer: &memdb.StringFieldIndex{
					Field:     "Key",
					Lowercase: true,
				},
			},
		},
	}
}

func brokersTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableBrokers,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &IntFieldIndex{Field: "ID"},
			},
			"node": {
				Name:    "node",
				Unique:  false,
				Indexer: &memdb.StringFieldIndex{Field: "Node"},
			},
		},
	}
}

func metaTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableMeta,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "Key"},
			},
		},
	}
}
