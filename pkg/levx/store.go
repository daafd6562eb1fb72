package levx

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/luxfi/database"
)

var (
	orderPrefix = []byte("order/")
	potPrefix   = []byte("pot/")
)

// Store snapshots orders and the protocol revenue pot to a key-value
// database so a node restart keeps its order book and claimable fees.
// Pool and position state is rebuilt from deposits and fills upstream.
type Store struct {
	db database.Database
}

// NewStore wraps an open database.
func NewStore(db database.Database) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func orderKey(id uint64) []byte {
	k := make([]byte, len(orderPrefix)+8)
	copy(k, orderPrefix)
	binary.BigEndian.PutUint64(k[len(orderPrefix):], id)
	return k
}

func (s *Store) saveOrder(o *Order) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode order %d: %w", o.ID, err)
	}
	return s.db.Put(orderKey(o.ID), raw)
}

func (s *Store) savePot(assetID string, amount *big.Int) error {
	return s.db.Put(append(potPrefix, assetID...), []byte(amount.String()))
}

// load replays persisted orders and pots into fresh in-memory state.
func (s *Store) load(book *orderBook, pots map[string]*big.Int) error {
	it := s.db.NewIteratorWithPrefix(orderPrefix)
	defer it.Release()
	for it.Next() {
		var o Order
		if err := json.Unmarshal(it.Value(), &o); err != nil {
			return fmt.Errorf("decode order %x: %w", it.Key(), err)
		}
		book.add(&o)
	}
	if err := it.Error(); err != nil {
		return err
	}

	pit := s.db.NewIteratorWithPrefix(potPrefix)
	defer pit.Release()
	for pit.Next() {
		asset := string(pit.Key()[len(potPrefix):])
		v, ok := new(big.Int).SetString(string(pit.Value()), 10)
		if !ok {
			return fmt.Errorf("decode pot for %s", asset)
		}
		pots[asset] = v
	}
	return pit.Error()
}
