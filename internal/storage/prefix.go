package storage

// PrefixDB is a view of a DB restricted to the keys under a fixed prefix.
// Callers read and write logical keys; the prefix is added on the way in
// and stripped on the way out. The keystore gives every wallet its own
// PrefixDB so wallets never see each other's records.
type PrefixDB struct {
	inner  DB
	prefix []byte
}

// NewPrefixDB returns the view of inner under prefix.
func NewPrefixDB(inner DB, prefix []byte) *PrefixDB {
	return &PrefixDB{inner: inner, prefix: append([]byte(nil), prefix...)}
}

// Prefix returns a copy of the namespace prefix.
func (p *PrefixDB) Prefix() []byte {
	return append([]byte(nil), p.prefix...)
}

func (p *PrefixDB) key(k []byte) []byte {
	out := make([]byte, 0, len(p.prefix)+len(k))
	return append(append(out, p.prefix...), k...)
}

func (p *PrefixDB) Get(key []byte) ([]byte, error) { return p.inner.Get(p.key(key)) }

func (p *PrefixDB) Put(key, value []byte) error { return p.inner.Put(p.key(key), value) }

func (p *PrefixDB) Delete(key []byte) error { return p.inner.Delete(p.key(key)) }

func (p *PrefixDB) Has(key []byte) (bool, error) { return p.inner.Has(p.key(key)) }

// ForEach visits the logical keys starting with prefix.
func (p *PrefixDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	n := len(p.prefix)
	return p.inner.ForEach(p.key(prefix), func(key, value []byte) error {
		return fn(key[n:], value)
	})
}

// DeleteAll removes every key in the namespace, atomically when the inner
// DB supports batches.
func (p *PrefixDB) DeleteAll() error {
	var keys [][]byte
	err := p.ForEach(nil, func(key, _ []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	})
	if err != nil {
		return err
	}
	b := p.NewBatch()
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return b.Commit()
}

// Close does nothing; the inner DB owns the underlying resources.
func (p *PrefixDB) Close() error {
	return nil
}

// NewBatch returns a batch over the namespace. It is atomic when the inner
// DB implements Batcher and applies writes one by one otherwise.
func (p *PrefixDB) NewBatch() Batch {
	if b, ok := p.inner.(Batcher); ok {
		return &prefixBatch{view: p, inner: b.NewBatch()}
	}
	return &opBatch{apply: func(op batchOp) error {
		if op.del {
			return p.Delete(op.key)
		}
		return p.Put(op.key, op.value)
	}}
}

type prefixBatch struct {
	view  *PrefixDB
	inner Batch
}

func (b *prefixBatch) Put(key, value []byte) error { return b.inner.Put(b.view.key(key), value) }

func (b *prefixBatch) Delete(key []byte) error { return b.inner.Delete(b.view.key(key)) }

func (b *prefixBatch) Commit() error { return b.inner.Commit() }

type batchOp struct {
	key   []byte
	value []byte
	del   bool
}

// opBatch records operations and replays them through apply on Commit.
type opBatch struct {
	ops   []batchOp
	apply func(batchOp) error
}

func (b *opBatch) Put(key, value []byte) error {
	b.ops = append(b.ops, batchOp{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}

func (b *opBatch) Delete(key []byte) error {
	b.ops = append(b.ops, batchOp{key: append([]byte(nil), key...), del: true})
	return nil
}

func (b *opBatch) Commit() error {
	for _, op := range b.ops {
		if err := b.apply(op); err != nil {
			return err
		}
	}
	b.ops = nil
	return nil
}
