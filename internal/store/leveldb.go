package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	g:<generation>             generation marker (gob ldbGenMeta)
//	e:<generation>\x00<key>    entry (gob Entry)
const (
	genPrefix   = "g:"
	entryPrefix = "e:"
)

type ldbGenMeta struct {
	Seq       uint64
	CreatedAt int64
}

type ldbOp struct {
	gen     string
	key     string
	ent     *Entry // nil deletes key
	dropGen bool
	ack     chan error
}

// LevelDB persists generations on disk. Entry writes are applied by a single
// writer goroutine. Put waits for its write to land (or for ctx); while queued
// the entry is served from a pending map so concurrent readers see it.
type LevelDB struct {
	db *leveldb.DB

	mu      sync.Mutex
	seq     uint64
	gens    map[string]ldbGenMeta
	pending map[string]*Entry

	sendMu sync.RWMutex
	closed bool
	ops    chan ldbOp
	done   chan struct{}
}

func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	d := &LevelDB{
		db:      db,
		gens:    map[string]ldbGenMeta{},
		pending: map[string]*Entry{},
		ops:     make(chan ldbOp, 1024),
		done:    make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

func (d *LevelDB) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	defer it.Release()

	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte(genPrefix)))
		var meta ldbGenMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		d.gens[name] = meta
		if meta.Seq > d.seq {
			d.seq = meta.Seq
		}
	}
	return it.Error()
}

func entryKey(gen, key string) string { return entryPrefix + gen + "\x00" + key }

func (d *LevelDB) OpenGeneration(_ context.Context, name string) (Generation, error) {
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.gens[name]; ok {
		return &ldbGeneration{d: d, name: name}, nil
	}
	d.seq++
	meta := ldbGenMeta{Seq: d.seq, CreatedAt: time.Now().Unix()}
	b, err := encodeGob(meta)
	if err != nil {
		return nil, err
	}
	if err := d.db.Put([]byte(genPrefix+name), b, nil); err != nil {
		return nil, fmt.Errorf("create generation %s: %w", name, err)
	}
	d.gens[name] = meta
	return &ldbGeneration{d: d, name: name}, nil
}

func (d *LevelDB) DeleteGeneration(ctx context.Context, name string) (bool, error) {
	d.mu.Lock()
	_, ok := d.gens[name]
	if ok {
		delete(d.gens, name)
		prefix := entryKey(name, "")
		for k := range d.pending {
			if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
				delete(d.pending, k)
			}
		}
	}
	d.mu.Unlock()
	if !ok {
		return false, nil
	}

	ack := make(chan error, 1)
	if err := d.send(ldbOp{gen: name, dropGen: true, ack: ack}); err != nil {
		return true, err
	}
	select {
	case err := <-ack:
		return true, err
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

func (d *LevelDB) ListGenerations(_ context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.orderedLocked(), nil
}

func (d *LevelDB) orderedLocked() []string {
	out := make([]string, 0, len(d.gens))
	for n := range d.gens {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return d.gens[out[i]].Seq < d.gens[out[j]].Seq })
	return out
}

func (d *LevelDB) Match(ctx context.Context, key string) (Entry, bool, error) {
	d.mu.Lock()
	names := d.orderedLocked()
	d.mu.Unlock()

	for _, n := range names {
		ent, ok, err := d.get(n, key)
		if err != nil {
			return Entry{}, false, err
		}
		if ok {
			return ent, true, nil
		}
	}
	return Entry{}, false, nil
}

// Flush blocks until every write queued before the call is applied.
func (d *LevelDB) Flush(ctx context.Context) error {
	ack := make(chan error, 1)
	if err := d.send(ldbOp{ack: ack}); err != nil {
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *LevelDB) Close() error {
	d.sendMu.Lock()
	if d.closed {
		d.sendMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.ops)
	d.sendMu.Unlock()

	<-d.done
	return d.db.Close()
}

func (d *LevelDB) send(op ldbOp) error {
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	d.ops <- op
	return nil
}

func (d *LevelDB) get(gen, key string) (Entry, bool, error) {
	ek := entryKey(gen, key)
	d.mu.Lock()
	if _, ok := d.gens[gen]; !ok {
		d.mu.Unlock()
		return Entry{}, false, nil
	}
	if p, ok := d.pending[ek]; ok {
		ent := *p
		d.mu.Unlock()
		ent.Generation = gen
		return ent, true, nil
	}
	d.mu.Unlock()

	b, err := d.db.Get([]byte(ek), nil)
	if err == leveldb.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	ent.Generation = gen
	return ent, true, nil
}

func (d *LevelDB) put(ctx context.Context, gen, key string, ent Entry) error {
	clone := ent
	clone.Generation = ""
	ek := entryKey(gen, key)

	d.mu.Lock()
	if _, ok := d.gens[gen]; !ok {
		d.mu.Unlock()
		return ErrGenerationGone
	}
	d.pending[ek] = &clone
	d.mu.Unlock()

	ack := make(chan error, 1)
	if err := d.send(ldbOp{gen: gen, key: key, ent: &clone, ack: ack}); err != nil {
		d.mu.Lock()
		if d.pending[ek] == &clone {
			delete(d.pending, ek)
		}
		d.mu.Unlock()
		return err
	}
	select {
	case err := <-ack:
		if err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *LevelDB) keys(gen string) ([]string, error) {
	prefix := []byte(entryKey(gen, ""))
	set := map[string]struct{}{}

	it := d.db.NewIterator(util.BytesPrefix(prefix), nil)
	for it.Next() {
		set[string(bytes.TrimPrefix(it.Key(), prefix))] = struct{}{}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	for k := range d.pending {
		if bytes.HasPrefix([]byte(k), prefix) {
			set[k[len(prefix):]] = struct{}{}
		}
	}
	d.mu.Unlock()

	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (d *LevelDB) writerLoop() {
	defer close(d.done)
	for op := range d.ops {
		switch {
		case op.dropGen:
			op.ack <- d.applyDropGen(op.gen)
		case op.key != "" && op.ent != nil:
			err := d.applyPut(op)
			if op.ack != nil {
				op.ack <- err
			}
		case op.key != "":
			d.applyDelete(op.gen, op.key)
		case op.ack != nil:
			op.ack <- nil
		}
	}
}

func (d *LevelDB) applyPut(op ldbOp) error {
	ek := entryKey(op.gen, op.key)
	defer func() {
		d.mu.Lock()
		if d.pending[ek] == op.ent {
			delete(d.pending, ek)
		}
		d.mu.Unlock()
	}()

	d.mu.Lock()
	_, live := d.gens[op.gen]
	d.mu.Unlock()
	if !live {
		return ErrGenerationGone
	}

	b, err := encodeGob(*op.ent)
	if err != nil {
		return err
	}
	return d.db.Put([]byte(ek), b, nil)
}

func (d *LevelDB) applyDelete(gen, key string) {
	_ = d.db.Delete([]byte(entryKey(gen, key)), nil)
}

func (d *LevelDB) applyDropGen(gen string) error {
	batch := new(leveldb.Batch)
	d.mu.Lock()
	_, reopened := d.gens[gen]
	d.mu.Unlock()
	if !reopened {
		batch.Delete([]byte(genPrefix + gen))
	}

	it := d.db.NewIterator(util.BytesPrefix([]byte(entryKey(gen, ""))), nil)
	for it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		batch.Delete(k)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	return d.db.Write(batch, nil)
}

type ldbGeneration struct {
	d    *LevelDB
	name string
}

func (g *ldbGeneration) Name() string { return g.name }

func (g *ldbGeneration) Get(_ context.Context, key string) (Entry, bool, error) {
	return g.d.get(g.name, key)
}

func (g *ldbGeneration) Put(ctx context.Context, key string, ent Entry) error {
	return g.d.put(ctx, g.name, key, ent)
}

func (g *ldbGeneration) Delete(_ context.Context, key string) error {
	g.d.mu.Lock()
	delete(g.d.pending, entryKey(g.name, key))
	g.d.mu.Unlock()
	return g.d.send(ldbOp{gen: g.name, key: key})
}

func (g *ldbGeneration) Keys(_ context.Context) ([]string, error) {
	return g.d.keys(g.name)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
