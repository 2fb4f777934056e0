package store

import (
	"context"
	"errors"
)

// Layered puts a RAM store in front of a durable one. The durable store is
// authoritative for which generations exist and in what order; RAM only
// holds hot copies.
type Layered struct {
	ram     *Memory
	durable CacheStore
}

func NewLayered(ram *Memory, durable CacheStore) *Layered {
	return &Layered{ram: ram, durable: durable}
}

func (l *Layered) OpenGeneration(ctx context.Context, name string) (Generation, error) {
	dg, err := l.durable.OpenGeneration(ctx, name)
	if err != nil {
		return nil, err
	}
	rg, err := l.ram.OpenGeneration(ctx, name)
	if err != nil {
		return nil, err
	}
	return &layeredGeneration{ram: rg, durable: dg}, nil
}

func (l *Layered) DeleteGeneration(ctx context.Context, name string) (bool, error) {
	inRAM, _ := l.ram.DeleteGeneration(ctx, name)
	onDisk, err := l.durable.DeleteGeneration(ctx, name)
	return inRAM || onDisk, err
}

func (l *Layered) ListGenerations(ctx context.Context) ([]string, error) {
	return l.durable.ListGenerations(ctx)
}

func (l *Layered) Match(ctx context.Context, key string) (Entry, bool, error) {
	names, err := l.durable.ListGenerations(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	for _, name := range names {
		if rg, ok := l.ramGeneration(name); ok {
			if ent, hit, _ := rg.Get(ctx, key); hit {
				return ent, true, nil
			}
		}
	}

	ent, ok, err := l.durable.Match(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	if rg, err := l.ram.OpenGeneration(ctx, ent.Generation); err == nil {
		_ = rg.Put(ctx, key, ent)
	}
	return ent, true, nil
}

func (l *Layered) ramGeneration(name string) (Generation, bool) {
	l.ram.mu.Lock()
	defer l.ram.mu.Unlock()
	g, ok := l.ram.gens[name]
	return g, ok
}

// RAM exposes the hot layer, mostly for stats.
func (l *Layered) RAM() *Memory { return l.ram }

func (l *Layered) Close() error {
	return errors.Join(l.ram.Close(), l.durable.Close())
}

type layeredGeneration struct {
	ram     Generation
	durable Generation
}

func (g *layeredGeneration) Name() string { return g.durable.Name() }

func (g *layeredGeneration) Get(ctx context.Context, key string) (Entry, bool, error) {
	if ent, ok, _ := g.ram.Get(ctx, key); ok {
		return ent, true, nil
	}
	ent, ok, err := g.durable.Get(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	_ = g.ram.Put(ctx, key, ent)
	return ent, true, nil
}

func (g *layeredGeneration) Put(ctx context.Context, key string, ent Entry) error {
	if err := g.durable.Put(ctx, key, ent); err != nil {
		return err
	}
	_ = g.ram.Put(ctx, key, ent)
	return nil
}

func (g *layeredGeneration) Delete(ctx context.Context, key string) error {
	_ = g.ram.Delete(ctx, key)
	return g.durable.Delete(ctx, key)
}

func (g *layeredGeneration) Keys(ctx context.Context) ([]string, error) {
	return g.durable.Keys(ctx)
}
