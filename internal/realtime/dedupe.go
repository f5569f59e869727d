package realtime

import "villaops/internal/models"

// deduper drops deliveries already seen, either by identity key inside a
// bounded window or by sequence per entity type.
type deduper struct {
	size    int
	seen    map[models.DedupeKey]struct{}
	order   []models.DedupeKey
	lastSeq map[string]int64
}

func newDeduper(size int) *deduper {
	if size <= 0 {
		size = 1024
	}
	return &deduper{
		size:    size,
		seen:    make(map[models.DedupeKey]struct{}, size),
		lastSeq: make(map[string]int64),
	}
}

// Accept reports whether e is new and records it.
func (d *deduper) Accept(e models.ChangeEvent) bool {
	if e.Seq > 0 && e.Seq <= d.lastSeq[e.EntityType] {
		return false
	}
	key := e.Key()
	if _, ok := d.seen[key]; ok {
		return false
	}

	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	if len(d.order) > d.size {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
	if e.Seq > d.lastSeq[e.EntityType] {
		d.lastSeq[e.EntityType] = e.Seq
	}
	return true
}

// LastSeq returns the highest delivered seq per entity type.
func (d *deduper) LastSeq() map[string]int64 {
	out := make(map[string]int64, len(d.lastSeq))
	for k, v := range d.lastSeq {
		out[k] = v
	}
	return out
}
