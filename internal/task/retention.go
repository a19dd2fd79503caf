package task

import (
	"fmt"
	"sort"
	"time"

	"github.com/fgeck/gorsync-homelab/internal/metrics"
	"github.com/fgeck/gorsync-homelab/internal/storage"
)

// ExpiredBackups returns every backup that is either beyond the keep count
// of its interval or older than the interval's keep-age cutoff at now.
// Backups of intervals that are no longer configured are never expired.
func (t *Task) ExpiredBackups(now time.Time) []*storage.Backup {
	seen := make(map[*storage.Backup]bool)
	var expired []*storage.Backup

	for _, iv := range t.cfg.Intervals {
		var group []*storage.Backup
		for _, b := range t.backups {
			if b.IntervalName() == iv.Name {
				group = append(group, b)
			}
		}
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].CreatedAt().Before(group[j].CreatedAt())
		})

		cutoff := iv.KeepAge.Oldest(now)
		excess := len(group) - iv.KeepCount
		for i, b := range group {
			byCount := i < excess
			byAge := b.CreatedAt().Before(cutoff)
			if !byCount && !byAge {
				continue
			}
			if seen[b] {
				continue
			}
			seen[b] = true
			expired = append(expired, b)
			t.logger.Debug().
				Str("backup", b.Path()).
				Str("interval", iv.Name).
				Bool("by_count", byCount).
				Bool("by_age", byAge).
				Time("cutoff", cutoff).
				Msg("backup expired")
		}
	}
	return expired
}

// HandleExpired retires every expired backup and repairs the latest link.
func (t *Task) HandleExpired(now time.Time) error {
	expired := t.ExpiredBackups(now)
	for _, b := range expired {
		if err := t.Retire(b); err != nil {
			return fmt.Errorf("task %s: failed to retire %s: %w", t.cfg.Name, b.Path(), err)
		}
		metrics.RecordBackupExpired(t.cfg.Name, b.IntervalName())
	}
	if len(expired) == 0 {
		return nil
	}
	return t.refreshLatest()
}

// Retire removes b. When b holds real data that other backups link to, the
// data moves into the first dependent and the others are relinked to it.
func (t *Task) Retire(b *storage.Backup) error {
	isLink, err := b.DataIsLink()
	if err != nil {
		return err
	}
	if isLink {
		return t.remove(b)
	}

	dependents, err := t.dependents(b)
	if err != nil {
		return err
	}
	if len(dependents) == 0 {
		return t.remove(b)
	}

	successor := dependents[0]
	if err := successor.RemoveDataLink(); err != nil {
		return err
	}
	if err := b.MoveDataTo(successor); err != nil {
		return err
	}
	for _, d := range dependents[1:] {
		if err := d.RemoveDataLink(); err != nil {
			return err
		}
		if err := d.LinkDataFrom(successor); err != nil {
			return err
		}
	}
	t.logger.Info().
		Str("from", b.Path()).
		Str("to", successor.Path()).
		Int("relinked", len(dependents)-1).
		Msg("moved backup data to dependent")

	return t.remove(b)
}

// dependents returns the other backups whose data resolves to b's data.
func (t *Task) dependents(b *storage.Backup) ([]*storage.Backup, error) {
	var deps []*storage.Backup
	for _, other := range t.backups {
		if other == b {
			continue
		}
		ok, err := other.ResolvesTo(b)
		if err != nil {
			return nil, err
		}
		if ok {
			deps = append(deps, other)
		}
	}
	return deps, nil
}

func (t *Task) remove(b *storage.Backup) error {
	if err := b.Remove(); err != nil {
		return err
	}
	t.unregister(b)
	return nil
}

// refreshLatest points the latest link at the newest backup when its old
// target was moved or removed.
func (t *Task) refreshLatest() error {
	if storage.LatestResolves(t.cfg.Destination) {
		return nil
	}
	newest := t.newest("")
	if newest == nil {
		return storage.RemoveLatest(t.cfg.Destination, t.fs)
	}
	t.logger.Debug().Str("backup", newest.Path()).Msg("repointing latest link")
	return storage.UpdateLatest(t.cfg.Destination, newest, t.fs)
}
