package scheduler

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Running: s.c != nil, Timezone: s.cfg.Timezone}
	if s.loc != nil && snap.Timezone == "" {
		snap.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Kind: "task", Spec: d.spec, Timeout: d.timeout}
		if d.kind == kindTicker {
			it.Kind = "ticker"
			it.Skipped = d.skipped.Load()
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	eng := s.engine
	s.mu.Unlock()

	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}
