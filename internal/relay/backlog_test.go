package relay

import "testing"

func testBacklog() *Backlog {
	return NewBacklog(BacklogConfig{
		Capacity:   100,
		Warning:    0.50,
		Critical:   0.80,
		Emergency:  0.95,
		Hysteresis: 0.05,
	})
}

func TestBacklogLevels(t *testing.T) {
	tests := []struct {
		pending int64
		want    Level
	}{
		{0, LevelNormal},
		{49, LevelNormal},
		{50, LevelWarning},
		{80, LevelCritical},
		{95, LevelEmergency},
		{150, LevelEmergency},
	}

	for _, tt := range tests {
		b := testBacklog()
		if got := b.Update(tt.pending); got != tt.want {
			t.Errorf("Update(%d) = %s, want %s", tt.pending, got, tt.want)
		}
	}
}

func TestBacklogHysteresis(t *testing.T) {
	b := testBacklog()

	var changes [][2]Level
	b.SetOnLevelChange(func(old, new Level) {
		changes = append(changes, [2]Level{old, new})
	})

	steps := []struct {
		pending int64
		want    Level
	}{
		{82, LevelCritical},
		{78, LevelCritical}, // inside the band
		{76, LevelCritical},
		{74, LevelWarning}, // below 0.80 - 0.05
		{46, LevelWarning},
		{44, LevelNormal},
		{97, LevelEmergency}, // rising is immediate
		{10, LevelNormal},    // falls through every band at once
	}

	for i, s := range steps {
		if got := b.Update(s.pending); got != s.want {
			t.Fatalf("step %d: Update(%d) = %s, want %s", i, s.pending, got, s.want)
		}
	}

	if len(changes) != 5 {
		t.Errorf("level changes = %v, want 5", changes)
	}
	if b.ShouldDrain() {
		t.Error("ShouldDrain at normal level")
	}

	st := b.Stats()
	if st.CurrentLevel != LevelNormal || st.Pending != 10 || st.LevelChanges != 5 {
		t.Errorf("stats = %+v", st)
	}
}

func TestLevelString(t *testing.T) {
	for l, want := range map[Level]string{
		LevelNormal:    "normal",
		LevelWarning:   "warning",
		LevelCritical:  "critical",
		LevelEmergency: "emergency",
		Level(9):       "unknown",
	} {
		if got := l.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", l, got, want)
		}
	}
}
