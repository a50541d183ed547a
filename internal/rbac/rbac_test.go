package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		level  Level
		action Action
		allow  bool
	}{
		{name: "none read", level: LevelNone, action: ActionRead, allow: false},
		{name: "viewer read", level: LevelViewer, action: ActionRead, allow: true},
		{name: "viewer write", level: LevelViewer, action: ActionWrite, allow: false},
		{name: "editor write", level: LevelEditor, action: ActionWrite, allow: true},
		{name: "editor admin", level: LevelEditor, action: ActionAdmin, allow: false},
		{name: "owner admin", level: LevelOwner, action: ActionAdmin, allow: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.level, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.level, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]Level{
		"viewer":    LevelViewer,
		"commenter": LevelViewer,
		"editor":    LevelEditor,
		"admin":     LevelEditor,
		"owner":     LevelOwner,
		"":          LevelNone,
		"superuser": LevelNone,
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
