package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer comment", role: RoleViewer, action: ActionComment, allow: true},
		{name: "viewer negotiate", role: RoleViewer, action: ActionNegotiate, allow: false},
		{name: "viewer draft", role: RoleViewer, action: ActionDraft, allow: false},
		{name: "member negotiate", role: RoleMember, action: ActionNegotiate, allow: true},
		{name: "member upload", role: RoleMember, action: ActionUpload, allow: true},
		{name: "member admin", role: RoleMember, action: ActionAdmin, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
		{name: "unknown role", role: Role("owner"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("admin"); got != RoleAdmin {
		t.Fatalf("Normalize(admin) = %q", got)
	}
	if got := Normalize("editor"); got != RoleViewer {
		t.Fatalf("Normalize(editor) = %q, want viewer", got)
	}
}
