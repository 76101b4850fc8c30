package auth

import "testing"

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleReader, PermInstanceRead, true},
		{RoleReader, PermQueueRead, true},
		{RoleReader, PermQueueSubmit, false},
		{RoleReader, PermInstanceOperate, false},
		{RoleProducer, PermQueueSubmit, true},
		{RoleProducer, PermInstanceOperate, false},
		{RoleOperator, PermInstanceOperate, true},
		{RoleOperator, PermQueueSubmit, true},
		{"owner", PermInstanceRead, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.perm), func(t *testing.T) {
			if got := HasPermission(tt.role, tt.perm); got != tt.want {
				t.Errorf("HasPermission(%s, %s) = %v, want %v", tt.role, tt.perm, got, tt.want)
			}
		})
	}
}

func TestPermissionsForRole(t *testing.T) {
	perms := PermissionsForRole(RoleOperator)
	if len(perms) != 4 {
		t.Fatalf("PermissionsForRole(operator) = %v", perms)
	}

	// Returned slice is a copy.
	perms[0] = "tampered"
	if PermissionsForRole(RoleOperator)[0] == "tampered" {
		t.Error("PermissionsForRole returned the shared slice")
	}

	if PermissionsForRole("unknown") != nil {
		t.Error("PermissionsForRole(unknown) should be nil")
	}
}
