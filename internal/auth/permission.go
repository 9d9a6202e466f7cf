package auth

// 역할 상수
const (
	RoleOwner  = "Owner"
	RoleAdmin  = "Admin"
	RoleEditor = "Editor"
	RoleViewer = "Viewer"
)

// 권한 코드
const (
	PermViewContent    = "view_content"
	PermEditContent    = "edit_content"
	PermManageProjects = "manage_projects"
	PermDeletePages    = "delete_pages"
)

var rolePermissions = map[string][]string{
	RoleOwner:  {PermViewContent, PermEditContent, PermManageProjects, PermDeletePages},
	RoleAdmin:  {PermViewContent, PermEditContent, PermManageProjects, PermDeletePages},
	RoleEditor: {PermViewContent, PermEditContent},
	RoleViewer: {PermViewContent},
}

// CheckPermission 역할이 권한을 가지는지 확인. Unknown roles have none.
func CheckPermission(role, permission string) bool {
	for _, p := range rolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}

// CanEdit reports whether the role may push document updates.
func CanEdit(role string) bool {
	return CheckPermission(role, PermEditContent)
}
