package auth

// TokenPermissionFlags restrict what a device token may do. A token carries
// the flags it was issued with for its whole lifetime.
type TokenPermissionFlags uint64

const (
	PermSendMessages TokenPermissionFlags = 1 << iota
	PermChangeUsername
	PermChangeDisplayName
	PermCreateCommunities
	PermJoinCommunities
	PermCreateRooms
	PermCreateInvites

	// PermAll is the default for tokens created without an explicit set.
	PermAll = PermSendMessages | PermChangeUsername | PermChangeDisplayName |
		PermCreateCommunities | PermJoinCommunities | PermCreateRooms |
		PermCreateInvites
)

// Has reports whether all bits of perm are set.
func (f TokenPermissionFlags) Has(perm TokenPermissionFlags) bool {
	return f&perm == perm
}

// AdminPermissionFlags grant server administration rights to a user.
type AdminPermissionFlags uint64

const (
	AdminBan AdminPermissionFlags = 1 << iota

	AdminAll AdminPermissionFlags = ^AdminPermissionFlags(0)
)

// Has reports whether all bits of perm are set.
func (f AdminPermissionFlags) Has(perm AdminPermissionFlags) bool {
	return f&perm == perm
}
