package identity

import (
	"sync"
	"time"

	"github.com/cursorbot/cursorbot/pkg/cerr"
)

// Role is a total order {user < moderator < admin < owner} (spec §4.1).
type Role int

const (
	RoleUser Role = iota
	RoleModerator
	RoleAdmin
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleModerator:
		return "moderator"
	case RoleAdmin:
		return "admin"
	case RoleOwner:
		return "owner"
	default:
		return "user"
	}
}

func maxRole(a, b Role) Role {
	if a > b {
		return a
	}
	return b
}

// Permission names a gated capability. The catalog mirrors the original
// permission set (send_message through system_access).
type Permission string

const (
	PermSendMessage Permission = "send_message"
	PermUseCommands Permission = "use_commands"
	PermUseAgent    Permission = "use_agent"
	PermUseSkills   Permission = "use_skills"
	PermExecuteCode Permission = "execute_code"
	PermFileAccess  Permission = "file_access"
	PermTerminal    Permission = "terminal_access"
	PermManageUsers Permission = "manage_users"
	PermManageGroup Permission = "manage_group"
	PermManageBot   Permission = "manage_bot"
	PermElevated    Permission = "elevated_operations"
	PermSystemAccess Permission = "system_access"
)

var allPermissions = []Permission{
	PermSendMessage, PermUseCommands, PermUseAgent, PermUseSkills,
	PermExecuteCode, PermFileAccess, PermTerminal,
	PermManageUsers, PermManageGroup, PermManageBot,
	PermElevated, PermSystemAccess,
}

// rolePermissions is the fixed per-role permission set (spec §4.1: "Each
// role carries a fixed permission set").
var rolePermissions = map[Role]map[Permission]bool{
	RoleUser: permSet(PermSendMessage, PermUseCommands, PermUseAgent, PermUseSkills),
	RoleModerator: permSet(PermSendMessage, PermUseCommands, PermUseAgent, PermUseSkills,
		PermExecuteCode, PermFileAccess, PermManageUsers),
	RoleAdmin: permSet(PermSendMessage, PermUseCommands, PermUseAgent, PermUseSkills,
		PermExecuteCode, PermFileAccess, PermTerminal, PermManageUsers, PermManageGroup),
	RoleOwner: permSet(allPermissions...),
}

func permSet(perms ...Permission) map[Permission]bool {
	m := make(map[Permission]bool, len(perms))
	for _, p := range perms {
		m[p] = true
	}
	return m
}

// LockReason enumerates why a lock scope is active.
type LockReason string

const (
	LockManual      LockReason = "manual"
	LockRateLimit   LockReason = "rate_limit"
	LockSecurity    LockReason = "security"
	LockMaintenance LockReason = "maintenance"
	LockEmergency   LockReason = "emergency"
)

// Lock is a state record for a global, per-user, or per-group scope
// (spec §3 "Lock"). An auto-release past wall time reads as released.
type Lock struct {
	Active     bool
	Reason     LockReason
	Message    string
	LockedAt   time.Time
	LockedBy   string
	AutoUnlock time.Time // zero = no auto-release
}

func (l Lock) isActive(now time.Time) bool {
	if !l.Active {
		return false
	}
	if !l.AutoUnlock.IsZero() && now.After(l.AutoUnlock) {
		return false
	}
	return true
}

// userPermissions tracks per-canonical-user role, custom grants/denies, and
// elevation state.
type userPermissions struct {
	role          Role
	customGrants  map[Permission]bool
	customDenies  map[Permission]bool
	elevatedUntil time.Time
}

func newUserPermissions() *userPermissions {
	return &userPermissions{
		customGrants: map[Permission]bool{},
		customDenies: map[Permission]bool{},
	}
}

func (u *userPermissions) isElevated(now time.Time) bool {
	return !u.elevatedUntil.IsZero() && now.Before(u.elevatedUntil)
}

// groupSettings is per-group local policy: local promotion, whitelist/
// blacklist, command allow/deny.
type groupSettings struct {
	enabled       bool
	whitelistMode bool
	whitelist     map[string]bool
	blacklist     map[string]bool
	admins        map[string]bool
	moderators    map[string]bool
	allowedCmds   map[string]bool
	disabledCmds  map[string]bool
}

func newGroupSettings() *groupSettings {
	return &groupSettings{
		enabled:      true,
		whitelist:    map[string]bool{},
		blacklist:    map[string]bool{},
		admins:       map[string]bool{},
		moderators:   map[string]bool{},
		allowedCmds:  map[string]bool{},
		disabledCmds: map[string]bool{},
	}
}

func (g *groupSettings) localRole(user string) Role {
	if g.admins[user] {
		return RoleAdmin
	}
	if g.moderators[user] {
		return RoleModerator
	}
	return RoleUser
}

func (g *groupSettings) userAllowed(user string) bool {
	if !g.enabled {
		return false
	}
	if g.blacklist[user] {
		return false
	}
	if g.whitelistMode {
		return g.whitelist[user] || g.admins[user]
	}
	return true
}

func (g *groupSettings) commandAllowed(command string) bool {
	if g.disabledCmds[command] {
		return false
	}
	if len(g.allowedCmds) > 0 && !g.allowedCmds[command] {
		return false
	}
	return true
}

// AccessCheck is the argument bundle for check_access (spec §4.1).
type AccessCheck struct {
	ChatID  string
	GroupID string
	IP      string
}

// Access implements Identity & Access (C1): resolve, check_access,
// check_permission, elevate, revoke_elevation, plus the admin surface
// needed to populate roles/locks/blacklists (spec §4.1, §4.12 supplement).
type Access struct {
	mu sync.RWMutex

	// links maps a provider peer ("transport:id") to a canonical identity.
	// Invariant: a provider peer belongs to at most one canonical identity.
	links map[string]string

	users  map[string]*userPermissions
	groups map[string]*groupSettings

	globalAdmins    map[string]bool
	globalBlacklist map[string]bool

	ipBlacklist map[string]bool
	ipWhitelist map[string]bool // non-empty set activates whitelist-mode

	globalLock      Lock
	userLocks       map[string]Lock
	groupLocks      map[string]Lock
	allowDuringLock map[string]bool

	now func() time.Time
}

// NewAccess constructs an empty Access registry.
func NewAccess() *Access {
	return &Access{
		links:           map[string]string{},
		users:           map[string]*userPermissions{},
		groups:          map[string]*groupSettings{},
		globalAdmins:    map[string]bool{},
		globalBlacklist: map[string]bool{},
		ipBlacklist:     map[string]bool{},
		ipWhitelist:     map[string]bool{},
		userLocks:       map[string]Lock{},
		groupLocks:      map[string]Lock{},
		allowDuringLock: map[string]bool{},
		now:             time.Now,
	}
}

func providerPeerKey(transport, senderID string) string {
	return BuildCanonicalID(transport, senderID)
}

// LinkIdentity records that a provider peer belongs to the given canonical
// identity. A provider peer already linked elsewhere is re-pointed.
func (a *Access) LinkIdentity(transport, senderID, canonical string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.links[providerPeerKey(transport, senderID)] = canonical
}

// UnlinkIdentity removes a provider peer's link, so Resolve falls back to
// treating it as its own canonical identity again.
func (a *Access) UnlinkIdentity(transport, senderID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.links, providerPeerKey(transport, senderID))
}

// Resolve maps (transport, sender_id) to a canonical identity. If no link
// exists, the provider peer itself becomes the canonical identity (spec §3).
func (a *Access) Resolve(transport, senderID string) string {
	key := providerPeerKey(transport, senderID)
	a.mu.RLock()
	canonical, ok := a.links[key]
	a.mu.RUnlock()
	if ok {
		return canonical
	}
	return key
}

func (a *Access) getOrCreateUser(canonical string) *userPermissions {
	u, ok := a.users[canonical]
	if !ok {
		u = newUserPermissions()
		a.users[canonical] = u
	}
	return u
}

func (a *Access) getOrCreateGroup(groupID string) *groupSettings {
	g, ok := a.groups[groupID]
	if !ok {
		g = newGroupSettings()
		a.groups[groupID] = g
	}
	return g
}

// CheckAccess evaluates the deny-biased order from spec §4.1: global
// blacklist → IP blacklist → IP whitelist (if configured) → per-user lock →
// per-group lock → global lock (bypassed only by allow-during-lock).
// Global admins bypass all of the above.
func (a *Access) CheckAccess(canonical string, chk AccessCheck) (allowed bool, reason string) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	now := a.now()

	if a.globalAdmins[canonical] {
		return true, ""
	}
	if a.globalBlacklist[canonical] {
		return false, "globally blacklisted"
	}
	if chk.IP != "" {
		if a.ipBlacklist[chk.IP] {
			return false, "ip blacklisted"
		}
		if len(a.ipWhitelist) > 0 && !a.ipWhitelist[chk.IP] {
			return false, "ip not whitelisted"
		}
	}
	if lock, ok := a.userLocks[canonical]; ok && lock.isActive(now) {
		return false, "user locked: " + string(lock.Reason)
	}
	if chk.GroupID != "" {
		if g, ok := a.groups[chk.GroupID]; ok && !g.userAllowed(canonical) {
			return false, "denied by group settings"
		}
		if lock, ok := a.groupLocks[chk.GroupID]; ok && lock.isActive(now) {
			return false, "group locked: " + string(lock.Reason)
		}
	}
	if a.globalLock.isActive(now) && !a.allowDuringLock[canonical] {
		return false, "gateway locked: " + string(a.globalLock.Reason)
	}
	return true, ""
}

// CheckPermission implements check_permission: a user's effective
// permissions are role-permissions ∪ custom-grants \ custom-denies; a group
// may locally promote to moderator/admin, and the effective role is the max
// of global and group roles (spec §4.1).
func (a *Access) CheckPermission(canonical string, perm Permission, groupID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.globalBlacklist[canonical] {
		return false
	}
	if a.globalAdmins[canonical] {
		return true
	}

	u, ok := a.users[canonical]
	if !ok {
		u = newUserPermissions()
	}
	now := a.now()

	effectiveRole := u.role
	if groupID != "" {
		if g, ok := a.groups[groupID]; ok {
			effectiveRole = maxRole(effectiveRole, g.localRole(canonical))
		}
	}

	if u.customDenies[perm] {
		return false
	}
	if u.customGrants[perm] {
		return true
	}
	if perm == PermElevated && u.isElevated(now) {
		return true
	}
	return rolePermissions[effectiveRole][perm]
}

// CommandAllowed checks a group's allow/disable command sets. Deny-set takes
// precedence over allow-set (spec §3 Channel config invariant, applied here
// at the group-permission layer).
func (a *Access) CommandAllowed(groupID, command string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	g, ok := a.groups[groupID]
	if !ok {
		return true
	}
	return g.commandAllowed(command)
}

// Elevate grants the elevated permission for ttl. It never changes role and
// never shortens an existing, longer-lived elevation.
func (a *Access) Elevate(canonical string, ttl time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u := a.getOrCreateUser(canonical)
	until := a.now().Add(ttl)
	if until.After(u.elevatedUntil) {
		u.elevatedUntil = until
	}
}

func (a *Access) RevokeElevation(canonical string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if u, ok := a.users[canonical]; ok {
		u.elevatedUntil = time.Time{}
	}
}

func (a *Access) IsElevated(canonical string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	u, ok := a.users[canonical]
	if !ok {
		return false
	}
	return u.isElevated(a.now())
}

// --- Role / grant administration ---

func (a *Access) SetRole(canonical string, role Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.getOrCreateUser(canonical).role = role
}

func (a *Access) RoleOf(canonical string) Role {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if u, ok := a.users[canonical]; ok {
		return u.role
	}
	return RoleUser
}

func (a *Access) Grant(canonical string, perm Permission) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u := a.getOrCreateUser(canonical)
	u.customGrants[perm] = true
	delete(u.customDenies, perm)
}

func (a *Access) Deny(canonical string, perm Permission) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u := a.getOrCreateUser(canonical)
	u.customDenies[perm] = true
	delete(u.customGrants, perm)
}

func (a *Access) AddGlobalAdmin(canonical string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.globalAdmins[canonical] = true
}

func (a *Access) RemoveGlobalAdmin(canonical string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.globalAdmins, canonical)
}

func (a *Access) IsGlobalAdmin(canonical string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.globalAdmins[canonical]
}

func (a *Access) AddToGlobalBlacklist(canonical string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.globalBlacklist[canonical] = true
}

func (a *Access) RemoveFromGlobalBlacklist(canonical string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.globalBlacklist, canonical)
}

// --- Group administration ---

func (a *Access) SetGroupEnabled(groupID string, enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.getOrCreateGroup(groupID).enabled = enabled
}

func (a *Access) SetGroupWhitelistMode(groupID string, enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.getOrCreateGroup(groupID).whitelistMode = enabled
}

func (a *Access) AddGroupAdmin(groupID, canonical string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g := a.getOrCreateGroup(groupID)
	g.admins[canonical] = true
	delete(g.moderators, canonical)
}

func (a *Access) AddGroupModerator(groupID, canonical string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g := a.getOrCreateGroup(groupID)
	if !g.admins[canonical] {
		g.moderators[canonical] = true
	}
}

func (a *Access) AddToGroupWhitelist(groupID, canonical string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g := a.getOrCreateGroup(groupID)
	g.whitelist[canonical] = true
	delete(g.blacklist, canonical)
}

func (a *Access) AddToGroupBlacklist(groupID, canonical string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g := a.getOrCreateGroup(groupID)
	g.blacklist[canonical] = true
	delete(g.whitelist, canonical)
}

func (a *Access) DisableCommandInGroup(groupID, command string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.getOrCreateGroup(groupID).disabledCmds[command] = true
}

func (a *Access) EnableCommandInGroup(groupID, command string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if g, ok := a.groups[groupID]; ok {
		delete(g.disabledCmds, command)
	}
}

// --- Locks (spec §3 "Lock", §4.1 lock dominance) ---

func (a *Access) LockGlobal(reason LockReason, message string, duration time.Duration, by string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var unlockAt time.Time
	if duration > 0 {
		unlockAt = a.now().Add(duration)
	}
	a.globalLock = Lock{
		Active:     true,
		Reason:     reason,
		Message:    message,
		LockedAt:   a.now(),
		LockedBy:   by,
		AutoUnlock: unlockAt,
	}
}

func (a *Access) UnlockGlobal() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.globalLock.Active {
		return false
	}
	a.globalLock.Active = false
	return true
}

func (a *Access) IsGlobalLocked() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.globalLock.isActive(a.now())
}

func (a *Access) GlobalLockInfo() Lock {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.globalLock
}

func (a *Access) AllowDuringLock(canonical string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allowDuringLock[canonical] = true
}

func (a *Access) LockUser(canonical string, reason LockReason, message string, duration time.Duration, by string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var unlockAt time.Time
	if duration > 0 {
		unlockAt = a.now().Add(duration)
	}
	a.userLocks[canonical] = Lock{
		Active: true, Reason: reason, Message: message,
		LockedAt: a.now(), LockedBy: by, AutoUnlock: unlockAt,
	}
}

func (a *Access) UnlockUser(canonical string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.userLocks, canonical)
}

func (a *Access) LockGroup(groupID string, reason LockReason, message string, duration time.Duration, by string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var unlockAt time.Time
	if duration > 0 {
		unlockAt = a.now().Add(duration)
	}
	a.groupLocks[groupID] = Lock{
		Active: true, Reason: reason, Message: message,
		LockedAt: a.now(), LockedBy: by, AutoUnlock: unlockAt,
	}
}

func (a *Access) UnlockGroup(groupID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.groupLocks, groupID)
}

// --- IP restriction admin ---

func (a *Access) AddIPBlacklist(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ipBlacklist[ip] = true
}

func (a *Access) AddIPWhitelist(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ipWhitelist[ip] = true
}

// RequireAccess turns a denied check_access into the *cerr.Error shape
// callers propagate (spec §4.1: "fails with Unauthorized").
func (a *Access) RequireAccess(canonical string, chk AccessCheck) error {
	allowed, reason := a.CheckAccess(canonical, chk)
	if allowed {
		return nil
	}
	return cerr.New(cerr.Unauthorized, "access denied", map[string]any{"reason": reason})
}

// RequirePermission mirrors RequireAccess for a single permission gate,
// returning ElevationRequired when the gap is the elevated-ops permission
// and Forbidden otherwise, carrying the triggering permission.
func (a *Access) RequirePermission(canonical string, perm Permission, groupID string) error {
	if a.CheckPermission(canonical, perm, groupID) {
		return nil
	}
	if perm == PermElevated {
		return cerr.New(cerr.ElevationRequired, "elevated permission required", map[string]any{"permission": string(perm)})
	}
	return cerr.New(cerr.Forbidden, "permission denied", map[string]any{"permission": string(perm)})
}
