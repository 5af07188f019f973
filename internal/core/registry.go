package core

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"parley/server/internal/protocol"
)

// Registry is the explicitly owned root of all relay state: the path tree,
// the connection table, and the global ban set. It is constructed at startup
// (optionally from a persisted snapshot) and saved by an explicit snapshot
// call; nothing here is ambient process state.
//
// Tree mutation is serialized by treeMu so two concurrent joins on a missing
// path cannot create divergent rooms. The connection table and the global ban
// set carry their own locks since every connect/close touches them regardless
// of room.
type Registry struct {
	sendBuf int

	treeMu sync.RWMutex
	root   *node

	connMu   sync.RWMutex
	sessions map[string]*Session

	banMu      sync.RWMutex
	globalBans map[string]struct{}
}

// Options tunes registry construction.
type Options struct {
	// SendBuffer is the per-session outbox capacity (default 64).
	SendBuffer int
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		sendBuf:    opts.SendBuffer,
		root:       newNode(),
		sessions:   make(map[string]*Session),
		globalBans: make(map[string]struct{}),
	}
}

// JoinState is what a freshly joined client is pushed: the projected history
// followed by the room's current settings.
type JoinState struct {
	History        []protocol.ChatMessage
	Anonymous      bool
	CharacterLimit int
	Created        bool
}

// Register creates a session for one accepted connection and adds it to the
// connection table. Globally banned IPs are refused up front.
func (g *Registry) Register(ip string) (*Session, error) {
	if g.isGloballyBanned(ip) {
		return nil, ErrBanned
	}

	s := newSession(ip, g.sendBuf)
	g.connMu.Lock()
	g.sessions[s.ID()] = s
	count := len(g.sessions)
	g.connMu.Unlock()

	slog.Info("session registered", "client_id", s.ID(), "ip", ip, "total_sessions", count)
	return s, nil
}

// Deregister is the single removal routine invoked from connection close: it
// drops the session from the connection table, detaches it from its room, and
// closes it. Idempotent; kick and ban paths may already have closed parts.
func (g *Registry) Deregister(sessionID string) {
	g.connMu.Lock()
	s, ok := g.sessions[sessionID]
	if ok {
		delete(g.sessions, sessionID)
	}
	remaining := len(g.sessions)
	g.connMu.Unlock()
	if !ok {
		return
	}

	if path := s.RoomPath(); path != "" {
		if room, err := g.resolve(path); err == nil {
			room.detach(sessionID)
		}
		s.clearRoom()
	}
	s.Close()
	slog.Info("session deregistered", "client_id", sessionID, "remaining_sessions", remaining)
}

// Lookup returns the live session for an ID.
func (g *Registry) Lookup(sessionID string) (*Session, bool) {
	g.connMu.RLock()
	defer g.connMu.RUnlock()
	s, ok := g.sessions[sessionID]
	return s, ok
}

// All returns every live session, used for global broadcast and enforcement.
func (g *Registry) All() []*Session {
	g.connMu.RLock()
	defer g.connMu.RUnlock()
	out := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s)
	}
	return out
}

// ClientCount returns the number of live sessions.
func (g *Registry) ClientCount() int {
	g.connMu.RLock()
	defer g.connMu.RUnlock()
	return len(g.sessions)
}

// resolveOrCreate walks the tree, creating category nodes for missing
// intermediate segments and a room node at the last segment if absent.
// Idempotent: repeated calls for one path return the same room.
func (g *Registry) resolveOrCreate(path string) (*Room, bool, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, false, err
	}

	g.treeMu.Lock()
	defer g.treeMu.Unlock()

	n := g.root.walkOrCreate(segments)
	if n.room != nil {
		return n.room, false, nil
	}
	n.room = newRoom(joinSegments(segments))
	slog.Info("room created", "room", n.room.Path())
	return n.room, true, nil
}

// resolve is the non-creating lookup used on read paths so listing and
// inspection never mint rooms as a side effect.
func (g *Registry) resolve(path string) (*Room, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	g.treeMu.RLock()
	defer g.treeMu.RUnlock()

	n := g.root.walk(segments)
	if n == nil || n.room == nil {
		return nil, ErrRoomNotFound
	}
	return n.room, nil
}

// Join attaches a session to the room at path, creating it on first use. The
// ban check runs before the session is attached; a room created by a banned
// caller stays, but the caller never becomes a member. Joining a different
// room detaches from the previous one first.
func (g *Registry) Join(sessionID, path, username string) (JoinState, error) {
	s, ok := g.Lookup(sessionID)
	if !ok {
		return JoinState{}, ErrClientNotFound
	}
	if g.isGloballyBanned(s.IP()) {
		return JoinState{}, ErrBanned
	}

	room, created, err := g.resolveOrCreate(path)
	if err != nil {
		return JoinState{}, err
	}
	if room.isBannedHere(s.IP()) {
		return JoinState{}, ErrBanned
	}

	if prev := s.RoomPath(); prev != "" && prev != room.Path() {
		if prevRoom, err := g.resolve(prev); err == nil {
			prevRoom.detach(sessionID)
		}
	}

	s.setIdentity(username, room.Path())
	room.attach(s)
	slog.Info("client joined", "room", room.Path(), "client_id", sessionID, "username", username)

	if created {
		g.BroadcastAll(protocol.Outbound{Type: protocol.OutPaths, Data: g.PathsSnapshot()})
	}

	anonymous, limit := room.settings()
	return JoinState{
		History:        room.projectedHistory(),
		Anonymous:      anonymous,
		CharacterLimit: limit,
		Created:        created,
	}, nil
}

// memberRoom resolves the room an event targets, enforcing membership and
// re-checking bans so a ban issued mid-session takes effect immediately.
func (g *Registry) memberRoom(s *Session, path string) (*Room, error) {
	room, err := g.resolve(path)
	if err != nil {
		return nil, err
	}
	if g.isGloballyBanned(s.IP()) || room.isBannedHere(s.IP()) {
		return nil, ErrBanned
	}
	if s.RoomPath() != room.Path() {
		return nil, ErrNotJoined
	}
	return room, nil
}

// AppendText validates and appends a text message on behalf of a session and
// fans the updated history out to the room.
func (g *Registry) AppendText(sessionID, path, text string) error {
	s, ok := g.Lookup(sessionID)
	if !ok {
		return ErrClientNotFound
	}
	room, err := g.memberRoom(s, path)
	if err != nil {
		return err
	}
	return room.appendText(s.Username(), text)
}

// AppendFile appends a file-reference message on behalf of a session.
func (g *Registry) AppendFile(sessionID, path, filename, fileType, result string) error {
	s, ok := g.Lookup(sessionID)
	if !ok {
		return ErrClientNotFound
	}
	room, err := g.memberRoom(s, path)
	if err != nil {
		return err
	}
	room.appendFile(s.Username(), filename, fileType, result)
	return nil
}

// DeleteOwn removes the session's own message at index. Ownership is the
// policy here; admin deletion goes through DeleteMessageAt instead.
func (g *Registry) DeleteOwn(sessionID, path string, index int) error {
	s, ok := g.Lookup(sessionID)
	if !ok {
		return ErrClientNotFound
	}
	room, err := g.memberRoom(s, path)
	if err != nil {
		return err
	}
	return room.deleteOwn(s.Username(), index)
}

// Ping refreshes a session's liveness flag. Valid in any state.
func (g *Registry) Ping(sessionID string) {
	if s, ok := g.Lookup(sessionID); ok {
		s.RefreshPing()
	}
}

// CreateRoom mints the room at path (admin control plane). Reports whether a
// new room was actually created.
func (g *Registry) CreateRoom(path string) (bool, error) {
	_, created, err := g.resolveOrCreate(path)
	if err != nil {
		return false, err
	}
	if created {
		g.BroadcastAll(protocol.Outbound{Type: protocol.OutPaths, Data: g.PathsSnapshot()})
	}
	return created, nil
}

// CreateCategory mints a pure namespace node without a room.
func (g *Registry) CreateCategory(path string) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	g.treeMu.Lock()
	g.root.walkOrCreate(segments)
	g.treeMu.Unlock()
	slog.Info("category created", "path", path)
	return nil
}

// RoomClients lists current membership of the room at path.
func (g *Registry) RoomClients(path string) ([]ClientInfo, error) {
	room, err := g.resolve(path)
	if err != nil {
		return nil, err
	}
	return room.clientInfos(), nil
}

// RoomMessages returns the stored log with true identities (admin view; the
// anonymity projection applies only to member-facing history).
func (g *Registry) RoomMessages(path string) ([]protocol.ChatMessage, error) {
	room, err := g.resolve(path)
	if err != nil {
		return nil, err
	}
	return room.rawMessages(), nil
}

// ClearMessages truncates a room's log and notifies members.
func (g *Registry) ClearMessages(path string) error {
	room, err := g.resolve(path)
	if err != nil {
		return err
	}
	room.clear()
	return nil
}

// DeleteMessageAt removes one entry by index (admin policy, no ownership check).
func (g *Registry) DeleteMessageAt(path string, index int) error {
	room, err := g.resolve(path)
	if err != nil {
		return err
	}
	return room.deleteAt(index)
}

// SetAnonymous toggles a room's read-time anonymization.
func (g *Registry) SetAnonymous(path string, v bool) error {
	room, err := g.resolve(path)
	if err != nil {
		return err
	}
	room.setAnonymous(v)
	return nil
}

// SetCharacterLimit sets a room's maximum text length (0 = unlimited).
func (g *Registry) SetCharacterLimit(path string, v int) error {
	if v < 0 {
		return ErrInvalidLimit
	}
	room, err := g.resolve(path)
	if err != nil {
		return err
	}
	room.setCharacterLimit(v)
	return nil
}

// Kick force-closes one member's transport.
func (g *Registry) Kick(path, sessionID string) error {
	room, err := g.resolve(path)
	if err != nil {
		return err
	}
	return room.kick(sessionID)
}

// BanInRoom bans an IP in one room and evicts matching members there.
func (g *Registry) BanInRoom(path, ip string) error {
	room, err := g.resolve(path)
	if err != nil {
		return err
	}
	room.banIP(ip)
	return nil
}

// BanGlobally bans an IP everywhere: matching sessions are closed and removed
// from the connection table, and no session from that IP can join any room
// afterwards.
func (g *Registry) BanGlobally(ip string) {
	g.banMu.Lock()
	g.globalBans[ip] = struct{}{}
	g.banMu.Unlock()

	evicted := 0
	for _, s := range g.All() {
		if s.IP() == ip {
			g.Deregister(s.ID())
			evicted++
		}
	}
	slog.Info("ip banned globally", "ip", ip, "evicted", evicted)
}

func (g *Registry) isGloballyBanned(ip string) bool {
	g.banMu.RLock()
	defer g.banMu.RUnlock()
	_, banned := g.globalBans[ip]
	return banned
}

// BroadcastAll delivers a control event to every live session.
func (g *Registry) BroadcastAll(ev protocol.Outbound) {
	sent := 0
	targets := g.All()
	for _, s := range targets {
		if s.Deliver(ev) {
			sent++
		}
	}
	slog.Debug("global broadcast", "type", ev.Type, "recipients", sent, "total", len(targets))
}

// PathsSnapshot returns the nested namespace without connection handles.
func (g *Registry) PathsSnapshot() map[string]*NodeSnapshot {
	g.treeMu.RLock()
	defer g.treeMu.RUnlock()
	return snapshotChildren(g.root)
}

func snapshotChildren(n *node) map[string]*NodeSnapshot {
	if len(n.children) == 0 {
		return nil
	}
	out := make(map[string]*NodeSnapshot, len(n.children))
	for name, child := range n.children {
		ns := &NodeSnapshot{Children: snapshotChildren(child)}
		if child.room != nil {
			info := child.room.info()
			ns.Room = &info
		}
		out[name] = ns
	}
	return out
}

// Snapshot flattens the full namespace and ban state for persistence.
func (g *Registry) Snapshot() Snapshot {
	g.treeMu.RLock()
	var rooms []*Room
	var categories []string
	collectNodes(g.root, nil, &rooms, &categories)
	g.treeMu.RUnlock()

	snap := Snapshot{Categories: categories}
	for _, r := range rooms {
		snap.Rooms = append(snap.Rooms, r.snapshotState())
	}
	sort.Slice(snap.Rooms, func(i, j int) bool { return snap.Rooms[i].Path < snap.Rooms[j].Path })

	g.banMu.RLock()
	for ip := range g.globalBans {
		snap.GlobalBans = append(snap.GlobalBans, ip)
	}
	g.banMu.RUnlock()
	sort.Strings(snap.GlobalBans)
	return snap
}

func collectNodes(n *node, prefix []string, rooms *[]*Room, categories *[]string) {
	for name, child := range n.children {
		segs := append(append([]string(nil), prefix...), name)
		if child.room != nil {
			*rooms = append(*rooms, child.room)
		} else {
			*categories = append(*categories, joinSegments(segs))
		}
		collectNodes(child, segs, rooms, categories)
	}
}

// Restore rebuilds the namespace from a persisted snapshot. Meant to run at
// startup before any connection is accepted.
func (g *Registry) Restore(snap Snapshot) {
	for _, path := range snap.Categories {
		if err := g.CreateCategory(path); err != nil {
			slog.Warn("skipping invalid persisted category", "path", path, "err", err)
		}
	}
	for _, st := range snap.Rooms {
		room, _, err := g.resolveOrCreate(st.Path)
		if err != nil {
			slog.Warn("skipping invalid persisted room", "path", st.Path, "err", err)
			continue
		}
		room.restoreState(st)
	}

	g.banMu.Lock()
	for _, ip := range snap.GlobalBans {
		g.globalBans[ip] = struct{}{}
	}
	g.banMu.Unlock()

	slog.Info("namespace restored", "rooms", len(snap.Rooms), "categories", len(snap.Categories), "global_bans", len(snap.GlobalBans))
}

func joinSegments(segments []string) string {
	return strings.Join(segments, "/")
}
