package core

import (
	"log/slog"
	"sync"
	"time"

	"parley/server/internal/protocol"
)

// Room is the addressable chat channel at one path: append-only message log,
// live membership, settings, and per-room ban set. All mutation and fan-out
// for a room is serialized on its mutex, so log append order equals broadcast
// delivery order for every member.
type Room struct {
	path string

	mu             sync.Mutex
	messages       []protocol.ChatMessage
	clients        map[string]*Session
	anonymous      bool
	characterLimit int
	bannedIPs      map[string]struct{}
}

func newRoom(path string) *Room {
	return &Room{
		path:      path,
		clients:   make(map[string]*Session),
		bannedIPs: make(map[string]struct{}),
	}
}

// Path returns the slash-delimited path identifying the room.
func (r *Room) Path() string { return r.path }

// ClientInfo is the admin-facing view of one joined session.
type ClientInfo struct {
	ClientID string `json:"clientId"`
	Username string `json:"username"`
	IP       string `json:"ip"`
}

func (r *Room) attach(s *Session) {
	r.mu.Lock()
	r.clients[s.ID()] = s
	r.mu.Unlock()
}

func (r *Room) detach(sessionID string) {
	r.mu.Lock()
	delete(r.clients, sessionID)
	r.mu.Unlock()
}

// isBannedHere reports whether ip is in this room's ban set.
func (r *Room) isBannedHere(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, banned := r.bannedIPs[ip]
	return banned
}

// appendText stamps and appends a text entry, then broadcasts the projected
// history to every live member.
func (r *Room) appendText(username, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.characterLimit > 0 && len([]rune(text)) > r.characterLimit {
		return ErrMessageTooLong
	}
	r.messages = append(r.messages, protocol.ChatMessage{
		Type:      protocol.KindText,
		Username:  username,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	})
	r.broadcastLocked(protocol.History(r.projectedLocked()))
	return nil
}

// appendFile stamps and appends a file-reference entry, then broadcasts.
func (r *Room) appendFile(username, filename, fileType, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, protocol.ChatMessage{
		Type:      protocol.KindFile,
		Username:  username,
		Filename:  filename,
		FileType:  fileType,
		Result:    result,
		Timestamp: time.Now().UnixMilli(),
	})
	r.broadcastLocked(protocol.History(r.projectedLocked()))
}

// deleteAt removes the entry at index and broadcasts the shortened history.
func (r *Room) deleteAt(index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.messages) {
		return ErrIndexOutOfRange
	}
	r.messages = append(r.messages[:index], r.messages[index+1:]...)
	r.broadcastLocked(protocol.History(r.projectedLocked()))
	return nil
}

// deleteOwn removes the entry at index only if username wrote it.
func (r *Room) deleteOwn(username string, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.messages) {
		return ErrIndexOutOfRange
	}
	if r.messages[index].Username != username {
		return ErrNotOwner
	}
	r.messages = append(r.messages[:index], r.messages[index+1:]...)
	r.broadcastLocked(protocol.History(r.projectedLocked()))
	return nil
}

// clear truncates the log and notifies every member.
func (r *Room) clear() {
	r.mu.Lock()
	r.messages = nil
	r.broadcastLocked(protocol.Outbound{Type: protocol.OutClear, Data: protocol.ClearData{ClearMessages: true}})
	r.mu.Unlock()
}

// setAnonymous flips the projection flag and re-broadcasts history so every
// member sees the new projection immediately. The stored log is untouched.
func (r *Room) setAnonymous(v bool) {
	r.mu.Lock()
	r.anonymous = v
	r.broadcastLocked(protocol.Outbound{Type: protocol.OutAnonymous, Data: protocol.FlagData{Value: v}})
	r.broadcastLocked(protocol.History(r.projectedLocked()))
	r.mu.Unlock()
}

func (r *Room) setCharacterLimit(v int) {
	r.mu.Lock()
	r.characterLimit = v
	r.broadcastLocked(protocol.Outbound{Type: protocol.OutCharacterLimit, Data: protocol.LimitData{Value: v}})
	r.mu.Unlock()
}

// info summarizes the room for namespace snapshots.
func (r *Room) info() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RoomInfo{
		Anonymous:      r.anonymous,
		CharacterLimit: r.characterLimit,
		Messages:       len(r.messages),
		Clients:        len(r.clients),
	}
}

// settings returns the current (anonymous, characterLimit) pair.
func (r *Room) settings() (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.anonymous, r.characterLimit
}

// projectedHistory returns the log with usernames replaced by the anonymous
// sentinel when anonymous mode is on. The stored log is never mutated by the
// projection, so disabling the flag restores the original names.
func (r *Room) projectedHistory() []protocol.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.projectedLocked()
}

func (r *Room) projectedLocked() []protocol.ChatMessage {
	out := make([]protocol.ChatMessage, len(r.messages))
	copy(out, r.messages)
	if r.anonymous {
		for i := range out {
			out[i].Username = protocol.AnonymousName
		}
	}
	return out
}

// rawMessages returns a copy of the stored log with true identities.
func (r *Room) rawMessages() []protocol.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.ChatMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

// clientInfos returns the admin view of current membership.
func (r *Room) clientInfos() []ClientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ClientInfo, 0, len(r.clients))
	for _, s := range r.clients {
		out = append(out, ClientInfo{ClientID: s.ID(), Username: s.Username(), IP: s.IP()})
	}
	return out
}

// kick closes one member's transport and drops the back-reference. Registry
// removal happens when the transport close unwinds through Deregister.
func (r *Room) kick(sessionID string) error {
	r.mu.Lock()
	s, ok := r.clients[sessionID]
	if ok {
		delete(r.clients, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return ErrClientNotFound
	}
	s.clearRoom()
	s.Close()
	slog.Info("client kicked", "room", r.path, "client_id", sessionID)
	return nil
}

// banIP adds ip to the room's ban set and closes every currently-joined
// session connecting from it.
func (r *Room) banIP(ip string) {
	r.mu.Lock()
	r.bannedIPs[ip] = struct{}{}
	var evicted []*Session
	for id, s := range r.clients {
		if s.IP() == ip {
			evicted = append(evicted, s)
			delete(r.clients, id)
		}
	}
	r.mu.Unlock()

	for _, s := range evicted {
		s.clearRoom()
		s.Close()
	}
	slog.Info("ip banned in room", "room", r.path, "ip", ip, "evicted", len(evicted))
}

// broadcastLocked fans an event out to every live member. Callers hold mu, so
// successive appends reach each member's outbox in log order. Closed sessions
// are skipped, not removed; removal is Deregister's job.
func (r *Room) broadcastLocked(ev protocol.Outbound) {
	sent := 0
	for _, s := range r.clients {
		if s.Deliver(ev) {
			sent++
		}
	}
	slog.Debug("room broadcast", "room", r.path, "type", ev.Type, "recipients", sent, "members", len(r.clients))
}

func (r *Room) snapshotState() RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := make([]protocol.ChatMessage, len(r.messages))
	copy(msgs, r.messages)
	bans := make([]string, 0, len(r.bannedIPs))
	for ip := range r.bannedIPs {
		bans = append(bans, ip)
	}
	return RoomState{
		Path:           r.path,
		Anonymous:      r.anonymous,
		CharacterLimit: r.characterLimit,
		Messages:       msgs,
		BannedIPs:      bans,
	}
}

func (r *Room) restoreState(st RoomState) {
	r.mu.Lock()
	r.anonymous = st.Anonymous
	r.characterLimit = st.CharacterLimit
	r.messages = append([]protocol.ChatMessage(nil), st.Messages...)
	for _, ip := range st.BannedIPs {
		r.bannedIPs[ip] = struct{}{}
	}
	r.mu.Unlock()
}
