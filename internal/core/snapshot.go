package core

import "parley/server/internal/protocol"

// Snapshot is the durable record of the full namespace: every room with its
// log, settings, and ban set, plus room-less category paths and the global
// ban list. Live connection handles are never part of a snapshot.
type Snapshot struct {
	Rooms      []RoomState
	Categories []string
	GlobalBans []string
}

// RoomState is one room's persisted state.
type RoomState struct {
	Path           string
	Anonymous      bool
	CharacterLimit int
	Messages       []protocol.ChatMessage
	BannedIPs      []string
}

// NodeSnapshot is the nested namespace shape served to admin clients and
// broadcast as a paths event.
type NodeSnapshot struct {
	Room     *RoomInfo                `json:"room,omitempty"`
	Children map[string]*NodeSnapshot `json:"children,omitempty"`
}

// RoomInfo summarizes one room inside a namespace snapshot.
type RoomInfo struct {
	Anonymous      bool `json:"anonymous"`
	CharacterLimit int  `json:"characterLimit"`
	Messages       int  `json:"messages"`
	Clients        int  `json:"clients"`
}
