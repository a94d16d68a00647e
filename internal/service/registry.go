package service

import (
	"sync"
	"time"
)

// Registry 是 partyID -> Room 的程序內唯一登錄表。
// mu 只保護 map 本身的新增與刪除，房間內的狀態由各自的 Room 鎖保護。
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
	opts  RoomOptions
}

func NewRegistry(opts RoomOptions) *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
		opts:  opts,
	}
}

// GetOrCreate 回傳 partyID 對應的房間，不存在或已關閉時建立新的
func (reg *Registry) GetOrCreate(partyID, movieID string, now time.Time) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if room, ok := reg.rooms[partyID]; ok && !room.isClosed() {
		return room, false
	}
	room := NewRoom(partyID, movieID, reg.opts, now)
	reg.rooms[partyID] = room
	return room, true
}

func (reg *Registry) Get(partyID string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[partyID]
	if !ok || room.isClosed() {
		return nil, false
	}
	return room, true
}

// RemoveIfEmpty 在房間已清空（closed）時將其移出登錄表
func (reg *Registry) RemoveIfEmpty(partyID string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[partyID]
	if !ok || !room.isClosed() {
		return false
	}
	delete(reg.rooms, partyID)
	return true
}

// Rooms 回傳目前所有房間的副本，供 Reaper 巡檢
func (reg *Registry) Rooms() []*Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}
