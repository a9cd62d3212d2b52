package core

import (
	"context"

	"github.com/dkeye/huddle/internal/domain"
)

// RoomManager keys rooms by id. The service exercises a single default room,
// but nothing in the contracts assumes only one exists.
type RoomManager interface {
	GetOrCreate(ctx context.Context, id domain.RoomID) (*Room, error)
	Get(id domain.RoomID) (*Room, bool)
	List() []domain.RoomInfo
	StopRoom(id domain.RoomID)
}
