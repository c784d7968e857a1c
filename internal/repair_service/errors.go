package repair_service

import "errors"

var (
	// ErrRepairExhausted means no node still holds a copy of the chunk.
	ErrRepairExhausted  = errors.New("no surviving copy to repair from")
	ErrRepairIncomplete = errors.New("repair left chunks under-replicated")
)
